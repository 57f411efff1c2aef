package capture

import (
	"context"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// SampleSource replays an in-memory mono clip.
type SampleSource struct {
	samples []float64
	rate    int
	opts    options
	lifecycle
}

func NewSampleSource(samples []float64, sampleRate int, opts ...Option) *SampleSource {
	return &SampleSource{samples: samples, rate: sampleRate, opts: buildOptions(opts)}
}

func (s *SampleSource) Start(ctx context.Context) (<-chan models.AudioFrame, error) {
	out, _, err := s.lifecycle.start(ctx, s.opts.bufferFrames, s.produce)
	return out, err
}

func (s *SampleSource) Stop() error { return s.lifecycle.stop() }

func (s *SampleSource) Err() error { return s.lifecycle.lastErr() }

func (s *SampleSource) produce(ctx context.Context, emit emitFunc) error {
	size := frameSamples(s.rate, s.opts.frameDuration)
	fr := &framer{rate: s.rate}
	started := time.Now()

	for pos := 0; pos < len(s.samples); pos += size {
		end := pos + size
		if end > len(s.samples) {
			end = len(s.samples)
		}
		frame := fr.next(s.samples[pos:end])
		if !emit(frame) {
			return ctx.Err()
		}
		if s.opts.realtime {
			if err := pace(ctx, started, frame); err != nil {
				return err
			}
		}
	}
	return nil
}
