//go:build !js
// +build !js

package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// WAVSource streams a PCM WAV file as mono frames in [-1, 1]. Multi-channel
// audio is averaged down to mono.
type WAVSource struct {
	path string
	opts options
	lifecycle
}

func NewWAVSource(path string, opts ...Option) *WAVSource {
	return &WAVSource{path: path, opts: buildOptions(opts)}
}

func (s *WAVSource) Start(ctx context.Context) (<-chan models.AudioFrame, error) {
	// Fail fast on a missing file instead of ending the stream with an error.
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	out, _, err := s.lifecycle.start(ctx, s.opts.bufferFrames, s.produce)
	return out, err
}

func (s *WAVSource) Stop() error { return s.lifecycle.stop() }

func (s *WAVSource) Err() error { return s.lifecycle.lastErr() }

func (s *WAVSource) produce(ctx context.Context, emit emitFunc) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s: not a valid WAV file", s.path)
	}
	if dec.WavAudioFormat != 1 {
		return errors.New("unsupported WAV audio format: only PCM (1) supported")
	}
	chans := int(dec.NumChans)
	rate := int(dec.SampleRate)
	depth := int(dec.BitDepth)
	if chans < 1 || rate <= 0 || depth < 8 || depth > 32 {
		return fmt.Errorf("%s: unsupported format (%d channels, %d Hz, %d bit)", s.path, chans, rate, depth)
	}

	rs, err := newResampler(rate, s.opts.targetRate)
	if err != nil {
		return err
	}
	outRate := rate
	if rs != nil {
		outRate = s.opts.targetRate
	}

	size := frameSamples(outRate, s.opts.frameDuration)
	fr := &framer{rate: outRate}
	scale := 1.0 / float64(int64(1)<<uint(depth-1))
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: rate},
		Data:           make([]int, frameSamples(rate, s.opts.frameDuration)*chans),
		SourceBitDepth: depth,
	}

	started := time.Now()
	var pending []float64
	send := func(samples []float64) error {
		frame := fr.next(samples)
		if !emit(frame) {
			return ctx.Err()
		}
		if s.opts.realtime {
			return pace(ctx, started, frame)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", s.path, err)
		}
		if n == 0 {
			break
		}
		mono := downmix(buf.Data[:n-n%chans], chans, scale)
		if rs != nil {
			if mono, err = rs.Process(mono); err != nil {
				return fmt.Errorf("resample error: %w", err)
			}
		}
		pending = append(pending, mono...)
		for len(pending) >= size {
			if err := send(pending[:size]); err != nil {
				return err
			}
			pending = pending[size:]
		}
	}

	if len(pending) > 0 {
		return send(pending)
	}
	return nil
}

// downmix averages interleaved channels and scales to [-1, 1].
func downmix(data []int, chans int, scale float64) []float64 {
	out := make([]float64, len(data)/chans)
	for i := range out {
		var sum float64
		for c := 0; c < chans; c++ {
			sum += float64(data[i*chans+c])
		}
		out[i] = sum / float64(chans) * scale
	}
	return out
}
