// Package capture produces fixed-duration mono audio frames from files,
// in-memory buffers and live producers.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Source yields audio frames in capture order. A Source can be started again
// once the previous run has ended or been stopped.
type Source interface {
	// Start begins capture. The returned channel is closed when the stream
	// ends, the source is stopped or ctx is cancelled.
	Start(ctx context.Context) (<-chan models.AudioFrame, error)
	// Stop ends the current run and waits for the frame channel to close.
	Stop() error
	// Err reports why the last run ended: nil for end of stream or Stop.
	Err() error
}

var ErrAlreadyStarted = errors.New("capture already started")

const (
	DefaultFrameDuration = 100 * time.Millisecond
	DefaultBufferFrames  = 16
)

type OverflowPolicy int

const (
	// Block makes producers wait for the consumer.
	Block OverflowPolicy = iota
	// DropOldest discards the oldest queued frame to make room.
	DropOldest
)

type options struct {
	frameDuration time.Duration
	bufferFrames  int
	realtime      bool
	targetRate    int
	overflow      OverflowPolicy
}

type Option func(*options)

// WithFrameDuration sets the length of emitted frames.
func WithFrameDuration(d time.Duration) Option {
	return func(o *options) { o.frameDuration = d }
}

// WithBufferFrames bounds the number of frames queued for the consumer.
func WithBufferFrames(n int) Option {
	return func(o *options) { o.bufferFrames = n }
}

// WithRealtime paces file and in-memory sources at playback speed.
func WithRealtime(on bool) Option {
	return func(o *options) { o.realtime = on }
}

// WithTargetRate resamples input to rate before framing.
func WithTargetRate(rate int) Option {
	return func(o *options) { o.targetRate = rate }
}

func WithOverflow(p OverflowPolicy) Option {
	return func(o *options) { o.overflow = p }
}

func buildOptions(opts []Option) options {
	o := options{
		frameDuration: DefaultFrameDuration,
		bufferFrames:  DefaultBufferFrames,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.frameDuration <= 0 {
		o.frameDuration = DefaultFrameDuration
	}
	if o.bufferFrames <= 0 {
		o.bufferFrames = 1
	}
	return o
}

func frameSamples(rate int, d time.Duration) int {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// framer stamps consecutive sample runs with sequence numbers and offsets
// derived from the sample count.
type framer struct {
	rate int
	seq  uint64
	pos  int64
}

func (f *framer) next(samples []float64) models.AudioFrame {
	frame := models.AudioFrame{
		Seq:        f.seq,
		Timestamp:  time.Duration(f.pos) * time.Second / time.Duration(f.rate),
		SampleRate: f.rate,
		Samples:    append([]float64(nil), samples...),
	}
	f.seq++
	f.pos += int64(len(samples))
	return frame
}

// emitFunc delivers one frame, returning false once the run is cancelled.
type emitFunc func(models.AudioFrame) bool

// lifecycle runs one producer goroutine per Start and owns the output channel.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (l *lifecycle) start(ctx context.Context, buffer int, produce func(context.Context, emitFunc) error) (<-chan models.AudioFrame, context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		select {
		case <-l.done:
		default:
			return nil, nil, ErrAlreadyStarted
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan models.AudioFrame, buffer)
	done := make(chan struct{})
	l.cancel, l.done, l.err = cancel, done, nil

	emit := func(f models.AudioFrame) bool {
		select {
		case out <- f:
			return true
		case <-runCtx.Done():
			return false
		}
	}

	go func() {
		defer close(done)
		defer close(out)
		err := produce(runCtx, emit)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		cancel()
	}()

	return out, runCtx, nil
}

func (l *lifecycle) stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *lifecycle) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// pace sleeps until the frame's end time relative to start.
func pace(ctx context.Context, start time.Time, frame models.AudioFrame) error {
	wait := time.Until(start.Add(frame.End()))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
