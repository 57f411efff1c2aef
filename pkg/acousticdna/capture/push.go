package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// PushSource is a live source fed by a producer such as a microphone
// callback or a network connection. Samples pushed while the source is not
// running are discarded.
type PushSource struct {
	rate  int
	opts  options
	queue chan models.AudioFrame

	pushMu sync.Mutex // serializes producers so frames keep their order

	mu      sync.Mutex
	run     context.Context
	ended   chan struct{}
	framer  *framer
	pending []float64

	dropped atomic.Uint64
	lifecycle
}

func NewPushSource(sampleRate int, opts ...Option) *PushSource {
	o := buildOptions(opts)
	return &PushSource{
		rate:  sampleRate,
		opts:  o,
		queue: make(chan models.AudioFrame, o.bufferFrames),
	}
}

func (p *PushSource) SampleRate() int { return p.rate }

// Dropped counts frames discarded under the DropOldest policy.
func (p *PushSource) Dropped() uint64 { return p.dropped.Load() }

func (p *PushSource) Start(ctx context.Context) (<-chan models.AudioFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drainQueue()
	ended := make(chan struct{})
	out, run, err := p.lifecycle.start(ctx, 1, func(ctx context.Context, emit emitFunc) error {
		return p.forward(ctx, emit, ended)
	})
	if err != nil {
		return nil, err
	}
	p.run = run
	p.ended = ended
	p.framer = &framer{rate: p.rate}
	p.pending = nil
	return out, nil
}

func (p *PushSource) Stop() error {
	p.mu.Lock()
	p.run = nil
	p.mu.Unlock()
	return p.lifecycle.stop()
}

func (p *PushSource) Err() error { return p.lifecycle.lastErr() }

// End marks the end of the stream. Queued frames, plus any partial frame,
// are still delivered before the frame channel closes.
func (p *PushSource) End() {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	p.mu.Lock()
	run, ended := p.run, p.ended
	var tail models.AudioFrame
	hasTail := run != nil && len(p.pending) > 0
	if hasTail {
		tail = p.framer.next(p.pending)
		p.pending = nil
	}
	p.run = nil
	p.mu.Unlock()

	if run == nil {
		return
	}
	if hasTail {
		p.enqueue(run, run, tail)
	}
	close(ended)
}

// Push appends samples to the stream, cutting them into frames of the
// configured duration. Under Block it waits for room; it returns ctx.Err()
// if ctx ends first.
func (p *PushSource) Push(ctx context.Context, samples []float64) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	p.mu.Lock()
	run := p.run
	if run == nil || run.Err() != nil {
		p.mu.Unlock()
		return nil
	}
	size := frameSamples(p.rate, p.opts.frameDuration)
	p.pending = append(p.pending, samples...)
	var frames []models.AudioFrame
	for len(p.pending) >= size {
		frames = append(frames, p.framer.next(p.pending[:size]))
		p.pending = p.pending[size:]
	}
	p.mu.Unlock()

	for _, f := range frames {
		if err := p.enqueue(ctx, run, f); err != nil {
			return err
		}
	}
	return nil
}

// PushPCM16 pushes little-endian signed 16-bit mono PCM. A trailing odd byte
// is ignored.
func (p *PushSource) PushPCM16(ctx context.Context, data []byte) error {
	return p.Push(ctx, PCM16ToFloat(data))
}

func (p *PushSource) enqueue(ctx, run context.Context, f models.AudioFrame) error {
	if p.opts.overflow == DropOldest {
		for {
			select {
			case p.queue <- f:
				return nil
			default:
			}
			select {
			case <-p.queue:
				p.dropped.Add(1)
			default:
			}
		}
	}

	select {
	case p.queue <- f:
		return nil
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PushSource) forward(ctx context.Context, emit emitFunc, ended <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.queue:
			if !emit(f) {
				return ctx.Err()
			}
		case <-ended:
			for {
				select {
				case f := <-p.queue:
					if !emit(f) {
						return ctx.Err()
					}
				default:
					return nil
				}
			}
		}
	}
}

func (p *PushSource) drainQueue() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// PCM16ToFloat converts little-endian signed 16-bit samples to [-1, 1].
func PCM16ToFloat(data []byte) []float64 {
	const scale = 1.0 / 32768.0
	out := make([]float64, len(data)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(data[2*i:]))) * scale
	}
	return out
}
