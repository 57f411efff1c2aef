package engine

import (
	"context"
	"errors"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Extractor turns frames into fingerprints. It is only touched from the
// pipeline goroutine, and Reset is called before each fresh capture run.
type Extractor interface {
	Push(frame models.AudioFrame) ([]models.Fingerprint, error)
	Flush() ([]models.Fingerprint, error)
	Reset()
}

// batch is what the pipeline hands the engine for every frame.
type batch struct {
	fps   []models.Fingerprint
	endMs uint32 // stream time covered so far
	err   error  // capture or extraction failure; ends the run
	eos   bool   // stream ended; fps holds the flushed tail
}

// pipeline runs capture and extraction off the engine goroutine so slow
// queries never block the audio producer beyond the batch queue.
type pipeline struct {
	src     capture.Source
	cancel  context.CancelFunc
	done    chan struct{}
	batches chan batch
}

func startPipeline(ctx context.Context, src capture.Source, ext Extractor, queue int, log Logger) (*pipeline, error) {
	ext.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	frames, err := src.Start(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	p := &pipeline{
		src:     src,
		cancel:  cancel,
		done:    make(chan struct{}),
		batches: make(chan batch, queue),
	}
	go p.run(runCtx, frames, ext, log)
	return p, nil
}

func (p *pipeline) send(ctx context.Context, b batch) bool {
	select {
	case p.batches <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pipeline) run(ctx context.Context, frames <-chan models.AudioFrame, ext Extractor, log Logger) {
	defer close(p.done)

	var endMs uint32
	for frame := range frames {
		fps, err := ext.Push(frame)
		if err != nil {
			p.send(ctx, batch{err: models.NewError(models.KindEngine, "extract", err)})
			return
		}
		endMs = uint32(frame.End() / time.Millisecond)
		if !p.send(ctx, batch{fps: fps, endMs: endMs}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := p.src.Err(); err != nil {
		p.send(ctx, batch{err: models.NewError(models.KindEngine, "capture", err)})
		return
	}

	fps, err := ext.Flush()
	if err != nil && !errors.Is(err, models.ErrInsufficientAudio) {
		p.send(ctx, batch{err: models.NewError(models.KindEngine, "extract", err)})
		return
	}
	if err != nil {
		log.Debugf("stream ended before a full analysis window")
	}
	p.send(ctx, batch{fps: fps, endMs: endMs, eos: true})
}

// stop cancels the run and waits for capture and extraction to finish.
func (p *pipeline) stop() {
	p.cancel()
	_ = p.src.Stop()
	<-p.done
}
