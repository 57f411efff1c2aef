package fingerprint

import (
	"errors"
	"fmt"
	"math"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

const DefaultSampleRate = 11025

type extractorConfig struct {
	sampleRate int
	windowSize int
	hopSize    int
	fanOut     int
	minDeltaMs int
	maxDeltaMs int
}

type ExtractorOption func(*extractorConfig)

func WithSampleRate(rate int) ExtractorOption {
	return func(c *extractorConfig) { c.sampleRate = rate }
}

// WithWindow sets the analysis window and hop, in samples.
func WithWindow(windowSize, hopSize int) ExtractorOption {
	return func(c *extractorConfig) {
		c.windowSize = windowSize
		c.hopSize = hopSize
	}
}

func WithFanOut(n int) ExtractorOption {
	return func(c *extractorConfig) { c.fanOut = n }
}

// WithPairDelta bounds the anchor-to-target distance of a landmark pair.
func WithPairDelta(minMs, maxMs int) ExtractorOption {
	return func(c *extractorConfig) {
		c.minDeltaMs = minMs
		c.maxDeltaMs = maxMs
	}
}

func (c extractorConfig) validate() error {
	switch {
	case c.sampleRate <= 0:
		return fmt.Errorf("sample rate must be positive, got %d", c.sampleRate)
	case c.windowSize < 2 || c.windowSize&(c.windowSize-1) != 0:
		return fmt.Errorf("window size must be a power of two, got %d", c.windowSize)
	case c.hopSize <= 0 || c.hopSize > c.windowSize:
		return fmt.Errorf("hop size must be in (0, %d], got %d", c.windowSize, c.hopSize)
	case c.hopSize*1000 < c.sampleRate:
		return fmt.Errorf("hop of %d samples is shorter than 1ms at %d Hz", c.hopSize, c.sampleRate)
	case c.fanOut <= 0:
		return fmt.Errorf("fan-out must be positive, got %d", c.fanOut)
	case c.minDeltaMs < 0 || c.maxDeltaMs < c.minDeltaMs:
		return fmt.Errorf("invalid pair delta range [%d, %d]ms", c.minDeltaMs, c.maxDeltaMs)
	}
	return nil
}

// anchor is a peak still collecting targets.
type anchor struct {
	peak  Peak
	pairs int
}

// anchorGroup holds the anchors of one spectral frame and the codes they
// produced so far.
type anchorGroup struct {
	time    float64
	anchors []anchor
	codes   []uint32
}

func (g *anchorGroup) complete(fanOut int) bool {
	for _, a := range g.anchors {
		if a.pairs < fanOut {
			return false
		}
	}
	return true
}

// Extractor turns a stream of audio frames into fingerprints incrementally.
// Its output depends only on the concatenated samples, never on how they
// were split into frames. It is not safe for concurrent use.
type Extractor struct {
	cfg       extractorConfig
	window    []float64
	scratch   []float64
	bands     [][2]int
	frameTime float64
	freqRes   float64

	buf      []float64 // samples not yet consumed, starting at bufStart
	bufStart int64
	received int64

	spectra   [][]float64 // magnitude spectra of frames nextFrame-len(spectra) .. nextFrame-1
	nextFrame int

	pending  []*anchorGroup
	maxDelta int

	seenSeq bool
	lastSeq uint64
	flushed bool
}

// NewExtractor builds a streaming extractor. Defaults: 11025 Hz, 1024-sample
// window, 256-sample hop, fan-out 6, pair delta 10..2000ms.
func NewExtractor(opts ...ExtractorOption) (*Extractor, error) {
	cfg := extractorConfig{
		sampleRate: DefaultSampleRate,
		windowSize: WindowSize,
		hopSize:    HopSize,
		fanOut:     FanOut,
		minDeltaMs: MinDeltaMs,
		maxDeltaMs: MaxDeltaMs,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxDelta := cfg.maxDeltaMs
	if maxDelta > int(maxDeltaMask) {
		maxDelta = int(maxDeltaMask)
	}

	return &Extractor{
		cfg:       cfg,
		window:    Hamming(cfg.windowSize),
		scratch:   make([]float64, cfg.windowSize),
		bands:     bandLayout(cfg.windowSize / 2),
		frameTime: float64(cfg.hopSize) / float64(cfg.sampleRate),
		freqRes:   float64(cfg.sampleRate) / float64(cfg.windowSize),
		maxDelta:  maxDelta,
	}, nil
}

func (e *Extractor) SampleRate() int { return e.cfg.sampleRate }

// Reset drops all buffered audio and pending anchors. Offsets restart at 0.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.bufStart = 0
	e.received = 0
	e.spectra = nil
	e.nextFrame = 0
	e.pending = nil
	e.seenSeq = false
	e.lastSeq = 0
	e.flushed = false
}

// Push feeds one frame and returns the fingerprints that became final.
// Frames must arrive with strictly increasing Seq and the extractor's rate.
func (e *Extractor) Push(frame models.AudioFrame) ([]models.Fingerprint, error) {
	if e.flushed {
		return nil, errors.New("extractor already flushed")
	}
	if frame.SampleRate != e.cfg.sampleRate {
		return nil, fmt.Errorf("frame %d: sample rate %d, extractor expects %d", frame.Seq, frame.SampleRate, e.cfg.sampleRate)
	}
	if e.seenSeq && frame.Seq <= e.lastSeq {
		return nil, fmt.Errorf("frame %d arrived after frame %d", frame.Seq, e.lastSeq)
	}
	e.seenSeq = true
	e.lastSeq = frame.Seq

	e.buf = append(e.buf, frame.Samples...)
	e.received += int64(len(frame.Samples))

	var out []models.Fingerprint
	for {
		start := int64(e.nextFrame) * int64(e.cfg.hopSize)
		off := int(start - e.bufStart)
		if off+e.cfg.windowSize > len(e.buf) {
			break
		}
		mag := frameMagnitude(e.buf[off:off+e.cfg.windowSize], e.window, e.scratch)
		e.addSpectrum(mag)
		out = append(out, e.drain(false)...)
	}
	e.compact()
	return out, nil
}

// Flush finalizes every pending anchor. It returns ErrInsufficientAudio when
// the stream never held a full analysis window.
func (e *Extractor) Flush() ([]models.Fingerprint, error) {
	if e.flushed {
		return nil, nil
	}
	e.flushed = true
	if e.received < int64(e.cfg.windowSize) {
		return nil, models.NewError(models.KindInsufficientAudio, "flush", models.ErrInsufficientAudio)
	}
	if n := len(e.spectra); n > 0 {
		var prev []float64
		if n > 1 {
			prev = e.spectra[n-2]
		}
		e.detect(prev, e.spectra[n-1], nil, e.nextFrame-1)
	}
	return e.drain(true), nil
}

// addSpectrum appends the spectrum of frame nextFrame and runs peak picking
// on the frame before it, whose neighbourhood is now complete.
func (e *Extractor) addSpectrum(mag []float64) {
	e.spectra = append(e.spectra, mag)
	e.nextFrame++
	if len(e.spectra) > 3 {
		e.spectra = e.spectra[1:]
	}
	n := len(e.spectra)
	if n < 2 {
		return
	}
	var prev []float64
	if n == 3 {
		prev = e.spectra[0]
	}
	e.detect(prev, e.spectra[n-2], e.spectra[n-1], e.nextFrame-2)
}

// detect picks the peaks of frame t, pairs them with waiting anchors and
// queues them as anchors themselves.
func (e *Extractor) detect(prev, cur, next []float64, t int) {
	peaks := framePeaks(prev, cur, next, e.bands, t, e.frameTime, e.freqRes)

	for _, g := range e.pending {
		e.pair(g, peaks)
	}
	if len(peaks) == 0 {
		return
	}

	g := &anchorGroup{time: float64(t) * e.frameTime}
	for i, p := range peaks {
		g.anchors = append(g.anchors, anchor{peak: p})
		// same-frame targets only qualify when the minimum delta is zero
		for _, target := range peaks[i+1:] {
			e.pairOne(g, len(g.anchors)-1, target)
		}
	}
	e.pending = append(e.pending, g)
}

func (e *Extractor) pair(g *anchorGroup, targets []Peak) {
	for i := range g.anchors {
		for _, target := range targets {
			e.pairOne(g, i, target)
		}
	}
}

func (e *Extractor) pairOne(g *anchorGroup, i int, target Peak) {
	a := &g.anchors[i]
	if a.pairs >= e.cfg.fanOut {
		return
	}
	addr, ok := createAddress(a.peak, target, e.cfg.minDeltaMs, e.maxDelta)
	if !ok {
		return
	}
	g.codes = append(g.codes, addr)
	a.pairs++
}

// drain emits finished groups from the head of the queue, keeping offsets
// in order. A group is finished once every anchor has its fan-out, or once
// the next undetected frame lies beyond the pair window.
func (e *Extractor) drain(final bool) []models.Fingerprint {
	horizon := float64(e.nextFrame-1) * e.frameTime
	var out []models.Fingerprint
	for len(e.pending) > 0 {
		g := e.pending[0]
		if !final && !g.complete(e.cfg.fanOut) {
			if int(math.Round((horizon-g.time)*1000.0)) <= e.maxDelta {
				break
			}
		}
		e.pending = e.pending[1:]
		if len(g.codes) == 0 {
			continue
		}
		out = append(out, models.Fingerprint{
			OffsetMs: uint32(math.Round(g.time * 1000.0)),
			Codes:    g.codes,
		})
	}
	return out
}

// compact discards samples no future analysis window will read.
func (e *Extractor) compact() {
	next := int64(e.nextFrame) * int64(e.cfg.hopSize)
	drop := int(next - e.bufStart)
	if drop <= 0 {
		return
	}
	if drop > len(e.buf) {
		drop = len(e.buf)
	}
	n := copy(e.buf, e.buf[drop:])
	e.buf = e.buf[:n]
	e.bufStart += int64(drop)
}
