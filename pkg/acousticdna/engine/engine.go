// Package engine runs identification sessions: it turns a live stream of
// fingerprints into datastore queries, accumulates evidence per candidate
// track and decides exactly one result per session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Datastore answers candidate queries for a window of fingerprints. It may
// be called from several goroutines but the engine never overlaps queries.
type Datastore interface {
	Query(ctx context.Context, fps []models.Fingerprint) ([]models.Candidate, error)
}

var (
	errNotRunning     = errors.New("engine is not running")
	errAlreadyStarted = errors.New("engine already started")
)

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlStop
)

type Option func(*Engine)

func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithStateObserver installs fn to be called, on the engine goroutine, after
// every state change.
func WithStateObserver(fn func(Transition)) Option {
	return func(e *Engine) { e.observe = fn }
}

func WithListener(l Listener) Option {
	return func(e *Engine) { e.initial = l }
}

type session struct {
	id      string
	seq     uint64
	started time.Time
	base    uint32
	fps     []models.Fingerprint
	tally   *tally
	timer   *time.Timer
}

// add rebases fps onto the session clock and appends them. Fingerprints
// anchored before the session began are skipped.
func (s *session) add(fps []models.Fingerprint) (int, error) {
	n := 0
	for _, fp := range fps {
		if fp.OffsetMs < s.base {
			continue
		}
		rel := fp.OffsetMs - s.base
		if last := len(s.fps) - 1; last >= 0 && rel <= s.fps[last].OffsetMs {
			return n, fmt.Errorf("fingerprint at %dms does not follow %dms", rel, s.fps[last].OffsetMs)
		}
		s.fps = append(s.fps, models.Fingerprint{OffsetMs: rel, Codes: fp.Codes})
		n++
	}
	return n, nil
}

func (s *session) window(size int) []models.Fingerprint {
	if len(s.fps) <= size {
		return s.fps
	}
	return s.fps[len(s.fps)-size:]
}

// Engine owns the session state machine. Control calls may come from any
// goroutine; everything else happens on the engine goroutine started by Start.
type Engine struct {
	cfg      Config
	src      capture.Source
	ext      Extractor
	store    Datastore
	log      Logger
	observe  func(Transition)
	initial  Listener
	dispatch *Dispatcher

	ctrl   chan ctrlKind
	sendMu sync.Mutex
	done   chan struct{}

	mu            sync.Mutex
	state         State
	sessionID     string
	autodiscovery bool
	pendingStarts int
	started       bool
	closed        bool
	cancel        context.CancelFunc

	// Owned by the engine goroutine.
	pending   []ctrlKind
	pipe      *pipeline
	pipeEnded bool
	sess      *session
	seq       uint64
	lastEndMs uint32
}

func New(src capture.Source, ext Extractor, store Datastore, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.NewError(models.KindEngine, "new engine", err)
	}
	if src == nil || ext == nil {
		return nil, models.NewError(models.KindEngine, "new engine", errors.New("capture source and extractor are required"))
	}
	if store == nil {
		return nil, models.NewError(models.KindDatastore, "new engine", models.ErrDatastore)
	}

	e := &Engine{
		cfg:           cfg,
		src:           src,
		ext:           ext,
		store:         store,
		log:           nopLogger{},
		ctrl:          make(chan ctrlKind, 8),
		done:          make(chan struct{}),
		autodiscovery: cfg.Autodiscovery,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatch = NewDispatcher(cfg.OutcomeQueueSize, e.log)
	if e.initial != nil {
		e.dispatch.Register(e.initial)
	}
	return e, nil
}

// Start launches the engine goroutine. It runs until ctx ends or Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.NewError(models.KindEngine, "start", errNotRunning)
	}
	if e.started {
		return models.NewError(models.KindEngine, "start", errAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.started, e.cancel = true, cancel
	go e.loop(runCtx)
	return nil
}

// Close ends any active session, stops capture and waits for queued
// outcomes to be delivered.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started, cancel := e.started, e.cancel
	e.mu.Unlock()

	if started {
		cancel()
		<-e.done
	}
	e.dispatch.Close()
	return nil
}

// Register sets the listener that receives session outcomes.
func (e *Engine) Register(l Listener) { e.dispatch.Register(l) }

func (e *Engine) Unregister() { e.dispatch.Unregister() }

func (e *Engine) SetAutodiscovery(on bool) {
	e.mu.Lock()
	e.autodiscovery = on
	e.mu.Unlock()
}

func (e *Engine) Autodiscovery() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autodiscovery
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the active session's ID, or "" when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// IsSessionRunning reports whether a session is active or about to start.
func (e *Engine) IsSessionRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Active() || e.pendingStarts > 0
}

// StartSession asks the engine to begin a session. Under RejectWhileActive
// it fails immediately with ErrSessionAlreadyActive if one is in progress.
func (e *Engine) StartSession() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return models.NewError(models.KindEngine, "start session", errNotRunning)
	}
	if e.cfg.StartPolicy == RejectWhileActive && (e.state.Active() || e.pendingStarts > 0) {
		e.mu.Unlock()
		return models.NewError(models.KindSessionAlreadyActive, "start session", models.ErrSessionAlreadyActive)
	}
	e.pendingStarts++
	e.mu.Unlock()

	if err := e.send(ctrlStart); err != nil {
		e.mu.Lock()
		e.pendingStarts--
		e.mu.Unlock()
		return models.NewError(models.KindEngine, "start session", err)
	}
	return nil
}

// StopSession ends the active session, if any. It never triggers
// autodiscovery.
func (e *Engine) StopSession() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return nil
	}
	idle := e.state == Idle && e.pendingStarts == 0
	e.mu.Unlock()
	if idle {
		return nil
	}
	return e.send(ctrlStop)
}

func (e *Engine) send(k ctrlKind) error {
	select {
	case e.ctrl <- k:
		return nil
	case <-e.done:
		return errNotRunning
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	for {
		if len(e.pending) > 0 {
			k := e.pending[0]
			e.pending = e.pending[1:]
			e.handleCtrl(ctx, k)
			continue
		}

		var batches <-chan batch
		if e.pipe != nil {
			batches = e.pipe.batches
		}
		var deadline <-chan time.Time
		if e.sess != nil {
			deadline = e.sess.timer.C
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case k := <-e.ctrl:
			e.handleCtrl(ctx, k)
		case b := <-batches:
			e.handleBatch(ctx, b)
		case <-deadline:
			e.decide(ctx, models.ReasonTimeout)
		}
	}
}

func (e *Engine) handleCtrl(ctx context.Context, k ctrlKind) {
	switch k {
	case ctrlStart:
		if e.sess == nil {
			e.openSession(ctx)
			return
		}
		if e.cfg.StartPolicy != RestartWhileActive {
			e.log.Debugf("session %s already active, ignoring start", e.sess.id)
			e.consumeStart()
			return
		}
		e.finish(models.ReasonSuperseded)
		if e.pipeEnded {
			e.toIdle()
			e.openSession(ctx)
			return
		}
		e.beginSession(e.lastEndMs, true)

	case ctrlStop:
		if e.sess == nil {
			return
		}
		e.finish(models.ReasonStopped)
		e.toIdle()
	}
}

func (e *Engine) consumeStart() {
	e.mu.Lock()
	if e.pendingStarts > 0 {
		e.pendingStarts--
	}
	e.mu.Unlock()
}

// openSession starts the pipeline from scratch and a session on top of it.
func (e *Engine) openSession(ctx context.Context) {
	p, err := startPipeline(ctx, e.src, e.ext, e.cfg.BatchQueueSize, e.log)
	if err != nil {
		e.consumeStart()
		e.seq++
		id := uuid.NewString()
		e.log.Errorf("session %s: starting capture: %v", id, err)
		e.emit(Outcome{Seq: e.seq, SessionID: id, Err: models.NewError(models.KindEngine, "start capture", err)})
		return
	}
	e.pipe, e.pipeEnded, e.lastEndMs = p, false, 0
	e.beginSession(0, true)
}

// beginSession starts a session on the running pipeline. base is the stream
// time the session's clock starts from.
func (e *Engine) beginSession(base uint32, fromStart bool) {
	e.seq++
	s := &session{
		id:      uuid.NewString(),
		seq:     e.seq,
		started: time.Now(),
		base:    base,
		tally:   newTally(e.cfg.ConfidenceFloor),
		timer:   time.NewTimer(e.cfg.MaxSessionDuration),
	}
	e.sess = s
	e.setState(Running, s.id, fromStart)
	e.log.Infof("session %s started at stream offset %dms", s.id, base)
}

func (e *Engine) setState(to State, sessionID string, consumeStart bool) {
	if to == Idle {
		sessionID = ""
	}
	e.mu.Lock()
	from := e.state
	e.state, e.sessionID = to, sessionID
	if consumeStart && e.pendingStarts > 0 {
		e.pendingStarts--
	}
	e.mu.Unlock()

	if e.observe != nil {
		e.observe(Transition{From: from, To: to, SessionID: sessionID})
	}
}

func (e *Engine) handleBatch(ctx context.Context, b batch) {
	if b.err != nil {
		e.log.Errorf("pipeline failed: %v", b.err)
		var perr *models.Error
		if !errors.As(b.err, &perr) {
			perr = models.NewError(models.KindEngine, "pipeline", b.err)
		}
		if e.sess != nil {
			e.fail(perr)
		}
		e.toIdle()
		return
	}

	if b.endMs > e.lastEndMs {
		e.lastEndMs = b.endMs
	}
	if b.eos {
		e.pipeEnded = true
	}
	s := e.sess
	if s == nil {
		return
	}

	added, err := s.add(b.fps)
	if err != nil {
		e.fail(models.NewError(models.KindEngine, "rebase", err))
		e.toIdle()
		return
	}

	if added > 0 {
		cands, aborted, err := e.query(ctx, s)
		if aborted {
			return
		}
		if err != nil {
			e.log.Errorf("session %s: %v", s.id, err)
			e.fail(models.NewError(models.KindEngine, "session", err))
			e.toIdle()
			return
		}
		s.tally.observe(cands)
		if len(e.pending) > 0 {
			// The stop or restart that arrived mid-query ranks this batch too.
			return
		}
		if s.tally.confident(e.cfg.HighConfidence, e.cfg.EvidenceFloor) {
			e.decide(ctx, models.ReasonHighConfidence)
			return
		}
	}

	switch {
	case b.eos:
		e.decide(ctx, models.ReasonStreamEnded)
	case time.Since(s.started) >= e.cfg.MaxSessionDuration:
		e.decide(ctx, models.ReasonTimeout)
	}
}

// decide ends the session with a result, then either restarts (autodiscovery)
// or goes idle.
func (e *Engine) decide(ctx context.Context, reason models.DecisionReason) {
	if e.sess == nil {
		return
	}
	e.finish(reason)
	if reason != models.ReasonStreamEnded && !e.pipeEnded && e.pipe != nil && e.Autodiscovery() {
		e.beginSession(e.lastEndMs, false)
		return
	}
	e.toIdle()
}

// finish ranks the active session, moves it to Stopped and emits its result.
func (e *Engine) finish(reason models.DecisionReason) {
	s := e.sess
	if reason != models.ReasonStopped && reason != models.ReasonSuperseded {
		e.setState(Deciding, s.id, false)
	}

	cands := s.tally.rank(e.cfg.EvidenceFloor)
	result := &models.MatchResult{
		SessionID:  s.id,
		Kind:       classify(cands),
		Candidates: cands,
		Reason:     reason,
		DecidedAt:  time.Now(),
	}
	e.endSession()
	e.setState(Stopped, s.id, false)
	e.log.Infof("session %s decided %s (%s, %d candidates, %d fingerprints)",
		s.id, result.Kind, reason, len(cands), len(s.fps))
	e.emit(Outcome{Seq: s.seq, SessionID: s.id, Result: result})
}

// fail ends the active session with an error and no result.
func (e *Engine) fail(err *models.Error) {
	s := e.sess
	e.endSession()
	e.setState(Stopped, s.id, false)
	e.emit(Outcome{Seq: s.seq, SessionID: s.id, Err: err})
}

func (e *Engine) endSession() {
	if e.sess != nil {
		e.sess.timer.Stop()
		e.sess = nil
	}
}

func (e *Engine) toIdle() {
	if e.pipe != nil {
		e.pipe.stop()
		e.pipe = nil
	}
	if e.State() != Idle {
		e.setState(Idle, "", false)
	}
}

func (e *Engine) shutdown() {
	if e.sess != nil {
		e.finish(models.ReasonStopped)
	}
	e.toIdle()
	e.mu.Lock()
	e.pendingStarts = 0
	e.mu.Unlock()
}

func (e *Engine) emit(o Outcome) {
	if err := e.dispatch.Enqueue(context.Background(), o); err != nil {
		e.log.Warnf("session %s: outcome not queued: %v", o.SessionID, err)
	}
}
