package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Listener receives session outcomes. Calls are made from a single
// goroutine, one at a time, in the order sessions ended.
type Listener interface {
	OnResult(result models.MatchResult)
	OnError(kind models.ErrorKind, message string)
}

// OutcomeListener is an optional extension of Listener. When implemented,
// the dispatcher hands it the whole outcome, session ID and sequence
// number included, instead of calling OnResult or OnError.
type OutcomeListener interface {
	OnOutcome(o Outcome)
}

// Outcome is the terminal message of one session: either a result or an
// error, never both.
type Outcome struct {
	Seq       uint64
	SessionID string
	Result    *models.MatchResult
	Err       *models.Error
}

var errDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher hands outcomes to the registered listener on its own goroutine
// so a slow listener never stalls a session. Outcomes that arrive while no
// listener is registered are dropped.
type Dispatcher struct {
	queue chan Outcome
	log   Logger

	mu        sync.Mutex
	listener  Listener
	lastSeq   uint64
	delivered bool
	dropped   uint64

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

func NewDispatcher(size int, log Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = nopLogger{}
	}
	d := &Dispatcher{
		queue:   make(chan Outcome, size),
		log:     log,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Register replaces the current listener. A nil listener unregisters.
func (d *Dispatcher) Register(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister() { d.Register(nil) }

// Dropped counts outcomes discarded for lack of a listener.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Enqueue queues o for delivery, waiting for room while ctx allows.
func (d *Dispatcher) Enqueue(ctx context.Context, o Outcome) error {
	select {
	case <-d.closing:
		return errDispatcherClosed
	default:
	}
	select {
	case d.queue <- o:
		return nil
	case <-d.closing:
		return errDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is already queued and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closing) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case o := <-d.queue:
			d.deliver(o)
		case <-d.closing:
			for {
				select {
				case o := <-d.queue:
					d.deliver(o)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(o Outcome) {
	d.mu.Lock()
	l := d.listener
	if d.delivered && o.Seq <= d.lastSeq {
		d.mu.Unlock()
		d.log.Warnf("dropping duplicate outcome for session %s", o.SessionID)
		return
	}
	d.delivered, d.lastSeq = true, o.Seq
	if l == nil {
		d.dropped++
		d.mu.Unlock()
		d.log.Debugf("no listener registered, dropping outcome for session %s", o.SessionID)
		return
	}
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("listener panicked on session %s: %v", o.SessionID, r)
		}
	}()

	if ol, ok := l.(OutcomeListener); ok {
		ol.OnOutcome(o)
		return
	}
	switch {
	case o.Err != nil:
		l.OnError(o.Err.Kind, o.Err.Error())
	case o.Result != nil:
		l.OnResult(*o.Result)
	}
}

// ChannelListener forwards outcomes onto a buffered channel. When the
// channel is full the outcome is dropped rather than blocking delivery.
type ChannelListener struct {
	c chan Outcome
}

func NewChannelListener(size int) *ChannelListener {
	return &ChannelListener{c: make(chan Outcome, size)}
}

func (l *ChannelListener) C() <-chan Outcome { return l.c }

// OnOutcome forwards o with its session ID and sequence number intact.
func (l *ChannelListener) OnOutcome(o Outcome) {
	if o.Result != nil {
		r := *o.Result
		r.Candidates = append([]models.Candidate(nil), o.Result.Candidates...)
		o.Result = &r
	}
	l.send(o)
}

func (l *ChannelListener) OnResult(result models.MatchResult) {
	l.OnOutcome(Outcome{SessionID: result.SessionID, Result: &result})
}

// OnError forwards an error raised outside a dispatcher. Such errors carry
// no session ID; the dispatcher uses OnOutcome instead.
func (l *ChannelListener) OnError(kind models.ErrorKind, message string) {
	l.send(Outcome{Err: models.NewError(kind, "session", fmt.Errorf("%s", message))})
}

func (l *ChannelListener) send(o Outcome) {
	select {
	case l.c <- o:
	default:
	}
}

// ListenerFuncs adapts plain functions to Listener. Nil fields ignore
// the corresponding outcome.
type ListenerFuncs struct {
	Result func(models.MatchResult)
	Error  func(models.ErrorKind, string)
}

func (f ListenerFuncs) OnResult(r models.MatchResult) {
	if f.Result != nil {
		f.Result(r)
	}
}

func (f ListenerFuncs) OnError(kind models.ErrorKind, msg string) {
	if f.Error != nil {
		f.Error(kind, msg)
	}
}
