package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

type recorder struct {
	mu       sync.Mutex
	sessions []string
	kinds    []models.ErrorKind
}

func (r *recorder) OnResult(res models.MatchResult) {
	r.mu.Lock()
	r.sessions = append(r.sessions, res.SessionID)
	r.mu.Unlock()
}

func (r *recorder) OnError(kind models.ErrorKind, _ string) {
	r.mu.Lock()
	r.sessions = append(r.sessions, "error")
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...)
}

func resultOutcome(seq uint64, id string) Outcome {
	return Outcome{Seq: seq, SessionID: id, Result: &models.MatchResult{SessionID: id}}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(4, nil)
	rec := &recorder{}
	d.Register(rec)

	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := d.Enqueue(ctx, resultOutcome(uint64(i+1), id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	d.Enqueue(ctx, Outcome{Seq: 7, SessionID: "g", Err: models.NewError(models.KindEngine, "query", nil)})
	d.Close()

	got := rec.seen()
	want := []string{"a", "b", "c", "d", "e", "f", "error"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: got %s, expected %s", i, got[i], want[i])
		}
	}
	if rec.kinds[0] != models.KindEngine {
		t.Errorf("expected engine error kind, got %s", rec.kinds[0])
	}
}

func TestDispatcherDropsWithoutListener(t *testing.T) {
	d := NewDispatcher(4, nil)
	ctx := context.Background()
	d.Enqueue(ctx, resultOutcome(1, "a"))
	d.Enqueue(ctx, resultOutcome(2, "b"))

	deadline := time.Now().Add(time.Second)
	for d.Dropped() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() != 2 {
		t.Fatalf("expected 2 dropped outcomes, got %d", d.Dropped())
	}

	rec := &recorder{}
	d.Register(rec)
	d.Enqueue(ctx, resultOutcome(3, "c"))
	d.Close()
	if got := rec.seen(); len(got) != 1 || got[0] != "c" {
		t.Errorf("dropped outcomes must not be replayed, got %v", got)
	}
}

func TestDispatcherDeliversAtMostOnce(t *testing.T) {
	d := NewDispatcher(4, nil)
	rec := &recorder{}
	d.Register(rec)
	ctx := context.Background()
	d.Enqueue(ctx, resultOutcome(1, "a"))
	d.Enqueue(ctx, resultOutcome(1, "a"))
	d.Enqueue(ctx, resultOutcome(2, "b"))
	d.Close()

	if got := rec.seen(); len(got) != 2 {
		t.Errorf("expected each session once, got %v", got)
	}
}

func TestDispatcherSurvivesPanickingListener(t *testing.T) {
	d := NewDispatcher(4, nil)
	calls := 0
	d.Register(ListenerFuncs{Result: func(models.MatchResult) {
		calls++
		panic("listener bug")
	}})
	ctx := context.Background()
	d.Enqueue(ctx, resultOutcome(1, "a"))
	d.Enqueue(ctx, resultOutcome(2, "b"))
	d.Close()

	if calls != 2 {
		t.Errorf("expected delivery to continue after a panic, got %d calls", calls)
	}
}

func TestDispatcherEnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(1, nil)
	d.Close()
	if err := d.Enqueue(context.Background(), resultOutcome(1, "a")); err == nil {
		t.Error("expected an error enqueuing on a closed dispatcher")
	}
}

func TestChannelListenerCopiesResults(t *testing.T) {
	l := NewChannelListener(2)
	cands := []models.Candidate{{Track: models.Track{ID: "T1"}, Score: 0.9}}
	l.OnResult(models.MatchResult{SessionID: "s1", Kind: models.SingleMatch, Candidates: cands})
	cands[0].Track.ID = "mutated"
	l.OnError(models.KindQuery, "boom")

	o := <-l.C()
	if o.SessionID != "s1" || o.Result.Candidates[0].Track.ID != "T1" {
		t.Errorf("listener message shares memory with the caller: %+v", o.Result)
	}
	o = <-l.C()
	if o.Err == nil || o.Err.Kind != models.KindQuery {
		t.Errorf("expected a query error, got %+v", o)
	}
}

func TestDispatcherKeepsSessionIDOnErrors(t *testing.T) {
	d := NewDispatcher(4, nil)
	l := NewChannelListener(4)
	d.Register(l)

	ctx := context.Background()
	d.Enqueue(ctx, resultOutcome(1, "s1"))
	d.Enqueue(ctx, Outcome{Seq: 2, SessionID: "s2", Err: models.NewError(models.KindEngine, "query", nil)})
	d.Close()

	if o := <-l.C(); o.SessionID != "s1" || o.Seq != 1 || o.Result == nil {
		t.Errorf("unexpected result outcome %+v", o)
	}
	o := <-l.C()
	if o.Err == nil || o.Err.Kind != models.KindEngine {
		t.Fatalf("expected an engine error, got %+v", o)
	}
	if o.SessionID != "s2" || o.Seq != 2 {
		t.Errorf("error outcome lost its session: id %q seq %d", o.SessionID, o.Seq)
	}
}
