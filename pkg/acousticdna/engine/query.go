package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

type queryResult struct {
	cands []models.Candidate
	err   error
}

// query sends the session's current window to the datastore, retrying with
// backoff. A stop or restart arriving meanwhile is left in e.pending: the
// attempt in flight still completes, but no further retry is made and
// aborted is set if it failed. Shutdown aborts at once. Malformed answers
// count as no candidates.
func (e *Engine) query(ctx context.Context, s *session) (cands []models.Candidate, aborted bool, err error) {
	fps := s.window(e.cfg.WindowSize)
	backoff := e.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= e.cfg.QueryRetries; attempt++ {
		if attempt > 0 {
			if !e.sleep(ctx, backoff) {
				return nil, true, nil
			}
			backoff = min(backoff*2, e.cfg.MaxBackoff)
		}

		res, aborted := e.attempt(ctx, fps)
		if aborted {
			return nil, true, nil
		}
		switch {
		case res.err == nil && validResponse(res.cands):
			e.log.Debugf("session %s: %d fingerprints -> %d candidates", s.id, len(fps), len(res.cands))
			return res.cands, false, nil
		case res.err == nil, errors.Is(res.err, models.ErrMalformedResponse):
			e.log.Warnf("session %s: discarding malformed datastore response", s.id)
			return nil, false, nil
		}

		lastErr = res.err
		e.log.Warnf("session %s: query attempt %d/%d failed: %v", s.id, attempt+1, e.cfg.QueryRetries+1, res.err)
		if len(e.pending) > 0 {
			return nil, true, nil
		}
	}
	return nil, false, models.NewError(models.KindQuery, "query", lastErr)
}

// attempt runs one query bounded by QueryTimeout. The timeout holds even if
// the datastore ignores its context. Control requests are stashed without
// cutting the attempt short; only shutdown aborts it.
func (e *Engine) attempt(ctx context.Context, fps []models.Fingerprint) (queryResult, bool) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	out := make(chan queryResult, 1)
	go func() {
		cands, err := e.store.Query(qctx, fps)
		out <- queryResult{cands: cands, err: err}
	}()

	for {
		select {
		case r := <-out:
			return r, false
		case <-qctx.Done():
			if ctx.Err() != nil {
				return queryResult{}, true
			}
			return queryResult{err: fmt.Errorf("no answer within %v: %w", e.cfg.QueryTimeout, context.DeadlineExceeded)}, false
		case k := <-e.ctrl:
			e.interrupts(k)
		}
	}
}

// sleep waits d between retries, returning false if interrupted.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		case k := <-e.ctrl:
			if e.interrupts(k) {
				return false
			}
		}
	}
}

// interrupts stashes a control request that arrived mid-query and reports
// whether the remaining retries must be abandoned for it. Starts that the policy would
// ignore anyway are consumed on the spot.
func (e *Engine) interrupts(k ctrlKind) bool {
	if k == ctrlStart && e.cfg.StartPolicy == RejectWhileActive {
		e.consumeStart()
		return false
	}
	e.pending = append(e.pending, k)
	return true
}
