package engine

import (
	"math"
	"sort"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// tallyEntry accumulates one track's evidence across the batches of a session.
type tallyEntry struct {
	track     models.Track
	best      float64 // highest qualifying score seen
	last      float64 // score in the most recent batch, 0 if absent
	offsetMs  int32
	hits      int // batches where the track scored at least the floor
	streak    int // consecutive such batches, ending with the latest
	firstSeen int
}

type tally struct {
	floor   float64
	entries map[string]*tallyEntry
	order   int
}

func newTally(floor float64) *tally {
	return &tally{floor: floor, entries: make(map[string]*tallyEntry)}
}

// observe folds one batch's candidates into the tally. Candidates below the
// floor neither add evidence nor keep a streak alive.
func (t *tally) observe(cands []models.Candidate) {
	batch := make(map[string]models.Candidate, len(cands))
	var ids []string
	for _, c := range cands {
		if c.Score < t.floor {
			continue
		}
		prev, ok := batch[c.Track.ID]
		if !ok {
			ids = append(ids, c.Track.ID)
		}
		if !ok || c.Score > prev.Score {
			batch[c.Track.ID] = c
		}
	}

	for _, e := range t.entries {
		if _, ok := batch[e.track.ID]; !ok {
			e.streak = 0
			e.last = 0
		}
	}

	for _, id := range ids {
		c := batch[id]
		e, ok := t.entries[id]
		if !ok {
			e = &tallyEntry{track: c.Track, firstSeen: t.order}
			t.order++
			t.entries[id] = e
		}
		e.hits++
		e.streak++
		e.last = c.Score
		if c.Score > e.best {
			e.best = c.Score
			e.offsetMs = c.OffsetMs
			e.track = c.Track
		}
	}
}

// confident reports whether some track scored at least high in the latest
// batch after matching minStreak batches in a row.
func (t *tally) confident(high float64, minStreak int) bool {
	for _, e := range t.entries {
		if e.streak >= minStreak && e.last >= high {
			return true
		}
	}
	return false
}

// rank orders the tracks with at least minHits matching batches: best score
// first, then more evidence, then whichever was seen first.
func (t *tally) rank(minHits int) []models.Candidate {
	var qualified []*tallyEntry
	for _, e := range t.entries {
		if e.hits >= minHits {
			qualified = append(qualified, e)
		}
	}
	sort.Slice(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if a.best != b.best {
			return a.best > b.best
		}
		if a.hits != b.hits {
			return a.hits > b.hits
		}
		return a.firstSeen < b.firstSeen
	})

	out := make([]models.Candidate, len(qualified))
	for i, e := range qualified {
		out[i] = models.Candidate{
			Track:    e.track,
			Score:    e.best,
			Evidence: e.hits,
			OffsetMs: e.offsetMs,
		}
	}
	return out
}

func classify(cands []models.Candidate) models.ResultKind {
	switch len(cands) {
	case 0:
		return models.NoMatch
	case 1:
		return models.SingleMatch
	default:
		return models.MultipleMatches
	}
}

// validResponse rejects answers the engine cannot reason about.
func validResponse(cands []models.Candidate) bool {
	for _, c := range cands {
		if c.Track.ID == "" || c.Evidence < 0 {
			return false
		}
		if math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1 {
			return false
		}
	}
	return true
}
