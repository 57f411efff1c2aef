package engine

import (
	"math"
	"strings"
	"testing"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

func TestTallyRanking(t *testing.T) {
	tl := newTally(0.5)
	batches := [][]models.Candidate{
		{cand("B", 0.7), cand("A", 0.7), cand("C", 0.6)},
		{cand("A", 0.7), cand("B", 0.7), cand("D", 0.4)},
		{cand("C", 0.9), cand("B", 0.7), cand("A", 0.7)},
		{cand("C", 0.6), cand("D", 0.45)},
	}
	for _, b := range batches {
		tl.observe(b)
	}

	// C has the best score; A and B tie on score and hits, B was seen first.
	// D never reached the floor.
	got := strings.Join(ids(tl.rank(3)), ",")
	if got != "C,B,A" {
		t.Errorf("expected C,B,A, got %s", got)
	}
	if again := strings.Join(ids(tl.rank(3)), ","); again != got {
		t.Errorf("ranking is not stable: %s then %s", got, again)
	}

	top := tl.rank(3)[0]
	if top.Score != 0.9 || top.Evidence != 3 {
		t.Errorf("expected best score 0.9 with 3 hits, got %+v", top)
	}
	if n := len(tl.rank(4)); n != 0 {
		t.Errorf("nobody has 4 hits, got %d ranked", n)
	}
}

func TestTallyConfidentNeedsConsecutiveHits(t *testing.T) {
	tl := newTally(0.5)
	tl.observe([]models.Candidate{cand("A", 0.95)})
	tl.observe([]models.Candidate{cand("A", 0.95)})
	tl.observe(nil)
	tl.observe([]models.Candidate{cand("A", 0.95)})
	if tl.confident(0.9, 3) {
		t.Fatal("a gap should reset the streak")
	}
	tl.observe([]models.Candidate{cand("A", 0.95)})
	tl.observe([]models.Candidate{cand("A", 0.95)})
	if !tl.confident(0.9, 3) {
		t.Fatal("expected confidence after three consecutive hits")
	}

	tl.observe([]models.Candidate{cand("A", 0.6)})
	if tl.confident(0.9, 3) {
		t.Error("the latest score must reach the high-confidence mark")
	}
}

func TestTallyCountsTrackOncePerBatch(t *testing.T) {
	tl := newTally(0.5)
	tl.observe([]models.Candidate{cand("A", 0.6), cand("A", 0.8), cand("A", 0.55)})
	ranked := tl.rank(1)
	if len(ranked) != 1 || ranked[0].Evidence != 1 || ranked[0].Score != 0.8 {
		t.Errorf("expected one hit at 0.8, got %+v", ranked)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		n    int
		want models.ResultKind
	}{
		{0, models.NoMatch},
		{1, models.SingleMatch},
		{2, models.MultipleMatches},
		{5, models.MultipleMatches},
	}
	for _, tt := range tests {
		if got := classify(make([]models.Candidate, tt.n)); got != tt.want {
			t.Errorf("classify(%d) = %s, expected %s", tt.n, got, tt.want)
		}
	}
}

func TestValidResponse(t *testing.T) {
	tests := []struct {
		name  string
		cands []models.Candidate
		want  bool
	}{
		{"empty", nil, true},
		{"ok", []models.Candidate{cand("A", 0.4), cand("B", 1)}, true},
		{"nan", []models.Candidate{cand("A", math.NaN())}, false},
		{"above one", []models.Candidate{cand("A", 1.2)}, false},
		{"negative", []models.Candidate{cand("A", -0.1)}, false},
		{"no id", []models.Candidate{cand("", 0.5)}, false},
		{"negative evidence", []models.Candidate{{Track: models.Track{ID: "A"}, Score: 0.5, Evidence: -1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validResponse(tt.cands); got != tt.want {
				t.Errorf("validResponse = %v, expected %v", got, tt.want)
			}
		})
	}
}
