package fingerprint

import (
	"math"
	"testing"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

func TestVoteFindsAlignedTrack(t *testing.T) {
	reference := melody(t, testTune, 200)
	decoy := melody(t, []float64{1200, 1500, 1800, 2100, 2400, 2700, 3000, 3300}, 250)

	postings := Postings(mustFingerprint(t, reference), "T1")
	MergePostings(postings, Postings(mustFingerprint(t, decoy), "T2"))

	const startFrame = 43
	query := reference[startFrame*HopSize : startFrame*HopSize+2*DefaultSampleRate]
	matches := Vote(mustFingerprint(t, query), postings)
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}

	best := matches[0]
	if best.TrackID != "T1" {
		t.Fatalf("expected T1 on top, got %+v", matches)
	}
	expected := math.Round(float64(startFrame*HopSize) * 1000 / DefaultSampleRate)
	if math.Abs(float64(best.OffsetMs)-expected) > 1 {
		t.Errorf("offset %dms, expected about %.0fms", best.OffsetMs, expected)
	}
	for _, m := range matches[1:] {
		if m.Count >= best.Count {
			t.Errorf("decoy %s scored %d against %d", m.TrackID, m.Count, best.Count)
		}
	}
}

func TestVoteIsDeterministic(t *testing.T) {
	postings := map[uint32][]models.Couple{
		1: {{TrackID: "b", AnchorTimeMs: 100}, {TrackID: "a", AnchorTimeMs: 100}},
		2: {{TrackID: "b", AnchorTimeMs: 150}, {TrackID: "a", AnchorTimeMs: 150}},
	}
	query := []models.Fingerprint{{OffsetMs: 0, Codes: []uint32{1}}, {OffsetMs: 50, Codes: []uint32{2}}}

	for i := 0; i < 10; i++ {
		matches := Vote(query, postings)
		if len(matches) != 2 || matches[0].TrackID != "a" || matches[1].TrackID != "b" {
			t.Fatalf("unexpected order %+v", matches)
		}
		if matches[0].Count != 2 || matches[0].OffsetMs != 100 {
			t.Fatalf("unexpected vote %+v", matches[0])
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name              string
		match, query, ref int
		min, max          float64
	}{
		{"no matches", 0, 100, 100, 0, 0},
		{"empty query", 10, 0, 100, 0, 0},
		{"weak", 5, 1000, 1000, 0, 0.1},
		{"midpoint", 15, 100, 1000, 0.49, 0.51},
		{"strong", 60, 100, 100, 0.99, 1},
		{"few hashes penalized", 2, 4, 4, 0, 0.41},
	}
	for _, tt := range tests {
		got := Confidence(tt.match, tt.query, tt.ref)
		if got < tt.min || got > tt.max {
			t.Errorf("%s: Confidence = %.3f, expected in [%.2f, %.2f]", tt.name, got, tt.min, tt.max)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	anchor := Peak{FreqIdx: 311, Time: 1.0}
	target := Peak{FreqIdx: 17, Time: 1.25}

	addr, ok := createAddress(anchor, target, MinDeltaMs, MaxDeltaMs)
	if !ok {
		t.Fatal("expected pair to be representable")
	}
	a, b, d := SplitAddress(addr)
	if a != 311 || b != 17 || d != 250 {
		t.Errorf("SplitAddress = (%d, %d, %d), expected (311, 17, 250)", a, b, d)
	}

	if _, ok := createAddress(anchor, Peak{FreqIdx: 17, Time: 1.005}, MinDeltaMs, MaxDeltaMs); ok {
		t.Error("expected pair below the minimum delta to be rejected")
	}
	if _, ok := createAddress(anchor, Peak{FreqIdx: 600, Time: 1.1}, MinDeltaMs, MaxDeltaMs); ok {
		t.Error("expected out-of-range bin to be rejected")
	}
}

func mustFingerprint(t *testing.T, samples []float64) []models.Fingerprint {
	t.Helper()
	fps, err := FromSamples(samples, DefaultSampleRate)
	if err != nil {
		t.Fatalf("FromSamples failed: %v", err)
	}
	return fps
}
