package models

import (
	"strings"
	"time"
)

// AudioFrame is a fixed-duration slice of mono PCM samples in [-1, 1].
// Frames are immutable once handed to a consumer.
type AudioFrame struct {
	Seq        uint64        // monotonic sequence number, starting at 0 per capture run
	Timestamp  time.Duration // offset of the first sample from capture start
	SampleRate int           // samples per second
	Samples    []float64
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End returns the offset just past the last sample of the frame.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Fingerprint holds every landmark hash anchored in one spectral frame.
// OffsetMs is the anchor time relative to the start of the stream (or the
// session, once the engine has rebased it).
type Fingerprint struct {
	OffsetMs uint32
	Codes    []uint32
}

// Track is the reference metadata stored alongside fingerprints.
type Track struct {
	ID         string // Database ID (UUID)
	Title      string // Track title
	Artist     string // Artist name
	DurationMs int    // Duration in milliseconds
	CreatedAt  time.Time
}

// Metadata renders the track the way recognition results describe it.
func (t Track) Metadata() string {
	artist := strings.TrimSpace(t.Artist)
	title := strings.TrimSpace(t.Title)
	switch {
	case artist == "" && title == "":
		return t.ID
	case artist == "":
		return title
	case title == "":
		return artist
	}
	return artist + " - " + title
}

// Candidate is a reference track hypothesized to match the query evidence.
type Candidate struct {
	Track    Track
	Score    float64 // similarity in [0, 1]
	Evidence int     // supporting evidence count
	OffsetMs int32   // best-aligned reference offset
}

// ResultKind classifies a MatchResult.
type ResultKind int

const (
	NoMatch ResultKind = iota
	SingleMatch
	MultipleMatches
)

func (k ResultKind) String() string {
	switch k {
	case NoMatch:
		return "no_match"
	case SingleMatch:
		return "single_match"
	case MultipleMatches:
		return "multiple_matches"
	default:
		return "unknown"
	}
}

// DecisionReason records why a session reached its result.
type DecisionReason string

const (
	ReasonHighConfidence DecisionReason = "high_confidence"
	ReasonTimeout        DecisionReason = "timeout"
	ReasonStopped        DecisionReason = "stopped"
	ReasonSuperseded     DecisionReason = "superseded"
	ReasonStreamEnded    DecisionReason = "stream_ended"
)

// MatchResult is the terminal decision for a session.
type MatchResult struct {
	SessionID  string
	Kind       ResultKind
	Candidates []Candidate // ranked, best first; empty for NoMatch
	Reason     DecisionReason
	DecidedAt  time.Time
}

// Best returns the top-ranked candidate, if any.
func (r MatchResult) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}
