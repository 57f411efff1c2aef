package main

import (
	"fmt"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Hash limit constants for validation
const (
	// MaxHashesSoftLimit is the recommended maximum for most queries (~20-30 seconds of audio)
	MaxHashesSoftLimit = 10000

	// MaxHashesHardLimit is the absolute maximum allowed (~2 minutes of audio)
	MaxHashesHardLimit = 50000

	// HashWarningThreshold triggers logging for large hash batches
	HashWarningThreshold = 5000
)

// FingerprintDTO is one anchor frame computed by a client-side extractor.
type FingerprintDTO struct {
	OffsetMs uint32   `json:"offset_ms"`
	Codes    []uint32 `json:"codes"`
}

// MatchHashesRequest is the request body for POST /api/match/hashes
type MatchHashesRequest struct {
	Fingerprints []FingerprintDTO `json:"fingerprints"`
}

// Validate checks if the request is valid
func (r *MatchHashesRequest) Validate() error {
	total := r.HashCount()
	if total == 0 {
		return fmt.Errorf("fingerprints cannot be empty")
	}
	if total > MaxHashesHardLimit {
		return fmt.Errorf("too many hashes: %d (maximum: %d)", total, MaxHashesHardLimit)
	}

	var last uint32
	for i, fp := range r.Fingerprints {
		if i > 0 && fp.OffsetMs <= last {
			return fmt.Errorf("fingerprint offsets must increase: %d after %d", fp.OffsetMs, last)
		}
		last = fp.OffsetMs
		for _, code := range fp.Codes {
			if !isValidHash(code) {
				return fmt.Errorf("invalid hash format: %d", code)
			}
		}
	}
	return nil
}

// HashCount is the number of codes across all fingerprints.
func (r *MatchHashesRequest) HashCount() int {
	n := 0
	for _, fp := range r.Fingerprints {
		n += len(fp.Codes)
	}
	return n
}

func (r *MatchHashesRequest) ToFingerprints() []models.Fingerprint {
	fps := make([]models.Fingerprint, len(r.Fingerprints))
	for i, fp := range r.Fingerprints {
		fps[i] = models.Fingerprint{OffsetMs: fp.OffsetMs, Codes: fp.Codes}
	}
	return fps
}

// isValidHash performs lightweight validation of hash structure
// Hash format: [anchorFreq (9 bits) | targetFreq (9 bits) | deltaTime (14 bits)]
func isValidHash(hash uint32) bool {
	deltaTime := hash & (1<<fingerprint.MaxDeltaBits - 1)
	return deltaTime >= fingerprint.MinDeltaMs && deltaTime <= fingerprint.MaxDeltaMs
}

// MatchHashesResponse is the response for hash-based matching
type MatchHashesResponse struct {
	Matches []acousticdna.MatchMessage `json:"matches"`
	Count   int                        `json:"count"`
}

// AddTrackResponse is the response for successful track addition
type AddTrackResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Hashes  int    `json:"hashes"`
}

// TrackDTO represents a track in API responses
type TrackDTO struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	DurationMs int    `json:"duration_ms"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// ListTracksResponse is the response for GET /api/tracks
type ListTracksResponse struct {
	Tracks []TrackDTO `json:"tracks"`
	Count  int        `json:"count"`
}

// DeleteTrackResponse is the response for DELETE /api/tracks/{id}
type DeleteTrackResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// MetricsResponse provides server health and datastore metrics
type MetricsResponse struct {
	Status           string `json:"status"`
	DatastoreDir     string `json:"datastore_dir"`
	TrackCount       int    `json:"track_count"`
	FingerprintCount int64  `json:"fingerprint_count"`
	SampleRate       int    `json:"sample_rate"`
	ListenSessions   int64  `json:"listen_sessions"`
}

// StatusMessage answers the "status" command on /api/listen.
type StatusMessage struct {
	Status        string `json:"status"`
	State         string `json:"State"`
	Autodiscovery bool   `json:"Autodiscovery"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
