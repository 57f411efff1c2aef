package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/audio"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
	"github.com/himanishpuri/acousticdna-listen/pkg/utils"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	library *acousticdna.RecognitionService
	store   storage.Store
	config  *ServerConfig
	log     *logger.Logger

	listening atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DatastoreDir   string
	TempDir        string
	SampleRate     int
	AllowedOrigins []string
	Engine         engine.Config
	LogRequests    bool
}

// NewServer creates a new server instance. The server shares store between
// the track library and every recognition session; the caller closes it.
func NewServer(store storage.Store, config *ServerConfig) (*Server, error) {
	s := &Server{
		store:  store,
		config: config,
		log:    logger.GetLogger(),
	}
	library, err := s.newService(s.log)
	if err != nil {
		return nil, err
	}
	s.library = library
	return s, nil
}

// sharedStore keeps per-session services from closing the server's store.
type sharedStore struct {
	storage.Store
}

func (sharedStore) Close() error { return nil }

// newService builds a recognition service over the shared store.
func (s *Server) newService(log *logger.Logger, opts ...acousticdna.Option) (*acousticdna.RecognitionService, error) {
	loader := storage.LoaderFunc(func(ctx context.Context, path string) (storage.Datastore, error) {
		return sharedStore{s.store}, nil
	})
	base := []acousticdna.Option{
		acousticdna.WithLoader(loader),
		acousticdna.WithTempDir(s.config.TempDir),
		acousticdna.WithSampleRate(s.config.SampleRate),
		acousticdna.WithEngineConfig(s.config.Engine),
		acousticdna.WithLogger(log),
	}
	return acousticdna.NewRecognitionService(s.config.DatastoreDir, append(base, opts...)...)
}

// Close releases the track library. The shared store stays open.
func (s *Server) Close() error {
	return s.library.Close()
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"service": "AcousticDNA Listen API",
		"version": "2.0.0",
		"endpoints": map[string]string{
			"health":      "GET /health",
			"metrics":     "GET /api/health/metrics",
			"tracks":      "GET /api/tracks",
			"addTrack":    "POST /api/tracks",
			"getTrack":    "GET /api/tracks/{id}",
			"deleteTrack": "DELETE /api/tracks/{id}",
			"matchFile":   "POST /api/match",
			"matchHashes": "POST /api/match/hashes",
			"listen":      "GET /api/listen (websocket)",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /api/health/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.library.ListTracks()
	if err != nil {
		s.log.Errorf("Failed to get track count: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}

	var hashes int64
	for _, t := range tracks {
		n, err := s.library.FingerprintCount(t.ID)
		if err != nil {
			s.log.Warnf("Failed to count fingerprints of %s: %v", t.ID, err)
			continue
		}
		hashes += int64(n)
	}

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:           "healthy",
		DatastoreDir:     s.config.DatastoreDir,
		TrackCount:       len(tracks),
		FingerprintCount: hashes,
		SampleRate:       s.config.SampleRate,
		ListenSessions:   s.listening.Load(),
	})
}

func trackDTO(t models.Track) TrackDTO {
	dto := TrackDTO{
		ID:         t.ID,
		Title:      t.Title,
		Artist:     t.Artist,
		DurationMs: t.DurationMs,
	}
	if !t.CreatedAt.IsZero() {
		dto.CreatedAt = t.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// handleListTracks handles GET /api/tracks
func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.library.ListTracks()
	if err != nil {
		s.log.Errorf("Failed to list tracks: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve tracks")
		return
	}

	dtos := make([]TrackDTO, len(tracks))
	for i, t := range tracks {
		dtos[i] = trackDTO(t)
	}
	s.respondJSON(w, http.StatusOK, ListTracksResponse{
		Tracks: dtos,
		Count:  len(dtos),
	})
}

// handleGetTrack handles GET /api/tracks/{id}
func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request, trackID string) {
	track, err := s.library.GetTrack(trackID)
	if err != nil {
		s.log.Warnf("Track not found: %s", trackID)
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Track with ID %s not found", trackID))
		return
	}
	s.respondJSON(w, http.StatusOK, trackDTO(*track))
}

// handleDeleteTrack handles DELETE /api/tracks/{id}
func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request, trackID string) {
	track, err := s.library.GetTrack(trackID)
	if err != nil {
		s.log.Warnf("Track not found for deletion: %s", trackID)
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Track with ID %s not found", trackID))
		return
	}

	if err := s.library.DeleteTrack(trackID); err != nil {
		s.log.Errorf("Failed to delete track %s: %v", trackID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to delete track")
		return
	}

	s.log.Infof("Deleted track: %s by %s (ID: %s)", track.Title, track.Artist, trackID)
	s.respondJSON(w, http.StatusOK, DeleteTrackResponse{
		Message: "Track deleted successfully",
		ID:      trackID,
	})
}

// saveUpload copies the multipart "audio" file into TempDir. The caller
// removes the returned path.
func (s *Server) saveUpload(r *http.Request, prefix string) (string, string, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", "", fmt.Errorf("audio file is required: %w", err)
	}
	defer file.Close()

	if err := utils.MakeDir(s.config.TempDir); err != nil {
		return "", "", err
	}
	tempFile := filepath.Join(s.config.TempDir, fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), filepath.Base(header.Filename)))
	out, err := os.Create(tempFile)
	if err != nil {
		return "", "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		utils.DeleteFile(tempFile)
		return "", "", err
	}
	return tempFile, header.Filename, nil
}

// handleAddTrack handles POST /api/tracks (multipart file upload)
func (s *Server) handleAddTrack(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	// Parse multipart form (max 100MB)
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	tempFile, filename, err := s.saveUpload(r, "upload")
	if err != nil {
		s.log.Errorf("Failed to save upload: %v", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer utils.DeleteFile(tempFile)

	title, artist := r.FormValue("title"), r.FormValue("artist")
	if title == "" || artist == "" {
		guessTitle, guessArtist := audio.GuessTitleArtist(filename)
		if title == "" {
			title = guessTitle
		}
		if artist == "" {
			artist = guessArtist
		}
	}

	s.log.Infof("Adding track from file: %s by %s", title, artist)
	trackID, err := s.library.AddTrack(ctx, tempFile, title, artist)
	if err != nil {
		s.log.Errorf("Failed to add track: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, acousticdna.ErrReadOnly) {
			status = http.StatusForbidden
		}
		s.respondError(w, status, fmt.Sprintf("Failed to add track: %v", err))
		return
	}
	hashes, _ := s.library.FingerprintCount(trackID)

	s.log.Infof("Successfully added track: %s by %s (ID: %s)", title, artist, trackID)
	s.respondJSON(w, http.StatusCreated, AddTrackResponse{
		Message: "Track added successfully",
		ID:      trackID,
		Title:   title,
		Artist:  artist,
		Hashes:  hashes,
	})
}

// handleMatchFile handles POST /api/match (multipart file upload). The
// upload is played through a single session and its outcome returned.
func (s *Server) handleMatchFile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	// Parse multipart form (max 50MB)
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	tempFile, filename, err := s.saveUpload(r, "query")
	if err != nil {
		s.log.Errorf("Failed to save upload: %v", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer utils.DeleteFile(tempFile)

	s.log.Infof("Matching uploaded file: %s", filename)
	outcome, err := s.identifyFile(ctx, tempFile)
	if err != nil {
		s.log.Errorf("Failed to match file: %v", err)
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to match file: %v", err))
		return
	}

	data, err := acousticdna.EncodeOutcome(outcome)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// identifyFile runs one session over the audio at path.
func (s *Server) identifyFile(ctx context.Context, path string) (engine.Outcome, error) {
	wavPath := path
	if !audio.IsWAV(path) {
		converted, err := audio.ConvertToMonoWAV(ctx, path, s.config.TempDir, audio.ConvertWAVConfig{SampleRate: s.config.SampleRate})
		if err != nil {
			return engine.Outcome{}, fmt.Errorf("audio conversion failed: %w", err)
		}
		defer utils.DeleteFile(converted)
		wavPath = converted
	}

	cfg := s.config.Engine
	cfg.Autodiscovery = false
	svc, err := s.newService(s.log.With("[match]"),
		acousticdna.WithSource(capture.NewWAVSource(wavPath, capture.WithTargetRate(s.config.SampleRate))),
		acousticdna.WithEngineConfig(cfg),
	)
	if err != nil {
		return engine.Outcome{}, err
	}
	defer svc.Close()

	outcomes := engine.NewChannelListener(1)
	svc.Signal(outcomes)
	if err := svc.Start(ctx); err != nil {
		return engine.Outcome{}, err
	}
	if err := svc.StartSession(); err != nil {
		return engine.Outcome{}, err
	}

	select {
	case o := <-outcomes.C():
		return o, nil
	case <-ctx.Done():
		return engine.Outcome{}, ctx.Err()
	}
}

// handleMatchHashes handles POST /api/match/hashes (fingerprints computed by WASM clients)
func (s *Server) handleMatchHashes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req MatchHashesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Errorf("Failed to decode request: %v", err)
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hashes := req.HashCount()
	if hashes >= HashWarningThreshold {
		s.log.Warnf("Large hash batch received: %d hashes", hashes)
	}
	s.log.Infof("Matching %d hashes from client", hashes)

	cands, err := s.store.Query(ctx, req.ToFingerprints())
	if err != nil {
		s.log.Errorf("Failed to match hashes: %v", err)
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to match hashes: %v", err))
		return
	}

	result := acousticdna.ResultMessage(models.MatchResult{Candidates: cands})
	s.log.Infof("Hash match complete: found %d matches", len(result.Matches))
	s.respondJSON(w, http.StatusOK, MatchHashesResponse{
		Matches: result.Matches,
		Count:   len(result.Matches),
	})
}

// handleTracks routes requests to /api/tracks
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTracks(w, r)
	case http.MethodPost:
		s.handleAddTrack(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleTrack routes requests to /api/tracks/{id}
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/tracks/"):]
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Track ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetTrack(w, r, id)
	case http.MethodDelete:
		s.handleDeleteTrack(w, r, id)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMatch routes requests to /api/match
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.handleMatchFile(w, r)
}

// handleMatchHashesRoute routes requests to /api/match/hashes
func (s *Server) handleMatchHashesRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.handleMatchHashes(w, r)
}
