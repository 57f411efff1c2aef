package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
)

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger.SetLevel(logger.ERROR)

	dir := t.TempDir()
	store, err := storage.Open(context.Background(), dir, storage.Options{
		Backend: storage.BackendSQLite,
		Create:  true,
		Logger:  logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s, err := NewServer(store, &ServerConfig{
		DatastoreDir:   dir,
		TempDir:        t.TempDir(),
		SampleRate:     11025,
		AllowedOrigins: []string{"*"},
		Engine:         engine.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestMatchHashesRequestValidate(t *testing.T) {
	valid := uint32(5<<23 | 7<<14 | 100)

	tests := []struct {
		name    string
		req     MatchHashesRequest
		wantErr bool
	}{
		{"empty", MatchHashesRequest{}, true},
		{"valid", MatchHashesRequest{Fingerprints: []FingerprintDTO{{OffsetMs: 0, Codes: []uint32{valid}}, {OffsetMs: 23, Codes: []uint32{valid}}}}, false},
		{"zero delta", MatchHashesRequest{Fingerprints: []FingerprintDTO{{Codes: []uint32{5<<23 | 7<<14}}}}, true},
		{"delta too long", MatchHashesRequest{Fingerprints: []FingerprintDTO{{Codes: []uint32{5<<23 | 7<<14 | 3000}}}}, true},
		{"offsets out of order", MatchHashesRequest{Fingerprints: []FingerprintDTO{{OffsetMs: 50, Codes: []uint32{valid}}, {OffsetMs: 50, Codes: []uint32{valid}}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	if !originAllowed([]string{"*"}, "http://evil.example") {
		t.Error("wildcard should allow every origin")
	}
	allowed := []string{"http://app.example"}
	if !originAllowed(allowed, "http://app.example") {
		t.Error("listed origin rejected")
	}
	if originAllowed(allowed, "http://evil.example") {
		t.Error("unlisted origin allowed")
	}
	if !originAllowed(allowed, "") {
		t.Error("non-browser clients send no origin and should be allowed")
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if ip := getClientIP(r); ip != "10.0.0.1" {
		t.Errorf("Expected 10.0.0.1, got %s", ip)
	}
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if ip := getClientIP(r); ip != "1.2.3.4" {
		t.Errorf("Expected 1.2.3.4, got %s", ip)
	}
}

func TestTrackRoutes(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/tracks")
	if err != nil {
		t.Fatalf("GET /api/tracks: %v", err)
	}
	var list ListTracksResponse
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || list.Count != 0 {
		t.Errorf("Expected empty list, got %d %+v", resp.StatusCode, list)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/tracks/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown track, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/api/tracks", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestMatchHashesRoute(t *testing.T) {
	_, ts := setupServer(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/match/hashes", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		return resp
	}

	resp := post(`{"fingerprints":[]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty request, got %d", resp.StatusCode)
	}

	resp = post(`{"fingerprints":[{"offset_ms":0,"codes":[42057828]}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var got MatchHashesResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count != 0 || got.Matches == nil {
		t.Errorf("Expected an empty matches array, got %+v", got)
	}
}

func TestListenWebsocket(t *testing.T) {
	s, ts := setupServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/listen"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal %s: %v", data, err)
		}
		return msg
	}
	send := func(cmd string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	send("status")
	if msg := read(); msg["State"] != "idle" || msg["Autodiscovery"] != false {
		t.Errorf("Unexpected status: %v", msg)
	}

	send("start")
	send("start")
	msg := read()
	if msg["status"] != acousticdna.StatusError || msg["Kind"] != "session_already_active" {
		t.Errorf("Expected rejected second start, got %v", msg)
	}

	// Silence only: the session ends with no match when stopped.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2*11025)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	send("stop")
	msg = read()
	if msg["status"] != acousticdna.StatusOK || msg["Kind"] != "no_match" || msg["Reason"] != "stopped" {
		t.Errorf("Expected stopped no-match outcome, got %v", msg)
	}
	if matches, ok := msg["Matches"].([]any); !ok || len(matches) != 0 {
		t.Errorf("Expected empty Matches array, got %v", msg["Matches"])
	}

	send("bogus")
	if msg := read(); msg["status"] != acousticdna.StatusError {
		t.Errorf("Expected error for unknown command, got %v", msg)
	}

	if n := s.listening.Load(); n != 1 {
		t.Errorf("Expected 1 listen session, got %d", n)
	}
}
