package acousticdna

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

const rate = fingerprint.DefaultSampleRate

func tone(freqs []float64, noteMs int) []float64 {
	perNote := rate * noteMs / 1000
	out := make([]float64, 0, perNote*len(freqs))
	for n, f := range freqs {
		for i := 0; i < perNote; i++ {
			ts := float64(n*perNote+i) / rate
			out = append(out, 0.6*math.Sin(2*math.Pi*f*ts)+0.3*math.Sin(2*math.Pi*f*2.5*ts))
		}
	}
	return out
}

var (
	tuneA = []float64{440, 523, 659, 392, 587, 349, 494, 698, 415, 554, 622, 370}
	tuneB = []float64{1200, 1500, 1800, 2100, 1350, 1650, 1950, 2250}
)

func setupService(t *testing.T, opts ...Option) *RecognitionService {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.ConfidenceFloor = 0.2
	cfg.EvidenceFloor = 2
	opts = append([]Option{
		WithCreate(true),
		WithLogger(logger.Discard()),
		WithTempDir(t.TempDir()),
		WithEngineConfig(cfg),
	}, opts...)

	svc, err := NewRecognitionService(filepath.Join(t.TempDir(), "store"), opts...)
	if err != nil {
		t.Fatalf("NewRecognitionService failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func waitState(t *testing.T, svc *RecognitionService, want engine.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for svc.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("engine never reached %s (state %s)", want, svc.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitRunning(t *testing.T, svc *RecognitionService) {
	t.Helper()
	waitState(t, svc, engine.Running)
}

func nextOutcome(t *testing.T, l *engine.ChannelListener, within time.Duration) engine.Outcome {
	t.Helper()
	select {
	case o := <-l.C():
		return o
	case <-time.After(within):
		t.Fatal("timed out waiting for an outcome")
		return engine.Outcome{}
	}
}

func TestServiceIdentifiesLiveAudio(t *testing.T) {
	for _, backend := range []storage.Backend{storage.BackendSQLite, storage.BackendBadger} {
		t.Run(string(backend), func(t *testing.T) {
			svc := setupService(t, WithBackend(backend))

			a := tone(tuneA, 400)
			idA, err := svc.AddSamples("Song A", "Artist", a)
			if err != nil {
				t.Fatalf("AddSamples A failed: %v", err)
			}
			if _, err := svc.AddSamples("Song B", "Artist", tone(tuneB, 400)); err != nil {
				t.Fatalf("AddSamples B failed: %v", err)
			}

			out := engine.NewChannelListener(4)
			svc.Signal(out)
			if err := svc.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if err := svc.StartSession(); err != nil {
				t.Fatalf("StartSession failed: %v", err)
			}
			waitRunning(t, svc)

			clip := a[rate/2 : rate/2+4*rate]
			if err := svc.Feed(context.Background(), clip); err != nil {
				t.Fatalf("Feed failed: %v", err)
			}
			svc.EndFeed()

			o := nextOutcome(t, out, 10*time.Second)
			if o.Result == nil {
				t.Fatalf("expected a result, got error %v", o.Err)
			}
			best, ok := o.Result.Best()
			if !ok || best.Track.ID != idA {
				t.Fatalf("expected Song A, got %+v", o.Result)
			}
			t.Logf("%s: %s after %s, score %.2f over %d batches", backend, best.Track.Metadata(), o.Result.Reason, best.Score, best.Evidence)
		})
	}
}

func TestServiceRequiresDatastore(t *testing.T) {
	_, err := NewRecognitionService(t.TempDir(), WithLogger(logger.Discard()))
	if models.KindOf(err) != models.KindDatastore {
		t.Fatalf("expected a datastore error, got %v", err)
	}

	t.Setenv(EnvDatastoreDir, "")
	if _, err := NewRecognitionService("", WithLogger(logger.Discard())); models.KindOf(err) != models.KindDatastore {
		t.Errorf("expected a datastore error without a directory, got %v", err)
	}
}

func TestServiceUsesDatastoreDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "env-store")
	t.Setenv(EnvDatastoreDir, dir)
	svc, err := NewRecognitionService("", WithCreate(true), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewRecognitionService failed: %v", err)
	}
	defer svc.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("datastore not created under %s: %v", dir, err)
	}
}

type readOnlyStore struct{}

func (readOnlyStore) Query(context.Context, []models.Fingerprint) ([]models.Candidate, error) {
	return nil, nil
}
func (readOnlyStore) Close() error { return nil }

func TestServiceReadOnlyDatastore(t *testing.T) {
	loader := storage.LoaderFunc(func(context.Context, string) (storage.Datastore, error) {
		return readOnlyStore{}, nil
	})
	svc := setupService(t, WithLoader(loader))

	if _, err := svc.AddSamples("Song", "Artist", tone(tuneA, 200)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	if _, err := svc.ListTracks(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func TestServiceSessionControl(t *testing.T) {
	svc := setupService(t)
	if err := svc.StartSession(); models.KindOf(err) != models.KindEngine {
		t.Errorf("StartSession before Start should fail, got %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	svc.SetAutodiscovery(true)
	if !svc.GetAutodiscovery() {
		t.Error("autodiscovery not enabled")
	}

	out := engine.NewChannelListener(4)
	svc.Signal(out)
	if err := svc.StartSession(); err != nil {
		t.Fatal(err)
	}
	waitRunning(t, svc)
	if !svc.IsSessionRunning() {
		t.Error("expected a running session")
	}
	if err := svc.StartSession(); !errors.Is(err, models.ErrSessionAlreadyActive) {
		t.Errorf("expected ErrSessionAlreadyActive, got %v", err)
	}

	svc.StopSession()
	o := nextOutcome(t, out, 3*time.Second)
	if o.Result == nil || o.Result.Kind != models.NoMatch || o.Result.Reason != models.ReasonStopped {
		t.Errorf("expected a stopped no-match, got %+v", o)
	}
}

func TestServiceUnsignalDropsOutcomes(t *testing.T) {
	svc := setupService(t)
	svc.Start(context.Background())

	out := engine.NewChannelListener(4)
	svc.Signal(out)
	svc.Unsignal()

	svc.StartSession()
	waitRunning(t, svc)
	svc.StopSession()
	waitState(t, svc, engine.Idle)
	time.Sleep(50 * time.Millisecond) // let the dispatcher drop the first outcome

	svc.Signal(out)
	if err := svc.StartSession(); err != nil {
		t.Fatal(err)
	}
	waitRunning(t, svc)
	svc.StopSession()

	first := nextOutcome(t, out, 3*time.Second)
	select {
	case o := <-out.C():
		t.Fatalf("expected only the signalled session's outcome, also got %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
	if first.Result == nil {
		t.Errorf("expected a result, got %+v", first)
	}
}

func writeWAV(t *testing.T, path string, samples []float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s * 32767)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func TestIndexDir(t *testing.T) {
	svc := setupService(t)
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "Artist One - Song A.wav"), tone(tuneA, 200))
	writeWAV(t, filepath.Join(dir, "Song B.wav"), tone(tuneB, 250))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := svc.IndexDir(context.Background(), dir, 2)
	if err != nil {
		t.Fatalf("IndexDir failed: %v", err)
	}
	if len(report.Added) != 2 || len(report.Failed) != 1 {
		t.Fatalf("expected 2 added and 1 failed, got %+v", report)
	}

	tracks, err := svc.ListTracks()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, tr := range tracks {
		got[tr.Metadata()] = true
	}
	if !got["Artist One - Song A"] || !got["Unknown Artist - Song B"] {
		t.Errorf("unexpected track names %v", got)
	}

	// Re-indexing the same files must not duplicate postings.
	id := report.Added[filepath.Join(dir, "Song B.wav")]
	before, _ := svc.FingerprintCount(id)
	if _, err := svc.IndexDir(context.Background(), dir, 2); err != nil {
		t.Fatal(err)
	}
	if after, _ := svc.FingerprintCount(id); after != before {
		t.Errorf("re-index changed fingerprint count from %d to %d", before, after)
	}

	if err := svc.DeleteTrack(id); err != nil {
		t.Fatalf("DeleteTrack failed: %v", err)
	}
	if _, err := svc.GetTrack(id); !errors.Is(err, storage.ErrTrackNotFound) {
		t.Errorf("expected ErrTrackNotFound, got %v", err)
	}
}

func TestEncodeOutcome(t *testing.T) {
	res := &models.MatchResult{
		SessionID: "s1",
		Kind:      models.SingleMatch,
		Reason:    models.ReasonHighConfidence,
		Candidates: []models.Candidate{{
			Track: models.Track{ID: "t1", Title: "Song A", Artist: "Artist"},
			Score: 0.93, Evidence: 4, OffsetMs: 1200,
		}},
	}
	data, err := EncodeOutcome(engine.Outcome{SessionID: "s1", Result: res})
	if err != nil {
		t.Fatal(err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	matches := msg["Matches"].([]any)
	if msg["status"] != StatusOK || len(matches) != 1 {
		t.Fatalf("unexpected message %s", data)
	}
	if meta := matches[0].(map[string]any)["Metadata"]; meta != "Artist - Song A" {
		t.Errorf("unexpected metadata %v", meta)
	}

	data, err = EncodeOutcome(engine.Outcome{Result: &models.MatchResult{Kind: models.NoMatch}})
	if err != nil {
		t.Fatal(err)
	}
	var empty Message
	json.Unmarshal(data, &empty)
	if empty.Matches == nil || len(empty.Matches) != 0 {
		t.Errorf("no-match must carry an empty Matches array: %s", data)
	}

	data, err = EncodeOutcome(engine.Outcome{SessionID: "s2", Err: models.NewError(models.KindEngine, "session", errors.New("boom"))})
	if err != nil {
		t.Fatal(err)
	}
	var failed Message
	json.Unmarshal(data, &failed)
	if failed.Status != StatusError || failed.Kind != "engine" || failed.Session != "s2" {
		t.Errorf("unexpected error message %s", data)
	}

	if _, err := EncodeOutcome(engine.Outcome{}); err == nil {
		t.Error("expected an error for an empty outcome")
	}
}

func TestJSONListener(t *testing.T) {
	var sent [][]byte
	l := JSONListener{Send: func(b []byte) { sent = append(sent, b) }}
	l.OnResult(models.MatchResult{SessionID: "s1", Kind: models.NoMatch})
	l.OnError(models.KindQuery, "timeout")

	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	var msg Message
	json.Unmarshal(sent[1], &msg)
	if msg.Status != StatusError || msg.Error != "timeout" {
		t.Errorf("unexpected error message %s", sent[1])
	}
}
