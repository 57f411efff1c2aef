package acousticdna

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/audio"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
	"github.com/himanishpuri/acousticdna-listen/pkg/utils"
)

var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".ogg": true,
	".m4a": true, ".aac": true, ".opus": true, ".webm": true,
}

// AddTrack fingerprints an audio file and stores it as a reference track.
// Non-WAV input is converted with ffmpeg first.
func (s *RecognitionService) AddTrack(ctx context.Context, audioPath, title, artist string) (string, error) {
	if s.index == nil {
		return "", ErrReadOnly
	}
	s.log.Infof("Processing track: %s by %s", title, artist)

	samples, err := s.loadSamples(ctx, audioPath)
	if err != nil {
		return "", err
	}
	return s.AddSamples(title, artist, samples)
}

// AddSamples stores mono samples at SampleRate as a reference track. A track
// that is already indexed is left untouched.
func (s *RecognitionService) AddSamples(title, artist string, samples []float64) (string, error) {
	if s.index == nil {
		return "", ErrReadOnly
	}
	rate := s.config.SampleRate

	fps, err := fingerprint.FromSamples(samples, rate)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %q: %w", title, err)
	}

	trackID, err := s.index.RegisterTrack(title, artist, len(samples)*1000/rate)
	if err != nil {
		return "", fmt.Errorf("failed to register track: %w", err)
	}
	if n, err := s.index.FingerprintCount(trackID); err == nil && n > 0 {
		s.log.Infof("Track %s is already indexed, skipping", trackID)
		return trackID, nil
	}

	codes := fingerprint.CodeCount(fps)
	if err := s.index.StoreFingerprints(trackID, fingerprint.Postings(fps, trackID), codes); err != nil {
		s.index.DeleteTrack(trackID) // Rollback
		return "", fmt.Errorf("failed to store fingerprints: %w", err)
	}

	s.log.Infof("Added track %s: %d anchors, %d hashes", trackID, len(fps), codes)
	return trackID, nil
}

// loadSamples decodes path to mono samples at SampleRate.
func (s *RecognitionService) loadSamples(ctx context.Context, path string) ([]float64, error) {
	rate := s.config.SampleRate
	wavPath := path
	if !audio.IsWAV(path) {
		converted, err := audio.ConvertToMonoWAV(ctx, path, s.config.TempDir, audio.ConvertWAVConfig{SampleRate: rate})
		if err != nil {
			return nil, fmt.Errorf("audio conversion failed: %w", err)
		}
		defer utils.DeleteFile(converted)
		wavPath = converted
	}

	src := capture.NewWAVSource(wavPath, capture.WithTargetRate(rate), capture.WithFrameDuration(time.Second))
	frames, err := src.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV file: %w", err)
	}
	var samples []float64
	for f := range frames {
		samples = append(samples, f.Samples...)
	}
	if err := src.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAV file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// IndexReport summarizes an IndexDir run.
type IndexReport struct {
	Added  map[string]string // path -> track ID
	Failed map[string]error
}

// IndexDir adds every audio file under dir, fingerprinting up to workers
// files at once. Failures of single files are reported, not fatal.
func (s *RecognitionService) IndexDir(ctx context.Context, dir string, workers int) (*IndexReport, error) {
	if s.index == nil {
		return nil, ErrReadOnly
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(paths)

	report := &IndexReport{Added: make(map[string]string), Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			title, artist := audio.TrackInfo(gctx, path)
			id, err := s.AddTrack(gctx, path, title, artist)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warnf("Skipping %s: %v", path, err)
				report.Failed[path] = err
				return nil
			}
			report.Added[path] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *RecognitionService) GetTrack(trackID string) (*models.Track, error) {
	if s.index == nil {
		return nil, ErrReadOnly
	}
	return s.index.GetTrack(trackID)
}

func (s *RecognitionService) ListTracks() ([]models.Track, error) {
	if s.index == nil {
		return nil, ErrReadOnly
	}
	return s.index.ListTracks()
}

// DeleteTrack removes a track and all its fingerprints.
func (s *RecognitionService) DeleteTrack(trackID string) error {
	if s.index == nil {
		return ErrReadOnly
	}
	return s.index.DeleteTrack(trackID)
}

// FingerprintCount reports how many hashes are stored for a track.
func (s *RecognitionService) FingerprintCount(trackID string) (int, error) {
	if s.index == nil {
		return 0, ErrReadOnly
	}
	return s.index.FingerprintCount(trackID)
}
