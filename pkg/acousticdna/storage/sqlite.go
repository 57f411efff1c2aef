//go:build !js && !wasm
// +build !js,!wasm

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

const (
	errStoreNil   = "sqlite store is nil"
	hashChunkSize = 500
)

// SQLiteStore keeps tracks and postings in a single SQLite file.
type SQLiteStore struct {
	DB   *gorm.DB
	db   *sql.DB
	opts Options
}

type trackRow struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	Title      string `gorm:"uniqueIndex:idx_track_unique,priority:1"`
	Artist     string `gorm:"uniqueIndex:idx_track_unique,priority:2"`
	DurationMs int
	CodeCount  int
	CreatedAt  time.Time
}

func (trackRow) TableName() string { return "tracks" }

func (r trackRow) record() trackRecord {
	return trackRecord{
		Track: models.Track{
			ID:         r.ID,
			Title:      r.Title,
			Artist:     r.Artist,
			DurationMs: r.DurationMs,
			CreatedAt:  r.CreatedAt,
		},
		CodeCount: r.CodeCount,
	}
}

type fingerprintRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Hash         uint32 `gorm:"index:idx_hash"`
	TrackID      string `gorm:"type:varchar(36);index:idx_track"`
	AnchorTimeMs uint32
}

func (fingerprintRow) TableName() string { return "fingerprints" }

// OpenSQLite opens (creating if needed) the SQLite datastore at dbPath.
func OpenSQLite(dbPath string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&trackRow{}, &fingerprintRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SQLiteStore{DB: db, db: sqlDB, opts: opts}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Query(ctx context.Context, fps []models.Fingerprint) ([]models.Candidate, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New(errStoreNil)
	}
	return scoreCandidates(ctx, s, fps, s.opts.MaxCandidates)
}

func (s *SQLiteStore) postings(ctx context.Context, codes []uint32) (map[uint32][]models.Couple, error) {
	result := make(map[uint32][]models.Couple)
	for start := 0; start < len(codes); start += hashChunkSize {
		end := start + hashChunkSize
		if end > len(codes) {
			end = len(codes)
		}

		var rows []fingerprintRow
		if err := s.DB.WithContext(ctx).Where("hash IN ?", codes[start:end]).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("batch querying fingerprints: %w", err)
		}
		for _, r := range rows {
			result[r.Hash] = append(result[r.Hash], models.Couple{
				TrackID:      r.TrackID,
				AnchorTimeMs: r.AnchorTimeMs,
			})
		}
	}
	return result, nil
}

func (s *SQLiteStore) trackRecords(ctx context.Context, ids []string) (map[string]trackRecord, error) {
	var rows []trackRow
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	out := make(map[string]trackRecord, len(rows))
	for _, r := range rows {
		out[r.ID] = r.record()
	}
	return out, nil
}

// RegisterTrack returns the ID of the track with this title and artist,
// creating it when absent.
func (s *SQLiteStore) RegisterTrack(title, artist string, durationMs int) (string, error) {
	if s == nil || s.DB == nil {
		return "", errors.New(errStoreNil)
	}

	var row trackRow
	err := s.DB.Where("title = ? AND artist = ?", title, artist).First(&row).Error
	if err == nil {
		return row.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying existing track: %w", err)
	}

	row = trackRow{ID: uuid.NewString(), Title: title, Artist: artist, DurationMs: durationMs}
	if err := s.DB.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "constraint failed") {
			if fetchErr := s.DB.Where("title = ? AND artist = ?", title, artist).First(&row).Error; fetchErr != nil {
				return "", fmt.Errorf("fetching track after constraint violation: %w", fetchErr)
			}
			return row.ID, nil
		}
		return "", fmt.Errorf("creating track: %w", err)
	}
	return row.ID, nil
}

func (s *SQLiteStore) StoreFingerprints(trackID string, postings map[uint32][]models.Couple, codeCount int) error {
	if s == nil || s.DB == nil {
		return errors.New(errStoreNil)
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		entries := make([]fingerprintRow, 0, 1024)
		for hash, couples := range postings {
			for _, cou := range couples {
				entries = append(entries, fingerprintRow{
					Hash:         hash,
					TrackID:      cou.TrackID,
					AnchorTimeMs: cou.AnchorTimeMs,
				})
				if len(entries) >= 1000 {
					if err := tx.CreateInBatches(entries, 500).Error; err != nil {
						return fmt.Errorf("batch insert fingerprints: %w", err)
					}
					entries = entries[:0]
				}
			}
		}
		if len(entries) > 0 {
			if err := tx.CreateInBatches(entries, 500).Error; err != nil {
				return fmt.Errorf("batch insert last fingerprints: %w", err)
			}
		}
		res := tx.Model(&trackRow{}).Where("id = ?", trackID).Update("code_count", gorm.Expr("code_count + ?", codeCount))
		if res.Error != nil {
			return fmt.Errorf("updating code count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteTrack(trackID string) error {
	if s == nil || s.DB == nil {
		return errors.New(errStoreNil)
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).Delete(&fingerprintRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", trackID).Delete(&trackRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return nil
	})
}

func (s *SQLiteStore) GetTrack(trackID string) (*models.Track, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New(errStoreNil)
	}
	var row trackRow
	if err := s.DB.Where("id = ?", trackID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return nil, fmt.Errorf("querying track: %w", err)
	}
	track := row.record().Track
	return &track, nil
}

func (s *SQLiteStore) ListTracks() ([]models.Track, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New(errStoreNil)
	}
	var rows []trackRow
	if err := s.DB.Order("artist, title").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tracks: %w", err)
	}
	tracks := make([]models.Track, len(rows))
	for i, r := range rows {
		tracks[i] = r.record().Track
	}
	return tracks, nil
}

func (s *SQLiteStore) FingerprintCount(trackID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New(errStoreNil)
	}
	var count int64
	if err := s.DB.Model(&fingerprintRow{}).Where("track_id = ?", trackID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting fingerprints: %w", err)
	}
	return int(count), nil
}
