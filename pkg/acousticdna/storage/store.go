// Package storage holds the reference fingerprint datastores: the read path
// the recognition engine queries and the write path used to build them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Datastore answers candidate queries. Implementations must be safe for
// concurrent use and must not mutate state on the query path.
type Datastore interface {
	Query(ctx context.Context, fps []models.Fingerprint) ([]models.Candidate, error)
	Close() error
}

// Loader opens a datastore from a path.
type Loader interface {
	Open(ctx context.Context, path string) (Datastore, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (Datastore, error)

func (f LoaderFunc) Open(ctx context.Context, path string) (Datastore, error) { return f(ctx, path) }

// Indexer is the write side of a datastore.
type Indexer interface {
	RegisterTrack(title, artist string, durationMs int) (string, error)
	// StoreFingerprints records the postings of one track. codeCount is the
	// total number of hashes fingerprinted for it.
	StoreFingerprints(trackID string, postings map[uint32][]models.Couple, codeCount int) error
	DeleteTrack(trackID string) error
	GetTrack(trackID string) (*models.Track, error)
	ListTracks() ([]models.Track, error)
	FingerprintCount(trackID string) (int, error)
}

// Store is a datastore that can also be written.
type Store interface {
	Datastore
	Indexer
}

// Backend selects the on-disk layout.
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
)

const (
	sqliteFile    = "data.db"
	badgerSubdir  = "postings"
	badgerSniff   = "MANIFEST"
	defaultMaxHit = 10
)

var (
	ErrTrackNotFound = errors.New("track not found")
	ErrNoDatastore   = errors.New("no datastore found")
)

type Options struct {
	Backend Backend
	// Create initializes an empty datastore when none exists (indexing).
	Create bool
	// MaxCandidates caps the candidates returned per query.
	MaxCandidates int
	Logger        Logger
}

// Logger is the logging surface storage needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Debugf(string, ...any) {}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = defaultMaxHit
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// Open opens the datastore rooted at dir. Without Create, a missing, empty or
// unrecognised directory is a KindDatastore error.
func Open(ctx context.Context, dir string, opts Options) (Store, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.KindDatastore, "open", err)
	}

	backend, err := detect(dir, opts)
	if err != nil {
		return nil, models.NewError(models.KindDatastore, "open", err)
	}

	var store Store
	switch backend {
	case BackendSQLite:
		store, err = OpenSQLite(filepath.Join(dir, sqliteFile), opts)
	case BackendBadger:
		store, err = OpenBadger(BadgerOptions{Dir: filepath.Join(dir, badgerSubdir), Options: opts})
	default:
		err = fmt.Errorf("unknown backend %q", backend)
	}
	if err != nil {
		return nil, models.NewError(models.KindDatastore, "open", err)
	}
	opts.Logger.Infof("Opened %s datastore at %s", backend, dir)
	return store, nil
}

func detect(dir string, opts Options) (Backend, error) {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return "", fmt.Errorf("%s is not a directory", dir)
	case err != nil && !(os.IsNotExist(err) && opts.Create):
		return "", fmt.Errorf("datastore directory: %w", err)
	}

	hasSQLite := fileExists(filepath.Join(dir, sqliteFile))
	hasBadger := fileExists(filepath.Join(dir, badgerSubdir, badgerSniff))

	switch opts.Backend {
	case BackendSQLite:
		if hasSQLite || opts.Create {
			return BackendSQLite, nil
		}
	case BackendBadger:
		if hasBadger || opts.Create {
			return BackendBadger, nil
		}
	case BackendAuto:
		switch {
		case hasSQLite:
			return BackendSQLite, nil
		case hasBadger:
			return BackendBadger, nil
		case opts.Create:
			return BackendSQLite, nil
		}
	default:
		return "", fmt.Errorf("unknown backend %q", opts.Backend)
	}
	return "", fmt.Errorf("%w in %s", ErrNoDatastore, dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirLoader opens datastores with fixed options.
type DirLoader struct {
	Options Options
}

func (l DirLoader) Open(ctx context.Context, path string) (Datastore, error) {
	return Open(ctx, path, l.Options)
}
