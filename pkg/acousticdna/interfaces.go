package acousticdna

import (
	"context"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Recognizer is the session-control surface front ends program against.
type Recognizer interface {
	Start(ctx context.Context) error
	Signal(l Listener)
	Unsignal()
	SetAutodiscovery(on bool)
	GetAutodiscovery() bool
	StartSession() error
	StopSession() error
	IsSessionRunning() bool
	State() engine.State
	Close() error
}

// Library is the reference-track surface.
type Library interface {
	AddTrack(ctx context.Context, audioPath, title, artist string) (string, error)
	GetTrack(trackID string) (*models.Track, error)
	ListTracks() ([]models.Track, error)
	DeleteTrack(trackID string) error
}

type Listener = engine.Listener

type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}
