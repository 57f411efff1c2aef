package acousticdna

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
	"github.com/himanishpuri/acousticdna-listen/pkg/logger"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

var (
	ErrReadOnly   = errors.New("datastore is read-only")
	ErrNoPushFeed = errors.New("service is not fed by a push source")
)

// RecognitionService wires a datastore, a capture source, the streaming
// extractor and the session engine. The datastore is opened once by
// NewRecognitionService and released by Close.
type RecognitionService struct {
	config *Config
	log    Logger

	store storage.Datastore
	index storage.Indexer // nil when the datastore cannot be written
	src   capture.Source
	push  *capture.PushSource
	eng   *engine.Engine

	closeOnce sync.Once
	closeErr  error
}

func NewRecognitionService(datastoreDir string, opts ...Option) (*RecognitionService, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	dir := DatastoreDir(datastoreDir)
	if dir == "" {
		return nil, models.NewError(models.KindDatastore, "open", fmt.Errorf("no datastore directory (set %s)", EnvDatastoreDir))
	}

	loader := cfg.Loader
	if loader == nil {
		loader = storage.DirLoader{Options: storage.Options{
			Backend: cfg.Backend,
			Create:  cfg.Create,
			Logger:  cfg.Logger,
		}}
	}
	store, err := loader.Open(context.Background(), dir)
	if err != nil {
		if models.KindOf(err) == models.KindUnknown {
			err = models.NewError(models.KindDatastore, "open", err)
		}
		return nil, err
	}

	ext, err := fingerprint.NewExtractor(fingerprint.WithSampleRate(cfg.SampleRate))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	s := &RecognitionService{config: cfg, log: cfg.Logger, store: store, src: cfg.Source}
	if idx, ok := store.(storage.Indexer); ok {
		s.index = idx
	}
	if s.src == nil {
		s.push = capture.NewPushSource(cfg.SampleRate,
			capture.WithFrameDuration(cfg.FrameDuration),
			capture.WithOverflow(cfg.Overflow),
		)
		s.src = s.push
	}

	s.eng, err = engine.New(s.src, ext, store, cfg.Engine, engine.WithLogger(cfg.Logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// Start runs the session engine until ctx ends or Close.
func (s *RecognitionService) Start(ctx context.Context) error {
	return s.eng.Start(ctx)
}

// Signal registers the listener that receives session outcomes, replacing
// any previous one.
func (s *RecognitionService) Signal(l Listener) { s.eng.Register(l) }

// Unsignal removes the listener; outcomes are dropped until the next Signal.
func (s *RecognitionService) Unsignal() { s.eng.Unregister() }

func (s *RecognitionService) SetAutodiscovery(on bool) { s.eng.SetAutodiscovery(on) }

func (s *RecognitionService) GetAutodiscovery() bool { return s.eng.Autodiscovery() }

func (s *RecognitionService) StartSession() error { return s.eng.StartSession() }

func (s *RecognitionService) StopSession() error { return s.eng.StopSession() }

func (s *RecognitionService) IsSessionRunning() bool { return s.eng.IsSessionRunning() }

func (s *RecognitionService) State() engine.State { return s.eng.State() }

func (s *RecognitionService) SampleRate() int { return s.config.SampleRate }

// Feed pushes live samples at SampleRate into the default push source.
func (s *RecognitionService) Feed(ctx context.Context, samples []float64) error {
	if s.push == nil {
		return ErrNoPushFeed
	}
	return s.push.Push(ctx, samples)
}

// FeedPCM16 is Feed for little-endian signed 16-bit mono PCM.
func (s *RecognitionService) FeedPCM16(ctx context.Context, data []byte) error {
	if s.push == nil {
		return ErrNoPushFeed
	}
	return s.push.PushPCM16(ctx, data)
}

// EndFeed marks the end of the live stream; the active session then ends
// with what it has heard.
func (s *RecognitionService) EndFeed() error {
	if s.push == nil {
		return ErrNoPushFeed
	}
	s.push.End()
	return nil
}

// Close stops the engine, delivering the outcome of any active session,
// then releases the datastore.
func (s *RecognitionService) Close() error {
	s.closeOnce.Do(func() {
		errs := []error{s.eng.Close()}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing datastore: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var _ Recognizer = (*RecognitionService)(nil)
var _ Library = (*RecognitionService)(nil)
