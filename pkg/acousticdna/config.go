package acousticdna

import (
	"os"
	"time"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/capture"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/fingerprint"
	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/storage"
)

const (
	EnvDatastoreDir = "ACOUSTIC_DATASTORE_DIR"
	EnvTempDir      = "ACOUSTIC_TEMP_DIR"
)

type Config struct {
	TempDir       string
	SampleRate    int
	FrameDuration time.Duration
	Backend       storage.Backend
	// Create initializes an empty datastore when the directory has none.
	Create bool
	Logger Logger
	Loader storage.Loader
	// Source feeds sessions. Without one the service listens on a
	// PushSource at SampleRate.
	Source capture.Source
	// Overflow is the default push source's policy when the engine falls
	// behind the producer.
	Overflow capture.OverflowPolicy
	Engine engine.Config
}

type Option func(*Config)

func WithTempDir(dir string) Option {
	return func(c *Config) {
		c.TempDir = dir
	}
}

func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

func WithFrameDuration(d time.Duration) Option {
	return func(c *Config) {
		c.FrameDuration = d
	}
}

func WithBackend(b storage.Backend) Option {
	return func(c *Config) {
		c.Backend = b
	}
}

func WithCreate(create bool) Option {
	return func(c *Config) {
		c.Create = create
	}
}

func WithLogger(log Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithLoader replaces the directory loader used to open the datastore.
func WithLoader(l storage.Loader) Option {
	return func(c *Config) {
		c.Loader = l
	}
}

func WithSource(src capture.Source) Option {
	return func(c *Config) {
		c.Source = src
	}
}

func WithOverflow(p capture.OverflowPolicy) Option {
	return func(c *Config) {
		c.Overflow = p
	}
}

func WithEngineConfig(cfg engine.Config) Option {
	return func(c *Config) {
		c.Engine = cfg
	}
}

func defaultConfig() *Config {
	tmp := os.Getenv(EnvTempDir)
	if tmp == "" {
		tmp = os.TempDir()
	}
	return &Config{
		TempDir:       tmp,
		SampleRate:    fingerprint.DefaultSampleRate,
		FrameDuration: capture.DefaultFrameDuration,
		Backend:       storage.BackendAuto,
		Overflow:      capture.Block,
		Engine:        engine.DefaultConfig(),
	}
}

// DatastoreDir resolves dir, falling back to $ACOUSTIC_DATASTORE_DIR.
func DatastoreDir(dir string) string {
	if dir != "" {
		return dir
	}
	return os.Getenv(EnvDatastoreDir)
}
