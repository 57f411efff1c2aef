package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// StartPolicy decides what StartSession does while a session is active.
type StartPolicy int

const (
	// RejectWhileActive fails StartSession with ErrSessionAlreadyActive.
	RejectWhileActive StartPolicy = iota
	// RestartWhileActive ends the active session (reason superseded) and
	// starts a fresh one.
	RestartWhileActive
)

func (p StartPolicy) String() string {
	if p == RestartWhileActive {
		return "restart"
	}
	return "reject"
}

func (p StartPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *StartPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "reject":
		*p = RejectWhileActive
	case "restart":
		*p = RestartWhileActive
	default:
		return fmt.Errorf("unknown start policy %q", string(b))
	}
	return nil
}

// Config tunes the session engine.
type Config struct {
	// Autodiscovery starts a new session after every decided one.
	Autodiscovery bool `yaml:"autodiscovery"`
	// WindowSize is how many of the most recent fingerprints each query sends.
	WindowSize int `yaml:"window_size"`
	// HighConfidence is the score that ends a session early once a candidate
	// has matched EvidenceFloor consecutive batches.
	HighConfidence float64 `yaml:"high_confidence"`
	// ConfidenceFloor is the score a candidate needs for a batch to count as
	// a match.
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	// EvidenceFloor is the number of matching batches a candidate needs
	// before it can be reported.
	EvidenceFloor int `yaml:"evidence_floor"`

	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	QueryRetries       int           `yaml:"query_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`

	StartPolicy StartPolicy `yaml:"start_policy"`

	BatchQueueSize   int `yaml:"batch_queue_size"`
	OutcomeQueueSize int `yaml:"outcome_queue_size"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize:         64,
		HighConfidence:     0.9,
		ConfidenceFloor:    0.5,
		EvidenceFloor:      3,
		MaxSessionDuration: 20 * time.Second,
		QueryTimeout:       2 * time.Second,
		QueryRetries:       3,
		RetryBackoff:       100 * time.Millisecond,
		MaxBackoff:         time.Second,
		StartPolicy:        RejectWhileActive,
		BatchQueueSize:     32,
		OutcomeQueueSize:   16,
	}
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.WindowSize > 0, "window_size must be positive, got %d", c.WindowSize)
	check(c.ConfidenceFloor >= 0 && c.ConfidenceFloor <= 1, "confidence_floor must be in [0, 1], got %v", c.ConfidenceFloor)
	check(c.HighConfidence >= c.ConfidenceFloor && c.HighConfidence <= 1,
		"high_confidence must be in [confidence_floor, 1], got %v", c.HighConfidence)
	check(c.EvidenceFloor > 0, "evidence_floor must be positive, got %d", c.EvidenceFloor)
	check(c.MaxSessionDuration > 0, "max_session_duration must be positive, got %v", c.MaxSessionDuration)
	check(c.QueryTimeout > 0, "query_timeout must be positive, got %v", c.QueryTimeout)
	check(c.QueryRetries >= 0, "query_retries must not be negative, got %d", c.QueryRetries)
	check(c.RetryBackoff >= 0, "retry_backoff must not be negative, got %v", c.RetryBackoff)
	check(c.MaxBackoff >= c.RetryBackoff, "max_backoff must be at least retry_backoff, got %v", c.MaxBackoff)
	check(c.StartPolicy == RejectWhileActive || c.StartPolicy == RestartWhileActive, "unknown start policy %d", c.StartPolicy)
	check(c.BatchQueueSize > 0, "batch_queue_size must be positive, got %d", c.BatchQueueSize)
	check(c.OutcomeQueueSize > 0, "outcome_queue_size must be positive, got %d", c.OutcomeQueueSize)

	return errors.Join(errs...)
}

// LoadConfig reads a YAML policy file over the defaults. Unknown keys are
// rejected so typos do not silently fall back to a default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading engine config: %w", err)
	}
	if err := ParseConfig(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML into cfg, keeping fields the document omits.
func ParseConfig(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("parsing engine config: %w", err)
	}
	return cfg.Validate()
}
