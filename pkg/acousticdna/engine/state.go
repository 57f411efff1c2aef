package engine

// State is the engine's position in the session lifecycle.
type State int

const (
	Idle State = iota
	Running
	Deciding
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Deciding:
		return "deciding"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether a session is in progress.
func (s State) Active() bool { return s == Running || s == Deciding }

// Transition describes one state change. SessionID is the session entering
// or leaving the state; it is empty for transitions into Idle.
type Transition struct {
	From      State
	To        State
	SessionID string
}

// Logger is the logging surface the engine needs.
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
