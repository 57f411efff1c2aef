package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the recognition pipeline.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInsufficientAudio
	KindQuery
	KindDatastore
	KindSessionAlreadyActive
	KindEngine
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientAudio:
		return "insufficient_audio"
	case KindQuery:
		return "query"
	case KindDatastore:
		return "datastore"
	case KindSessionAlreadyActive:
		return "session_already_active"
	case KindEngine:
		return "engine"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against an *Error of the matching kind.
var (
	ErrInsufficientAudio    = errors.New("insufficient audio for fingerprinting")
	ErrQuery                = errors.New("datastore query failed")
	ErrDatastore            = errors.New("datastore unavailable")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrEngine               = errors.New("engine failure")

	// ErrMalformedResponse marks a datastore answer that could not be decoded.
	// The engine treats it as an empty candidate set.
	ErrMalformedResponse = errors.New("malformed datastore response")
)

var kindSentinels = map[ErrorKind]error{
	KindInsufficientAudio:    ErrInsufficientAudio,
	KindQuery:                ErrQuery,
	KindDatastore:            ErrDatastore,
	KindSessionAlreadyActive: ErrSessionAlreadyActive,
	KindEngine:               ErrEngine,
}

// Error is a classified pipeline error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
