package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{KindInsufficientAudio, ErrInsufficientAudio},
		{KindQuery, ErrQuery},
		{KindDatastore, ErrDatastore},
		{KindSessionAlreadyActive, ErrSessionAlreadyActive},
		{KindEngine, ErrEngine},
	}

	for _, tt := range tests {
		err := fmt.Errorf("outer: %w", NewError(tt.kind, "op", errors.New("boom")))
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("kind %s: expected errors.Is to match its sentinel", tt.kind)
		}
		if errors.Is(err, ErrMalformedResponse) {
			t.Errorf("kind %s: unexpected match on ErrMalformedResponse", tt.kind)
		}
		if KindOf(err) != tt.kind {
			t.Errorf("KindOf = %s, expected %s", KindOf(err), tt.kind)
		}
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := NewError(KindQuery, "query", ErrMalformedResponse)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Error("expected wrapped cause to be reachable")
	}
	if err.Error() != "query: malformed datastore response" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if NewError(KindEngine, "decide", nil).Error() != "decide: engine" {
		t.Errorf("unexpected message for nil cause")
	}
}

func TestTrackMetadata(t *testing.T) {
	tests := []struct {
		track    Track
		expected string
	}{
		{Track{ID: "1", Title: "Sandstorm", Artist: "Darude"}, "Darude - Sandstorm"},
		{Track{ID: "2", Title: "Untitled"}, "Untitled"},
		{Track{ID: "3", Artist: " Solo "}, "Solo"},
		{Track{ID: "4"}, "4"},
	}
	for _, tt := range tests {
		if got := tt.track.Metadata(); got != tt.expected {
			t.Errorf("Metadata() = %q, expected %q", got, tt.expected)
		}
	}
}
