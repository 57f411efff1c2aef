package acousticdna

import (
	"encoding/json"
	"errors"

	"github.com/himanishpuri/acousticdna-listen/pkg/acousticdna/engine"
	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Message is the JSON shape of a session outcome sent to clients.
type Message struct {
	Status  string         `json:"status"`
	Session string         `json:"Session,omitempty"`
	Kind    string         `json:"Kind,omitempty"`
	Reason  string         `json:"Reason,omitempty"`
	Matches []MatchMessage `json:"Matches"`
	Error   string         `json:"Error,omitempty"`
}

type MatchMessage struct {
	Metadata string  `json:"Metadata"`
	TrackID  string  `json:"TrackID"`
	Title    string  `json:"Title"`
	Artist   string  `json:"Artist"`
	Score    float64 `json:"Score"`
	Evidence int     `json:"Evidence"`
	OffsetMs int32   `json:"OffsetMs"`
}

func ResultMessage(r models.MatchResult) Message {
	msg := Message{
		Status:  StatusOK,
		Session: r.SessionID,
		Kind:    r.Kind.String(),
		Reason:  string(r.Reason),
		Matches: make([]MatchMessage, 0, len(r.Candidates)),
	}
	for _, c := range r.Candidates {
		msg.Matches = append(msg.Matches, MatchMessage{
			Metadata: c.Track.Metadata(),
			TrackID:  c.Track.ID,
			Title:    c.Track.Title,
			Artist:   c.Track.Artist,
			Score:    c.Score,
			Evidence: c.Evidence,
			OffsetMs: c.OffsetMs,
		})
	}
	return msg
}

func ErrorMessage(kind models.ErrorKind, text string) Message {
	return Message{Status: StatusError, Kind: kind.String(), Matches: []MatchMessage{}, Error: text}
}

// EncodeOutcome renders an engine outcome as a client message.
func EncodeOutcome(o engine.Outcome) ([]byte, error) {
	switch {
	case o.Err != nil:
		msg := ErrorMessage(o.Err.Kind, o.Err.Error())
		msg.Session = o.SessionID
		return json.Marshal(msg)
	case o.Result != nil:
		return json.Marshal(ResultMessage(*o.Result))
	}
	return nil, errors.New("outcome has neither result nor error")
}

// JSONListener encodes every outcome and hands it to Send.
type JSONListener struct {
	Send func([]byte)
}

func (l JSONListener) OnResult(r models.MatchResult) {
	l.send(ResultMessage(r))
}

func (l JSONListener) OnError(kind models.ErrorKind, message string) {
	l.send(ErrorMessage(kind, message))
}

func (l JSONListener) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil || l.Send == nil {
		return
	}
	l.Send(data)
}
