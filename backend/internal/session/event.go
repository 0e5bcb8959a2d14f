package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the closed set of event kinds carried by the event log.
type EventType string

const (
	EventContentSync       EventType = "content.sync"
	EventParticipantJoined EventType = "participant.joined"
	EventSessionEnded      EventType = "session.ended"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Known reports whether t is part of the closed set.
func (t EventType) Known() bool {
	switch t {
	case EventContentSync, EventParticipantJoined, EventSessionEnded:
		return true
	}
	return false
}

// Event is an immutable record in a session's log. ID is assigned by the
// store and strictly increases within a session.
type Event struct {
	ID        uint64          `json:"id"`
	SessionID string          `json:"session_id"`
	UserID    uint64          `json:"user_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() EventType
}

// ContentSync replaces the whole document with Content.
type ContentSync struct {
	Content string `json:"content"`
}

type ParticipantJoined struct {
	Participant Participant `json:"participant"`
}

type SessionEnded struct {
	EndedAt time.Time `json:"ended_at"`
}

func (ContentSync) EventType() EventType       { return EventContentSync }
func (ParticipantJoined) EventType() EventType { return EventParticipantJoined }
func (SessionEnded) EventType() EventType      { return EventSessionEnded }

// Decode parses the raw payload into its typed form.
func (e Event) Decode() (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch e.Type {
	case EventContentSync:
		var v ContentSync
		err = decodeRaw(e.Payload, &v)
		p = v
	case EventParticipantJoined:
		var v ParticipantJoined
		err = decodeRaw(e.Payload, &v)
		p = v
	case EventSessionEnded:
		var v SessionEnded
		err = decodeRaw(e.Payload, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload of event %d: %w", e.Type, e.ID, err)
	}
	return p, nil
}

// EncodePayload marshals p for storage in Event.Payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeRaw(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
