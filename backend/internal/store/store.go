// Package store is the session/event persistence behind the HTTP API.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabsync/backend/internal/session"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrConflict  = errors.New("session conflict")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid request")
)

// Actor identifies the authenticated caller.
type Actor struct {
	UserID      uint64
	DisplayName string
}

// Store is the contract shared by the memory and MySQL implementations.
type Store interface {
	ActiveSession(ctx context.Context, documentRef string) (*session.Session, error)
	Session(ctx context.Context, sessionID string) (*session.Session, error)
	CreateSession(ctx context.Context, documentRef string, owner Actor, content string) (*session.Session, error)
	JoinSession(ctx context.Context, sessionID string, actor Actor, role session.Role) (*session.Session, error)
	Heartbeat(ctx context.Context, sessionID string, userID uint64) error
	Events(ctx context.Context, sessionID string, afterID uint64, limit int) ([]session.Event, error)
	AppendEvent(ctx context.Context, sessionID string, userID uint64, typ session.EventType, payload json.RawMessage) (session.Event, error)
	EndSession(ctx context.Context, sessionID string, userID uint64) (*session.Session, error)
	DeleteSession(ctx context.Context, sessionID string, userID uint64) error
}

// Publisher receives every event after it has been committed to the log.
type Publisher interface {
	Publish(ctx context.Context, evt session.Event) error
}

// checkAppend validates a client-submitted event against the session state
// and returns the new snapshot content for content.sync events.
func checkAppend(s *session.Session, userID uint64, typ session.EventType, payload json.RawMessage) (string, error) {
	if s.Status != session.StatusActive {
		return "", fmt.Errorf("%w: session %s has ended", ErrConflict, s.ID)
	}
	p, ok := s.Participant(userID)
	if !ok {
		return "", fmt.Errorf("%w: user %d is not a participant", ErrConflict, userID)
	}
	if typ != session.EventContentSync {
		// Joins and endings are written by the store itself.
		return "", fmt.Errorf("%w: event type %q cannot be appended directly", ErrInvalid, typ)
	}
	if p.Role != session.RoleEditor {
		return "", fmt.Errorf("%w: viewers cannot push content", ErrForbidden)
	}
	decoded, err := session.Event{Type: typ, Payload: payload}.Decode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return decoded.(session.ContentSync).Content, nil
}

func checkMember(s *session.Session, userID uint64) error {
	if s.Status != session.StatusActive {
		return fmt.Errorf("%w: session %s has ended", ErrConflict, s.ID)
	}
	if !s.HasParticipant(userID) {
		return fmt.Errorf("%w: user %d is not a participant", ErrConflict, userID)
	}
	return nil
}

func mustPayload(p session.Payload) json.RawMessage {
	raw, err := session.EncodePayload(p)
	if err != nil {
		panic(err)
	}
	return raw
}
