// Package session holds the wire model shared by the sync engine and the
// session store: sessions, participants and the append-only event log.
package session

import (
	"slices"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleViewer
}

type Participant struct {
	ID          string    `json:"id"`
	UserID      uint64    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Session is one collaborative editing instance bound to one document.
// LastEventID is the id of the newest event already reflected in
// ContentSnapshot.
type Session struct {
	ID              string        `json:"id"`
	DocumentRef     string        `json:"document_ref"`
	OwnerID         uint64        `json:"owner_id"`
	Status          Status        `json:"status"`
	Participants    []Participant `json:"participants"`
	ContentSnapshot string        `json:"content_snapshot"`
	LastEventID     uint64        `json:"last_event_id"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

func (s *Session) IsActive() bool { return s != nil && s.Status == StatusActive }

// HasParticipant reports whether userID has joined s.
func (s *Session) HasParticipant(userID uint64) bool {
	_, ok := s.Participant(userID)
	return ok
}

func (s *Session) Participant(userID uint64) (Participant, bool) {
	if s == nil {
		return Participant{}, false
	}
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// AddParticipant appends p unless a participant with the same user id is
// already present. It returns false when nothing was added.
func (s *Session) AddParticipant(p Participant) bool {
	if s.HasParticipant(p.UserID) {
		return false
	}
	s.Participants = append(s.Participants, p)
	return true
}

// MarkEnded flips the session to ended, stamping EndedAt with now unless it
// is already set.
func (s *Session) MarkEnded(now time.Time) {
	s.Status = StatusEnded
	if s.EndedAt == nil {
		t := now
		s.EndedAt = &t
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
