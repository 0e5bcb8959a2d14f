package collab

import (
	"fmt"
	"sort"
	"sync"

	"collabsync/backend/internal/session"
)

// Registry resolves user ids to participants for rendering. It is rebuilt
// from the session's participant list whenever that list changes.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uint64]session.Participant
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[uint64]session.Participant)}
}

func (r *Registry) Rebuild(participants []session.Participant) {
	m := make(map[uint64]session.Participant, len(participants))
	for _, p := range participants {
		m[p.UserID] = p
	}
	r.mu.Lock()
	r.byUser = m
	r.mu.Unlock()
}

func (r *Registry) Lookup(userID uint64) (session.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	return p, ok
}

// Label returns the display name of userID, or "Participant #<id>" when the
// user is unknown or has no name.
func (r *Registry) Label(userID uint64) string {
	if p, ok := r.Lookup(userID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return fmt.Sprintf("Participant #%d", userID)
}

// Participants returns the known participants ordered by join time.
func (r *Registry) Participants() []session.Participant {
	r.mu.RLock()
	out := make([]session.Participant, 0, len(r.byUser))
	for _, p := range r.byUser {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
