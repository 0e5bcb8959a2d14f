package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/backend/internal/session"
)

const DefaultRetention = 1024

type sessionState struct {
	mu     sync.RWMutex
	sess   *session.Session
	nextID uint64
	// recent events, oldest first; capped at the store retention
	log []session.Event
}

// MemoryStore keeps every session in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionState
	active    map[string]string // document ref -> active session id
	retention int

	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithRetention caps the number of events kept per session.
func WithRetention(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

func WithPublisher(p Publisher) MemoryOption {
	return func(s *MemoryStore) { s.pub = p }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithLogger(l *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[string]*sessionState),
		active:    make(map[string]string),
		retention: DefaultRetention,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) lookup(sessionID string) (*sessionState, error) {
	s.mu.RLock()
	st := s.sessions[sessionID]
	s.mu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return st, nil
}

func (s *MemoryStore) ActiveSession(ctx context.Context, documentRef string) (*session.Session, error) {
	s.mu.RLock()
	id, ok := s.active[documentRef]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no active session for %s", ErrNotFound, documentRef)
	}
	return s.Session(ctx, id)
}

func (s *MemoryStore) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sess.Clone(), nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, documentRef string, owner Actor, content string) (*session.Session, error) {
	if documentRef == "" {
		return nil, fmt.Errorf("%w: empty document ref", ErrInvalid)
	}
	now := s.now()
	owned := session.Participant{
		ID:          uuid.NewString(),
		UserID:      owner.UserID,
		DisplayName: owner.DisplayName,
		Role:        session.RoleEditor,
		JoinedAt:    now,
	}
	st := &sessionState{
		sess: &session.Session{
			ID:              uuid.NewString(),
			DocumentRef:     documentRef,
			OwnerID:         owner.UserID,
			Status:          session.StatusActive,
			Participants:    []session.Participant{owned},
			ContentSnapshot: content,
			StartedAt:       now,
		},
		log: make([]session.Event, 0, min(s.retention, 64)),
	}

	s.mu.Lock()
	if id, ok := s.active[documentRef]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: document %s already has active session %s", ErrConflict, documentRef, id)
	}
	s.sessions[st.sess.ID] = st
	s.active[documentRef] = st.sess.ID
	s.mu.Unlock()

	st.mu.Lock()
	evt := s.appendLocked(st, owner.UserID, session.EventParticipantJoined, mustPayload(session.ParticipantJoined{Participant: owned}))
	st.sess.LastEventID = evt.ID
	out := st.sess.Clone()
	st.mu.Unlock()

	s.publish(ctx, evt)
	return out, nil
}

func (s *MemoryStore) JoinSession(ctx context.Context, sessionID string, actor Actor, role session.Role) (*session.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.sess.Status != session.StatusActive {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s has ended", ErrConflict, sessionID)
	}
	if st.sess.HasParticipant(actor.UserID) {
		out := st.sess.Clone()
		st.mu.Unlock()
		return out, nil
	}
	p := session.Participant{
		ID:          uuid.NewString(),
		UserID:      actor.UserID,
		DisplayName: actor.DisplayName,
		Role:        role,
		JoinedAt:    s.now(),
	}
	st.sess.AddParticipant(p)
	evt := s.appendLocked(st, actor.UserID, session.EventParticipantJoined, mustPayload(session.ParticipantJoined{Participant: p}))
	out := st.sess.Clone()
	st.mu.Unlock()

	s.publish(ctx, evt)
	return out, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, sessionID string, userID uint64) error {
	st, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return checkMember(st.sess, userID)
}

// Events returns the retained events with id greater than afterID.
func (s *MemoryStore) Events(ctx context.Context, sessionID string, afterID uint64, limit int) ([]session.Event, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]session.Event, 0)
	for _, e := range st.log {
		if e.ID > afterID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, sessionID string, userID uint64, typ session.EventType, payload json.RawMessage) (session.Event, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return session.Event{}, err
	}
	st.mu.Lock()
	content, err := checkAppend(st.sess, userID, typ, payload)
	if err != nil {
		st.mu.Unlock()
		return session.Event{}, err
	}
	evt := s.appendLocked(st, userID, typ, payload)
	st.sess.ContentSnapshot = content
	st.sess.LastEventID = evt.ID
	st.mu.Unlock()

	s.publish(ctx, evt)
	return evt, nil
}

func (s *MemoryStore) EndSession(ctx context.Context, sessionID string, userID uint64) (*session.Session, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.sess.OwnerID != userID {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: only the owner can end session %s", ErrForbidden, sessionID)
	}
	if st.sess.Status != session.StatusActive {
		out := st.sess.Clone()
		st.mu.Unlock()
		return out, nil
	}
	now := s.now()
	st.sess.MarkEnded(now)
	evt := s.appendLocked(st, userID, session.EventSessionEnded, mustPayload(session.SessionEnded{EndedAt: now}))
	out := st.sess.Clone()
	docRef := st.sess.DocumentRef
	st.mu.Unlock()

	s.mu.Lock()
	if s.active[docRef] == sessionID {
		delete(s.active, docRef)
	}
	s.mu.Unlock()

	s.publish(ctx, evt)
	return out, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string, userID uint64) error {
	st, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	st.mu.RLock()
	owner, docRef := st.sess.OwnerID, st.sess.DocumentRef
	st.mu.RUnlock()
	if owner != userID {
		return fmt.Errorf("%w: only the owner can delete session %s", ErrForbidden, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	if s.active[docRef] == sessionID {
		delete(s.active, docRef)
	}
	return nil
}

// appendLocked assigns the next id and stores the event, dropping the
// oldest one once the retention cap is reached. st.mu must be held.
func (s *MemoryStore) appendLocked(st *sessionState, userID uint64, typ session.EventType, payload json.RawMessage) session.Event {
	st.nextID++
	evt := session.Event{
		ID:        st.nextID,
		SessionID: st.sess.ID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if s.retention > 0 && len(st.log) >= s.retention {
		copy(st.log[0:], st.log[1:])
		st.log = st.log[:len(st.log)-1]
	}
	st.log = append(st.log, evt)
	return evt
}

func (s *MemoryStore) publish(ctx context.Context, evt session.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.logger.Warn("event_publish_failed",
			zap.String("session_id", evt.SessionID),
			zap.Uint64("event_id", evt.ID),
			zap.Error(err))
	}
}
