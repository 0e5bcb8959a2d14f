// Package collab keeps one open document in sync with its collaborative
// session over plain request/response calls: it starts or joins the
// session, proves liveness with heartbeats, polls the event log for remote
// edits and pushes debounced local edits as full-content snapshots.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"collabsync/backend/internal/session"
	"collabsync/backend/internal/storeclient"
)

// EventLog is the subset of the session store the manager talks to.
// Failures are classified with storeclient.ErrNotFound and
// storeclient.ErrConflict.
type EventLog interface {
	ActiveSession(ctx context.Context, documentRef string) (*session.Session, error)
	CreateSession(ctx context.Context, documentRef, content string) (*session.Session, error)
	JoinSession(ctx context.Context, sessionID string, role session.Role) (*session.Session, error)
	Heartbeat(ctx context.Context, sessionID string) error
	ListEvents(ctx context.Context, sessionID string, afterID uint64) ([]session.Event, error)
	AppendEvent(ctx context.Context, sessionID string, p session.Payload) (session.Event, error)
	EndSession(ctx context.Context, sessionID string) (*session.Session, error)
}

var _ EventLog = (*storeclient.Client)(nil)

// Manager owns the session lifecycle of one open document. Every timer it
// runs belongs to the instance, so several documents can be open at once.
//
// Async results carry the generation they were started under and are
// dropped when it no longer matches, which happens on every arm, disarm
// and Close.
type Manager struct {
	log         EventLog
	documentRef string
	userID      uint64
	opts        Options
	logger      *zap.Logger
	registry    *Registry
	sf          singleflight.Group
	changes     chan struct{}
	queue       *debouncer

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	gen     uint64
	runCtx  context.Context
	stopRun context.CancelFunc

	state  State
	sess   *session.Session
	joined bool

	content string
	synced  string
	// baseline is the last event id already folded into the snapshot the
	// buffer was reset to.
	baseline uint64
	lastSeen uint64
	// acked is the id of this client's latest acknowledged push.
	acked uint64

	pushing bool
	pending bool
	// remote content.sync applied while the current push was in flight
	remoteID      uint64
	remoteContent string

	status   SyncStatus
	savedSeq uint64
	saved    *time.Timer
	message  string
	activity *activityLog
}

func NewManager(log EventLog, documentRef string, userID uint64, opts Options) *Manager {
	opts = opts.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:         log,
		documentRef: documentRef,
		userID:      userID,
		opts:        opts,
		logger: opts.Logger.With(
			zap.String("document_ref", documentRef),
			zap.Uint64("user_id", userID)),
		registry: NewRegistry(),
		changes:  make(chan struct{}, 1),
		root:     root,
		cancel:   cancel,
		activity: newActivityLog(opts.ActivityLimit),
	}
	m.queue = newDebouncer(opts.Debounce, m.flush)
	return m
}

func (m *Manager) DocumentRef() string { return m.documentRef }
func (m *Manager) UserID() uint64      { return m.userID }
func (m *Manager) Registry() *Registry { return m.registry }

// Changes signals after any observable change. Signals coalesce; readers
// should re-read the state they render.
func (m *Manager) Changes() <-chan struct{} { return m.changes }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

// Dirty reports whether local content has not been pushed yet.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content != m.synced
}

func (m *Manager) SyncStatus() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns a copy of the cached session, or nil.
func (m *Manager) Session() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

func (m *Manager) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *Manager) LastSeenEventID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Activity returns the recent events, oldest first.
func (m *Manager) Activity() []session.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activity.snapshot()
}

// Message is the latest non-fatal error, or "".
func (m *Manager) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// Refresh fetches the active session of the document. Concurrent calls
// share one request.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	// the shared call must outlive any single caller's cancellation
	ch := m.sf.DoChan(m.documentRef, func() (any, error) {
		return m.log.ActiveSession(context.WithoutCancel(ctx), m.documentRef)
	})
	var (
		v   any
		err error
	)
	select {
	case r := <-ch:
		v, err = r.Val, r.Err
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) {
			// confirmed absent; an active or ended session is left to the
			// liveness machinery and to the user
			if m.state == StateNone && m.sess != nil {
				m.sess = nil
				m.registry.Rebuild(nil)
				m.notify()
			}
			return nil
		}
		m.failLocked("refresh", err)
		return err
	}

	s := v.(*session.Session)
	switch {
	case !s.HasParticipant(m.userID):
		m.disarmLocked()
		m.state = StateNone
		m.joined = false
		m.sess = s.Clone()
		m.registry.Rebuild(m.sess.Participants)
		m.resetBufferLocked(s)
		m.settleStatusLocked()
	case m.state == StateActive && m.joined && m.sess != nil && m.sess.ID == s.ID:
		// a plain refresh must not clobber in-flight local edits
		m.sess = s.Clone()
		m.registry.Rebuild(m.sess.Participants)
	default:
		m.activateLocked(s)
	}
	m.notify()
	return nil
}

// Start creates a session for the document seeded with content and joins
// it as owner. Only the document owner should call it.
func (m *Manager) Start(ctx context.Context, content string) error {
	if m.isClosed() {
		return ErrClosed
	}
	s, err := m.log.CreateSession(ctx, m.documentRef, content)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err != nil {
		m.failLocked("start", err)
		return err
	}
	m.activateLocked(s)
	m.message = ""
	m.logger.Info("session_started", zap.String("session_id", s.ID))
	m.notify()
	return nil
}

// Join joins the cached session with the configured role.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	id := m.sess.ID
	m.mu.Unlock()

	s, err := m.log.JoinSession(ctx, id, m.opts.Role)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) && m.sess != nil && m.sess.ID == id {
			m.clearLocked()
		}
		m.failLocked("join", err)
		return err
	}
	m.activateLocked(s)
	m.message = ""
	m.logger.Info("session_joined", zap.String("session_id", s.ID), zap.String("role", string(m.opts.Role)))
	m.notify()
	return nil
}

// End ends the session. The store only accepts it from the owner.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	id := m.sess.ID
	m.mu.Unlock()

	s, err := m.log.EndSession(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sess == nil || m.sess.ID != id {
		return nil
	}
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) {
			m.clearLocked()
		}
		m.failLocked("end", err)
		return err
	}
	m.sess = s.Clone()
	m.endLocked(time.Now())
	m.logger.Info("session_ended", zap.String("session_id", id))
	m.notify()
	return nil
}

// Close stops every timer and discards results that arrive afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.disarmLocked()
	if m.saved != nil {
		m.saved.Stop()
	}
	m.cancel()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// stale reports whether a result started under gen must be dropped.
func (m *Manager) stale(gen uint64) bool {
	return m.closed || gen != m.gen
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Manager) failLocked(op string, err error) {
	m.message = fmt.Sprintf("%s: %v", op, err)
	m.logger.Warn(op+"_failed", zap.Error(err))
	m.notify()
}

func (m *Manager) resetBufferLocked(s *session.Session) {
	m.content = s.ContentSnapshot
	m.synced = s.ContentSnapshot
	m.baseline = s.LastEventID
	m.acked = 0
}

// activateLocked moves to ACTIVE with the caller joined, resets the buffer
// to the session snapshot and rearms heartbeat and polling.
func (m *Manager) activateLocked(s *session.Session) {
	if m.sess == nil || m.sess.ID != s.ID {
		m.lastSeen = 0
		m.activity.reset()
	}
	m.sess = s.Clone()
	m.registry.Rebuild(m.sess.Participants)
	m.resetBufferLocked(s)
	m.setStatusLocked(SyncIdle)
	m.state = StateActive
	m.joined = true
	m.armLocked()
}

// endLocked keeps the session for display but stops all liveness work.
func (m *Manager) endLocked(at time.Time) {
	m.disarmLocked()
	m.state = StateEnded
	m.joined = false
	if m.sess != nil {
		m.sess.MarkEnded(at)
	}
	m.settleStatusLocked()
}

// clearLocked forgets the session entirely.
func (m *Manager) clearLocked() {
	m.disarmLocked()
	m.state = StateNone
	m.joined = false
	m.sess = nil
	m.registry.Rebuild(nil)
	m.settleStatusLocked()
}

// settleStatusLocked drops a "saving" status whose push will no longer be
// acknowledged because the session was disarmed under it.
func (m *Manager) settleStatusLocked() {
	if m.status != SyncSaving {
		return
	}
	if m.content != m.synced {
		m.setStatusLocked(SyncError)
		m.message = "push: session closed before the edit was saved"
		return
	}
	m.setStatusLocked(SyncIdle)
}

func (m *Manager) armLocked() {
	m.disarmLocked()
	ctx, cancel := context.WithCancel(m.root)
	m.runCtx, m.stopRun = ctx, cancel

	gen, id := m.gen, m.sess.ID
	hb := heartbeat{
		interval: m.opts.HeartbeatInterval,
		beat:     func(ctx context.Context) { m.beat(ctx, gen, id) },
	}
	p := poller{
		delay: m.opts.PollInterval,
		poll:  func(ctx context.Context) { m.pollOnce(ctx, gen, id) },
	}
	go hb.run(ctx)
	go p.run(ctx)
	m.logger.Debug("sync_armed", zap.String("session_id", id), zap.Uint64("gen", gen))
}

func (m *Manager) disarmLocked() {
	m.gen++
	if m.stopRun != nil {
		m.stopRun()
		m.stopRun = nil
	}
	m.queue.stop()
	// pushing belongs to the push itself and is released when it returns
	m.pending = false
}

func (m *Manager) beat(ctx context.Context, gen uint64, sessionID string) {
	m.mu.Lock()
	if m.stale(gen) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	err := m.log.Heartbeat(ctx, sessionID)
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stale(gen) {
		return
	}
	switch {
	case errors.Is(err, storeclient.ErrNotFound):
		m.logger.Info("session_gone", zap.String("session_id", sessionID), zap.String("source", "heartbeat"))
		m.clearLocked()
	case errors.Is(err, storeclient.ErrConflict):
		m.logger.Info("session_terminated", zap.String("session_id", sessionID), zap.String("source", "heartbeat"))
		m.endLocked(time.Now())
	default:
		m.message = fmt.Sprintf("heartbeat: %v", err)
		m.logger.Warn("heartbeat_failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.notify()
}

func (m *Manager) pollOnce(ctx context.Context, gen uint64, sessionID string) {
	m.mu.Lock()
	if m.stale(gen) {
		m.mu.Unlock()
		return
	}
	after := m.lastSeen
	m.mu.Unlock()

	events, err := m.log.ListEvents(ctx, sessionID, after)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stale(gen) {
		return
	}
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) {
			m.logger.Info("session_gone", zap.String("session_id", sessionID), zap.String("source", "poll"))
			m.clearLocked()
		} else {
			m.message = fmt.Sprintf("poll: %v", err)
			m.logger.Warn("poll_failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.notify()
		return
	}
	if len(events) == 0 {
		return
	}
	m.applyLocked(events)
	m.notify()
}

// applyLocked folds a batch of events into local state. This is the only
// place event types are dispatched.
func (m *Manager) applyLocked(events []session.Event) {
	for _, e := range events {
		if e.ID <= m.lastSeen {
			continue
		}
		m.lastSeen = e.ID
		m.activity.add(e)

		p, err := e.Decode()
		if err != nil {
			m.logger.Warn("event_decode_failed", zap.Uint64("event_id", e.ID), zap.Error(err))
			continue
		}
		switch p := p.(type) {
		case session.ContentSync:
			if e.UserID == m.userID {
				continue
			}
			if e.ID <= m.baseline || e.ID < m.acked {
				continue
			}
			m.content = p.Content
			m.synced = p.Content
			if m.pushing {
				m.remoteID = e.ID
				m.remoteContent = p.Content
			}
		case session.ParticipantJoined:
			if m.sess != nil && m.sess.AddParticipant(p.Participant) {
				m.registry.Rebuild(m.sess.Participants)
			}
		case session.SessionEnded:
			m.logger.Info("session_terminated", zap.Uint64("event_id", e.ID), zap.String("source", "poll"))
			m.endLocked(p.EndedAt)
			return
		}
	}
}

func (m *Manager) setStatusLocked(s SyncStatus) {
	m.status = s
	m.savedSeq++
	if m.saved != nil {
		m.saved.Stop()
		m.saved = nil
	}
	if s != SyncSaved {
		return
	}
	seq := m.savedSeq
	m.saved = time.AfterFunc(m.opts.SavedDisplay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.savedSeq != seq {
			return
		}
		m.status = SyncIdle
		m.notify()
	})
}
