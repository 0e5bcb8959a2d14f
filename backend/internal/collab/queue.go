package collab

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabsync/backend/internal/session"
)

// debouncer calls fire once delay has passed without another touch.
type debouncer struct {
	delay time.Duration
	fire  func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fire func()) *debouncer {
	return &debouncer{delay: delay, fire: fire}
}

// touch restarts the quiet period.
func (d *debouncer) touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// SetContent replaces the local buffer. While joined to an active session
// the change is pushed once edits pause for the debounce period.
func (m *Manager) SetContent(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || content == m.content {
		return
	}
	m.content = content
	if m.state == StateActive && m.joined {
		m.queue.touch()
	}
	m.notify()
}

// flush pushes the whole buffer as one content.sync event. At most one
// push is in flight; a flush arriving meanwhile is replayed after it.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.closed || m.state != StateActive || !m.joined || m.sess == nil || m.content == m.synced {
		m.mu.Unlock()
		return
	}
	if m.pushing {
		m.pending = true
		m.mu.Unlock()
		return
	}
	m.pushing = true
	m.remoteID = 0
	m.remoteContent = ""
	gen, id, value, ctx := m.gen, m.sess.ID, m.content, m.runCtx
	m.setStatusLocked(SyncSaving)
	m.notify()
	m.mu.Unlock()

	evt, err := m.log.AppendEvent(ctx, id, session.ContentSync{Content: value})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushing = false
	if !m.stale(gen) {
		m.settlePushLocked(id, value, evt, err)
	}
	// an edit made while this push was out is replayed, also after a rearm
	if m.pending && !m.closed && m.state == StateActive && m.joined {
		m.pending = false
		m.queue.touch()
	}
	m.notify()
}

func (m *Manager) settlePushLocked(id, value string, evt session.Event, err error) {
	if err != nil {
		m.setStatusLocked(SyncError)
		m.message = fmt.Sprintf("push: %v", err)
		m.logger.Warn("push_failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	if evt.ID > m.acked {
		m.acked = evt.ID
	}
	// a remote edit with a higher id already won; otherwise the pushed
	// value is the newest in the log
	if m.remoteID < evt.ID {
		if m.remoteID != 0 && m.content == m.remoteContent {
			m.content = value
		}
		m.synced = value
	}
	m.setStatusLocked(SyncSaved)
	m.logger.Debug("push_succeeded", zap.String("session_id", id), zap.Uint64("event_id", evt.ID))
}
