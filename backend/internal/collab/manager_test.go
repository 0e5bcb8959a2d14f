package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/httpapi"
	"collabsync/backend/internal/session"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/storeclient"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastOptions() Options {
	return Options{
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		Debounce:          40 * time.Millisecond,
		SavedDisplay:      300 * time.Millisecond,
	}
}

type harness struct {
	srv    *httptest.Server
	signer *auth.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	signer := auth.NewSigner("test")
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Options{
		Store:  store.NewMemoryStore(),
		Signer: signer,
	}))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, signer: signer}
}

func (h *harness) client(t *testing.T, userID uint64, name string) *storeclient.Client {
	t.Helper()
	token, _, err := h.signer.SignAccessToken(userID, name, time.Hour)
	require.NoError(t, err)
	return storeclient.New(h.srv.URL, token, h.srv.Client())
}

// scriptedLog forwards to a real client unless a hook overrides the call.
type scriptedLog struct {
	EventLog

	mu        sync.Mutex
	heartbeat func(ctx context.Context, id string) error
	list      func(ctx context.Context, id string, after uint64) ([]session.Event, error)
	push      func(ctx context.Context, id string, p session.Payload) (session.Event, error)

	heartbeats  atomic.Int64
	lists       atomic.Int64
	pushes      atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
	pushed      []string
}

func (l *scriptedLog) Heartbeat(ctx context.Context, id string) error {
	l.heartbeats.Add(1)
	l.mu.Lock()
	hook := l.heartbeat
	l.mu.Unlock()
	if hook != nil {
		return hook(ctx, id)
	}
	return l.EventLog.Heartbeat(ctx, id)
}

func (l *scriptedLog) ListEvents(ctx context.Context, id string, after uint64) ([]session.Event, error) {
	l.lists.Add(1)
	l.mu.Lock()
	hook := l.list
	l.mu.Unlock()
	if hook != nil {
		return hook(ctx, id, after)
	}
	return l.EventLog.ListEvents(ctx, id, after)
}

func (l *scriptedLog) AppendEvent(ctx context.Context, id string, p session.Payload) (session.Event, error) {
	l.pushes.Add(1)
	n := l.inflight.Add(1)
	defer l.inflight.Add(-1)
	for {
		seen := l.maxInflight.Load()
		if n <= seen || l.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}
	l.mu.Lock()
	if cs, ok := p.(session.ContentSync); ok {
		l.pushed = append(l.pushed, cs.Content)
	}
	hook := l.push
	l.mu.Unlock()
	if hook != nil {
		return hook(ctx, id, p)
	}
	return l.EventLog.AppendEvent(ctx, id, p)
}

func (l *scriptedLog) setPush(fn func(ctx context.Context, id string, p session.Payload) (session.Event, error)) {
	l.mu.Lock()
	l.push = fn
	l.mu.Unlock()
}

// holdFirstPush blocks the first AppendEvent until the returned func is
// called; later pushes go straight through.
func (l *scriptedLog) holdFirstPush(t *testing.T) func() {
	t.Helper()
	release := make(chan struct{})
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	t.Cleanup(free)
	var held atomic.Bool
	l.setPush(func(ctx context.Context, id string, p session.Payload) (session.Event, error) {
		if held.CompareAndSwap(false, true) {
			<-release
			return l.EventLog.AppendEvent(context.WithoutCancel(ctx), id, p)
		}
		return l.EventLog.AppendEvent(ctx, id, p)
	})
	return free
}

func (l *scriptedLog) setHeartbeat(fn func(ctx context.Context, id string) error) {
	l.mu.Lock()
	l.heartbeat = fn
	l.mu.Unlock()
}

func (l *scriptedLog) setList(fn func(ctx context.Context, id string, after uint64) ([]session.Event, error)) {
	l.mu.Lock()
	l.list = fn
	l.mu.Unlock()
}

func (l *scriptedLog) pushedContents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.pushed...)
}

func newManager(t *testing.T, log EventLog, userID uint64, opts Options) *Manager {
	t.Helper()
	m := NewManager(log, "post-1", userID, opts)
	t.Cleanup(m.Close)
	return m
}

func TestOwnerDraftScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ownerLog := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	owner := newManager(t, ownerLog, 1, fastOptions())

	require.NoError(t, owner.Start(ctx, "# Draft"))
	assert.True(t, owner.Joined())
	assert.Equal(t, StateActive, owner.State())
	assert.Equal(t, "# Draft", owner.Content())

	guest := newManager(t, h.client(t, 2, "bob"), 2, fastOptions())
	require.NoError(t, guest.Refresh(ctx))
	assert.False(t, guest.Joined(), "refresh alone does not join")
	require.NotNil(t, guest.Session())
	require.NoError(t, guest.Join(ctx))
	assert.True(t, guest.Joined())
	assert.Equal(t, "# Draft", guest.Content())

	owner.SetContent("# Draft v")
	owner.SetContent("# Draft v2")
	assert.True(t, owner.Dirty())

	require.Eventually(t, func() bool { return owner.SyncStatus() == SyncSaved }, waitFor, tick)
	assert.False(t, owner.Dirty())
	assert.Equal(t, []string{"# Draft v2"}, ownerLog.pushedContents())

	require.Eventually(t, func() bool { return guest.Content() == "# Draft v2" }, waitFor, tick)
	assert.False(t, guest.Dirty())
	assert.Equal(t, "# Draft v2", owner.Content(), "own echo leaves content alone")

	require.Eventually(t, func() bool { return owner.SyncStatus() == SyncIdle }, waitFor, tick)

	require.Eventually(t, func() bool { return len(owner.Registry().Participants()) == 2 }, waitFor, tick)
	assert.Equal(t, "bob", owner.Registry().Label(2))
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	opts := fastOptions()
	opts.Debounce = 80 * time.Millisecond
	m := newManager(t, log, 1, opts)
	require.NoError(t, m.Start(context.Background(), ""))

	for _, s := range []string{"h", "he", "hel", "hell", "hello"} {
		m.SetContent(s)
	}
	require.Eventually(t, func() bool { return !m.Dirty() && m.SyncStatus() == SyncSaved }, waitFor, tick)
	time.Sleep(3 * opts.Debounce)
	assert.Equal(t, int64(1), log.pushes.Load())
	assert.Equal(t, []string{"hello"}, log.pushedContents())
}

func TestTwoParticipantsConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := newManager(t, h.client(t, 1, "alice"), 1, fastOptions())
	b := newManager(t, h.client(t, 2, "bob"), 2, fastOptions())
	require.NoError(t, a.Start(ctx, "base"))
	require.NoError(t, b.Refresh(ctx))
	require.NoError(t, b.Join(ctx))

	for i := 0; i < 5; i++ {
		a.SetContent("alice " + string(rune('a'+i)))
		b.SetContent("bob " + string(rune('a'+i)))
		time.Sleep(15 * time.Millisecond)
	}

	reader := h.client(t, 1, "alice")
	var want string
	require.Eventually(t, func() bool {
		if a.Dirty() || b.Dirty() || a.SyncStatus() == SyncSaving || b.SyncStatus() == SyncSaving {
			return false
		}
		events, err := reader.ListEvents(ctx, a.Session().ID, 0)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Type != session.EventContentSync {
				continue
			}
			p, err := e.Decode()
			if err != nil {
				return false
			}
			want = p.(session.ContentSync).Content
		}
		return a.Content() == want && b.Content() == want
	}, waitFor, tick)
	assert.NotEqual(t, "base", want)
}

func TestHeartbeatConflictEndsSession(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	m := newManager(t, log, 1, fastOptions())
	require.NoError(t, m.Start(context.Background(), "# Draft"))
	id := m.Session().ID

	log.setHeartbeat(func(context.Context, string) error {
		return &storeclient.StatusError{Op: "heartbeat", Code: http.StatusConflict}
	})
	require.Eventually(t, func() bool { return m.State() == StateEnded }, waitFor, tick)

	s := m.Session()
	require.NotNil(t, s)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, session.StatusEnded, s.Status)
	assert.NotNil(t, s.EndedAt)
	assert.False(t, m.Joined())

	// let calls already past their generation check land
	time.Sleep(30 * time.Millisecond)
	beats, lists := log.heartbeats.Load(), log.lists.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beats, log.heartbeats.Load(), "heartbeat stopped")
	assert.Equal(t, lists, log.lists.Load(), "polling stopped")
}

func TestNotFoundClearsSessionFromEitherLoop(t *testing.T) {
	notFound := &storeclient.StatusError{Code: http.StatusNotFound}
	cases := []struct {
		name string
		arm  func(l *scriptedLog)
	}{
		{"heartbeat", func(l *scriptedLog) {
			l.setHeartbeat(func(context.Context, string) error { return notFound })
		}},
		{"poll", func(l *scriptedLog) {
			l.setList(func(context.Context, string, uint64) ([]session.Event, error) { return nil, notFound })
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
			m := newManager(t, log, 1, fastOptions())
			require.NoError(t, m.Start(context.Background(), "x"))

			tc.arm(log)
			require.Eventually(t, func() bool { return m.Session() == nil }, waitFor, tick)
			assert.False(t, m.Joined())
			assert.Equal(t, StateNone, m.State())
		})
	}
}

func TestTransientFailuresKeepRunning(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	m := newManager(t, log, 1, fastOptions())
	require.NoError(t, m.Start(context.Background(), "x"))

	log.setHeartbeat(func(context.Context, string) error {
		return &storeclient.StatusError{Op: "heartbeat", Code: http.StatusBadGateway}
	})
	require.Eventually(t, func() bool { return m.Message() != "" }, waitFor, tick)
	assert.Equal(t, StateActive, m.State())
	assert.True(t, m.Joined())

	lists := log.lists.Load()
	require.Eventually(t, func() bool { return log.lists.Load() > lists+2 }, waitFor, tick)
}

func TestPollSeesSessionEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := newManager(t, h.client(t, 1, "alice"), 1, fastOptions())
	guestOpts := fastOptions()
	guestOpts.HeartbeatInterval = time.Hour
	guest := newManager(t, h.client(t, 2, "bob"), 2, guestOpts)

	require.NoError(t, owner.Start(ctx, "x"))
	require.NoError(t, guest.Refresh(ctx))
	require.NoError(t, guest.Join(ctx))

	require.NoError(t, owner.End(ctx))
	assert.Equal(t, StateEnded, owner.State())

	require.Eventually(t, func() bool { return guest.State() == StateEnded }, waitFor, tick)
	assert.False(t, guest.Joined())
	assert.NotNil(t, guest.Session().EndedAt)
}

func TestPushFailureSurfacesError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := newManager(t, h.client(t, 1, "alice"), 1, fastOptions())
	require.NoError(t, owner.Start(ctx, "x"))

	viewerOpts := fastOptions()
	viewerOpts.Role = session.RoleViewer
	viewer := newManager(t, h.client(t, 2, "bob"), 2, viewerOpts)
	require.NoError(t, viewer.Refresh(ctx))
	require.NoError(t, viewer.Join(ctx))

	viewer.SetContent("not allowed")
	require.Eventually(t, func() bool { return viewer.SyncStatus() == SyncError }, waitFor, tick)
	assert.True(t, viewer.Dirty())
	assert.Contains(t, viewer.Message(), "push")
	assert.Equal(t, StateActive, viewer.State())
}

func TestJoinRequiresCachedSession(t *testing.T) {
	h := newHarness(t)
	m := newManager(t, h.client(t, 1, "alice"), 1, fastOptions())
	assert.ErrorIs(t, m.Join(context.Background()), ErrNoSession)
	assert.ErrorIs(t, m.End(context.Background()), ErrNoSession)

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, StateNone, m.State())
	assert.Nil(t, m.Session())
}

func TestRefreshKeepsLocalEditsWhileActive(t *testing.T) {
	h := newHarness(t)
	opts := fastOptions()
	opts.Debounce = time.Hour
	m := newManager(t, h.client(t, 1, "alice"), 1, opts)
	require.NoError(t, m.Start(context.Background(), "x"))

	m.SetContent("unsynced")
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, "unsynced", m.Content())
	assert.True(t, m.Dirty())
}

func TestClosedManagerIgnoresLateResults(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	m := newManager(t, log, 1, fastOptions())
	require.NoError(t, m.Start(context.Background(), "x"))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	log.setList(func(ctx context.Context, id string, after uint64) ([]session.Event, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return []session.Event{contentEvent(99, 2, "late")}, nil
	})
	<-entered
	m.Close()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "x", m.Content())
	assert.ErrorIs(t, m.Start(context.Background(), "y"), ErrClosed)
}

func TestEditDuringPushIsPushedAfterIt(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	opts := fastOptions()
	m := newManager(t, log, 1, opts)
	require.NoError(t, m.Start(context.Background(), ""))
	release := log.holdFirstPush(t)

	m.SetContent("first")
	require.Eventually(t, func() bool { return log.pushes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, SyncSaving, m.SyncStatus())

	m.SetContent("second")
	time.Sleep(3 * opts.Debounce)
	assert.Equal(t, int64(1), log.pushes.Load(), "no second push while the first is out")

	release()
	require.Eventually(t, func() bool {
		return !m.Dirty() && m.SyncStatus() == SyncSaved
	}, waitFor, tick)
	assert.Equal(t, []string{"first", "second"}, log.pushedContents())
	assert.Equal(t, int64(1), log.maxInflight.Load())
	assert.Equal(t, "second", m.Content())
}

func TestRejoinDuringPushKeepsOnePushOutstanding(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	opts := fastOptions()
	m := newManager(t, log, 1, opts)
	require.NoError(t, m.Start(context.Background(), ""))
	release := log.holdFirstPush(t)

	m.SetContent("first")
	require.Eventually(t, func() bool { return log.pushes.Load() == 1 }, waitFor, tick)

	require.NoError(t, m.Join(context.Background()))
	assert.Equal(t, SyncIdle, m.SyncStatus())
	m.SetContent("second")
	time.Sleep(3 * opts.Debounce)
	assert.Equal(t, int64(1), log.pushes.Load())

	release()
	require.Eventually(t, func() bool {
		return !m.Dirty() && m.SyncStatus() == SyncSaved
	}, waitFor, tick)
	assert.Equal(t, int64(1), log.maxInflight.Load())
	assert.Equal(t, []string{"first", "second"}, log.pushedContents())
	assert.Equal(t, "second", m.Content())
}

func TestSessionLossDuringPushSettlesStatus(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	m := newManager(t, log, 1, fastOptions())
	require.NoError(t, m.Start(context.Background(), "x"))
	release := log.holdFirstPush(t)

	m.SetContent("unsaved")
	require.Eventually(t, func() bool { return m.SyncStatus() == SyncSaving }, waitFor, tick)

	log.setList(func(context.Context, string, uint64) ([]session.Event, error) {
		return nil, &storeclient.StatusError{Code: http.StatusNotFound}
	})
	require.Eventually(t, func() bool { return m.Session() == nil }, waitFor, tick)
	assert.Equal(t, StateNone, m.State())
	assert.Equal(t, SyncError, m.SyncStatus())
	assert.Contains(t, m.Message(), "push")

	release()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, SyncError, m.SyncStatus(), "late result is ignored")
	assert.Equal(t, "unsaved", m.Content())
}

func TestRepeatedJoinRunsOneLoopOfEach(t *testing.T) {
	h := newHarness(t)
	log := &scriptedLog{EventLog: h.client(t, 1, "alice")}
	m := newManager(t, log, 1, fastOptions())
	require.NoError(t, m.Start(context.Background(), "x"))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Join(context.Background()))
	}
	// let calls from the disarmed loops drain
	time.Sleep(30 * time.Millisecond)

	var mu sync.Mutex
	beatCtx := map[context.Context]int{}
	pollCtx := map[context.Context]int{}
	log.setHeartbeat(func(ctx context.Context, id string) error {
		mu.Lock()
		beatCtx[ctx]++
		mu.Unlock()
		return log.EventLog.Heartbeat(ctx, id)
	})
	log.setList(func(ctx context.Context, id string, after uint64) ([]session.Event, error) {
		mu.Lock()
		pollCtx[ctx]++
		mu.Unlock()
		return log.EventLog.ListEvents(ctx, id, after)
	})
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, beatCtx, 1, "one heartbeat loop")
	assert.Len(t, pollCtx, 1, "one poll loop")
}

// heldActive blocks ActiveSession until release is closed.
type heldActive struct {
	EventLog
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
	ctxErr  atomic.Value
}

func (l *heldActive) ActiveSession(ctx context.Context, documentRef string) (*session.Session, error) {
	l.calls.Add(1)
	select {
	case l.entered <- struct{}{}:
	default:
	}
	<-l.release
	l.ctxErr.Store(fmt.Sprint(ctx.Err()))
	return &session.Session{ID: "s1", DocumentRef: documentRef, Status: session.StatusActive}, nil
}

func TestRefreshSurvivesFirstCallerCancelling(t *testing.T) {
	log := &heldActive{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newManager(t, log, 1, fastOptions())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Refresh(first) }()
	<-log.entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- m.Refresh(context.Background()) }()
	// give the second caller time to join the shared request
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(log.release)
	require.NoError(t, <-secondErr)

	assert.Equal(t, int64(1), log.calls.Load())
	assert.Equal(t, "<nil>", log.ctxErr.Load())
	require.NotNil(t, m.Session())
	assert.Equal(t, "s1", m.Session().ID)
	assert.Equal(t, StateNone, m.State())
}
