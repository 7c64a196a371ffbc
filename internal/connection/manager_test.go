package connection

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"practice-sync/internal/dispatcher"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/models"
	"practice-sync/internal/queue"
	"practice-sync/internal/watermark"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testIdentity = "user-1"
	testToken    = "secret"
)

// fakeTransport records writes and lets the test inject inbound messages or a close.
type fakeTransport struct {
	mu        sync.Mutex
	writes    [][]byte
	failAfter int // fail the n-th write and every later one; 0 never fails
	closed    bool
	closeCode int

	inbound   chan []byte
	remote    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		remote:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed transport")
	}
	if f.failAfter > 0 && len(f.writes)+1 >= f.failAfter {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Read(context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.remote:
		return nil, err
	case <-f.done:
		return nil, &CloseError{Code: CloseNormal, Reason: "closed locally"}
	}
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// remoteClose simulates the peer or the network ending the connection.
func (f *fakeTransport) remoteClose(code int) {
	f.remote <- &CloseError{Code: code}
}

func (f *fakeTransport) events(t *testing.T) []models.SyncEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.SyncEvent, 0, len(f.writes))
	for _, w := range f.writes {
		ev, err := models.DecodeEvent(w)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeNetwork hands out transports or errors in order.
type fakeNetwork struct {
	mu        sync.Mutex
	results   []any // *fakeTransport or error
	endpoints []string
}

func (n *fakeNetwork) push(results ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, results...)
}

func (n *fakeNetwork) dial(_ context.Context, endpoint string) (Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints = append(n.endpoints, endpoint)
	if len(n.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := n.results[0]
	n.results = n.results[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeTransport), nil
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) after(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

// fireLast runs the newest timer as if it expired, even if it was stopped.
func (s *fakeScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	t.fn()
}

type harness struct {
	manager    *Manager
	queue      *queue.Queue
	store      *kvstore.MemoryStore
	dispatcher *dispatcher.Dispatcher
	watermark  *watermark.Tracker
	network    *fakeNetwork
	scheduler  *fakeScheduler
	now        time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	h := &harness{
		store:     kvstore.NewMemoryStore(),
		network:   &fakeNetwork{},
		scheduler: &fakeScheduler{},
		now:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://sync.test/ws"
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}

	h.queue = queue.New(ctx, h.store, testIdentity, log, queue.WithClock(clock))
	h.dispatcher = dispatcher.New(log)
	h.watermark = watermark.Load(ctx, h.store, testIdentity, log)
	h.manager = New(cfg, h.queue, h.dispatcher, h.watermark, log,
		WithDialer(h.network.dial),
		WithScheduler(h.scheduler.after),
		WithClock(clock),
	)
	t.Cleanup(h.manager.Disconnect)
	return h
}

func goalUpdate(id string, ts time.Time) models.SyncEvent {
	fields, _ := models.EncodeFields(models.Goal{Title: id})
	return models.NewEvent(models.EntityUpdated{Entity: models.Entity{
		ID: id, Kind: models.KindGoal, UpdatedAt: ts, Fields: fields,
	}}, ts)
}

func entityIDs(events []models.SyncEvent) []string {
	var ids []string
	for _, ev := range events {
		if _, id, ok := ev.EntityRef(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestQueuedMutationsFlushInOrderAfterOneSyncRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	ids := []string{"g3", "g1", "g2", "g4"}
	for _, id := range ids {
		require.NoError(t, h.manager.Send(ctx, goalUpdate(id, h.now)))
		h.now = h.now.Add(time.Second)
	}
	require.Equal(t, len(ids), h.manager.OfflineQueueSize())

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	events := tr.events(t)
	require.Len(t, events, len(ids)+1)
	assert.Equal(t, models.EventTypeSyncRequest, events[0].Type)
	for _, ev := range events[1:] {
		assert.NotEqual(t, models.EventTypeSyncRequest, ev.Type)
	}
	assert.Equal(t, ids, entityIDs(events[1:]))
	assert.Equal(t, 0, h.manager.OfflineQueueSize())
	assert.Equal(t, models.StateConnected, h.manager.Status())
}

func TestOfflineEditReplayedAfterReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	lastSync := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	h.watermark.Advance(ctx, lastSync)

	// 10:00, offline edit
	edit := goalUpdate("e1", h.now)
	require.NoError(t, h.manager.Send(ctx, edit))
	assert.Equal(t, 1, h.manager.OfflineQueueSize())

	// 10:05, connect
	h.now = h.now.Add(5 * time.Minute)
	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	events := tr.events(t)
	require.Len(t, events, 2)

	req, ok := events[0].Payload.(models.SyncRequest)
	require.True(t, ok)
	assert.Equal(t, lastSync, req.LastSyncTime)
	assert.Equal(t, h.now, events[0].Timestamp)

	assert.Equal(t, edit, events[1])
	assert.Equal(t, 0, h.manager.OfflineQueueSize())
}

func TestNonMutationWhileOfflineIsNotQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	notice := models.NewEvent(models.ConflictNotice{Kind: models.KindGoal, ID: "g1", Message: "stale"}, h.now)
	require.NoError(t, h.manager.Send(ctx, notice))
	require.NoError(t, h.manager.Send(ctx, models.NewEvent(models.SyncRequest{}, h.now)))

	assert.Equal(t, 0, h.manager.OfflineQueueSize())
	assert.Equal(t, 0, h.store.Writes())
}

func TestSendRejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.manager.Send(context.Background(), models.SyncEvent{Type: models.EventTypeEntryUpdated})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)

	err = h.manager.Send(context.Background(), models.SyncEvent{
		Type: models.EventTypeEntryUpdated, Payload: models.EntityUpdated{},
	})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestSendWhileConnectedWritesLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	require.NoError(t, h.manager.Send(ctx, goalUpdate("g1", h.now)))
	events := tr.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"g1"}, entityIDs(events))
	assert.Equal(t, 0, h.manager.OfflineQueueSize())
}

func TestFailedLiveSendIsQueuedAndReconnects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ReconnectBase: time.Second, ReconnectCap: 30 * time.Second})

	tr := newFakeTransport()
	tr.failAfter = 2 // the SYNC_REQUEST goes through, the next write fails
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	require.NoError(t, h.manager.Send(ctx, goalUpdate("g1", h.now)))
	assert.Equal(t, 1, h.manager.OfflineQueueSize())
	assert.Equal(t, models.StateReconnecting, h.manager.Status())
	assert.Equal(t, []time.Duration{time.Second}, h.scheduler.delays())

	next := newFakeTransport()
	h.network.push(next)
	h.scheduler.fireLast()

	assert.Equal(t, models.StateConnected, h.manager.Status())
	assert.Equal(t, []string{"g1"}, entityIDs(next.events(t)))
	assert.Equal(t, 0, h.manager.OfflineQueueSize())
}

func TestInitialConnectFailureSchedulesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.network.push(errors.New("no route to host"))

	err := h.manager.Connect(context.Background(), testIdentity, testToken)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, models.StateDisconnected, h.manager.Status())
	assert.Equal(t, 0, h.scheduler.count())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, Config{ConnectTimeout: 20 * time.Millisecond})
	h.manager.dial = func(ctx context.Context, _ string) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := h.manager.Connect(context.Background(), testIdentity, testToken)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, models.StateDisconnected, h.manager.Status())
}

func TestConnectTimeoutClosesLateTransport(t *testing.T) {
	h := newHarness(t, Config{ConnectTimeout: 10 * time.Millisecond})
	late := newFakeTransport()
	h.manager.dial = func(ctx context.Context, _ string) (Transport, error) {
		<-ctx.Done()
		return late, nil
	}

	err := h.manager.Connect(context.Background(), testIdentity, testToken)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	closed, code := late.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CloseGoingAway, code)
}

func TestBackoffIsBoundedAndStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{
		ReconnectBase:        time.Second,
		ReconnectCap:         5 * time.Second,
		MaxReconnectAttempts: 4,
	})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	tr.remoteClose(CloseAbnormal)
	require.Eventually(t, func() bool { return h.scheduler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateReconnecting, h.manager.Status())
	require.Eventually(t, func() bool {
		closed, code := tr.isClosed()
		return closed && code == CloseGoingAway
	}, time.Second, 5*time.Millisecond)

	// every reconnect dial fails
	for i := 0; i < 4; i++ {
		h.scheduler.fireLast()
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second,
	}, h.scheduler.delays())
	assert.Equal(t, 4, h.manager.Attempts())
	assert.Equal(t, models.StateDisconnected, h.manager.Status())

	// nothing else is scheduled once attempts are spent
	assert.Equal(t, 4, h.scheduler.count())
}

func TestSuccessfulReconnectResetsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ReconnectBase: time.Second, ReconnectCap: 30 * time.Second})

	first := newFakeTransport()
	h.network.push(first)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	first.remoteClose(4000)
	require.Eventually(t, func() bool { return h.scheduler.count() == 1 }, time.Second, 5*time.Millisecond)

	h.scheduler.fireLast() // refused: 2s next
	second := newFakeTransport()
	h.network.push(second)
	h.scheduler.fireLast()

	assert.Equal(t, models.StateConnected, h.manager.Status())
	assert.Equal(t, 0, h.manager.Attempts())

	second.remoteClose(CloseAbnormal)
	require.Eventually(t, func() bool { return h.scheduler.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, h.scheduler.delays())

	// the reconnect endpoint carries the same identity
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	for _, ep := range h.network.endpoints {
		u, err := url.Parse(ep)
		require.NoError(t, err)
		assert.Equal(t, testIdentity, u.Query().Get("identity"))
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	tr.remoteClose(CloseNormal)
	require.Eventually(t, func() bool {
		return h.manager.Status() == models.StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.scheduler.count())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	tr.remoteClose(CloseAbnormal)
	require.Eventually(t, func() bool { return h.scheduler.count() == 1 }, time.Second, 5*time.Millisecond)

	h.manager.Disconnect()
	h.manager.Disconnect()

	h.scheduler.mu.Lock()
	stopped := h.scheduler.timers[0].stopped
	h.scheduler.mu.Unlock()
	assert.True(t, stopped)
	assert.Equal(t, models.StateDisconnected, h.manager.Status())
	assert.Equal(t, 0, h.manager.Attempts())

	// a timer that fires anyway is ignored
	h.network.push(newFakeTransport())
	h.scheduler.fireLast()
	assert.Equal(t, models.StateDisconnected, h.manager.Status())
}

func TestDisconnectClosesCleanly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	h.manager.Disconnect()
	closed, code := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, models.StateDisconnected, h.manager.Status())
	assert.Equal(t, 0, h.scheduler.count())

	// later sends are queued again
	require.NoError(t, h.manager.Send(ctx, goalUpdate("g9", h.now)))
	assert.Equal(t, 1, h.manager.OfflineQueueSize())
}

func TestInboundEventsAreDispatchedInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	var mu sync.Mutex
	var seen []models.SyncEvent
	h.dispatcher.On(models.EventTypeAny, func(_ context.Context, ev models.SyncEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	t1 := h.now.Add(time.Minute)
	t2 := h.now.Add(2 * time.Minute)
	ping, err := models.EncodeEvent(models.NewEvent(models.Ping{}, t2.Add(time.Hour)))
	require.NoError(t, err)
	first, err := models.EncodeEvent(goalUpdate("a", t1))
	require.NoError(t, err)
	second, err := models.EncodeEvent(goalUpdate("b", t2))
	require.NoError(t, err)

	tr.inbound <- []byte("{not json")
	tr.inbound <- ping
	tr.inbound <- first
	tr.inbound <- []byte(`{"type":"NOT_A_TYPE","timestamp":"2024-05-01T10:00:00Z"}`)
	tr.inbound <- second

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, entityIDs(seen))
	mu.Unlock()

	require.Eventually(t, func() bool { return h.watermark.Current().Equal(t2) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateConnected, h.manager.Status())
}

func TestHeartbeatSendsPing(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 10 * time.Millisecond})

	tr := newFakeTransport()
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(context.Background(), testIdentity, testToken))

	require.Eventually(t, func() bool {
		for _, ev := range tr.events(t) {
			if ev.Type == models.EventTypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestFlushInterruptedKeepsTail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.manager.Send(ctx, goalUpdate(id, h.now)))
		h.now = h.now.Add(time.Second)
	}

	tr := newFakeTransport()
	tr.failAfter = 3 // SYNC_REQUEST and "a" succeed
	h.network.push(tr)
	require.NoError(t, h.manager.Connect(ctx, testIdentity, testToken))

	assert.Equal(t, []string{"a"}, entityIDs(tr.events(t)))
	assert.Equal(t, 2, h.manager.OfflineQueueSize())
	assert.Equal(t, models.StateReconnecting, h.manager.Status())
}

func TestBuildEndpoint(t *testing.T) {
	ep, err := BuildEndpoint("wss://sync.example.com/ws?v=2", "user 1", "t&k")
	require.NoError(t, err)

	u, err := url.Parse(ep)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/ws", u.Path)
	assert.Equal(t, "2", u.Query().Get("v"))
	assert.Equal(t, "user 1", u.Query().Get("identity"))
	assert.Equal(t, "t&k", u.Query().Get("token"))

	_, err = BuildEndpoint("not a url", "u", "t")
	assert.Error(t, err)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, CloseNormal, closeCode(&CloseError{Code: CloseNormal}))
	assert.Equal(t, 4001, closeCode(&CloseError{Code: 4001}))
	assert.Equal(t, CloseAbnormal, closeCode(errors.New("EOF")))
}
