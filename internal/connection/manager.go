// Package connection owns the transport lifecycle of the sync engine: connect,
// heartbeat, clean and unclean close detection and bounded reconnection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"practice-sync/internal/metrics"
	"practice-sync/internal/middleware"
	"practice-sync/internal/models"
	"practice-sync/internal/queue"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrConnectFailed is returned by Connect when the transport never opened.
	ErrConnectFailed = errors.New("connection: connect failed")
	// ErrConnectTimeout wraps a dial that outlived Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("connection: connect timed out")
	// ErrSuperseded is returned when Disconnect or another Connect won the race.
	ErrSuperseded = errors.New("connection: attempt superseded")
)

type Config struct {
	Endpoint             string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
}

// Queue is the offline mutation queue as seen by the manager.
type Queue interface {
	Enqueue(ctx context.Context, event models.SyncEvent) bool
	Flush(ctx context.Context, send queue.SendFunc) (int, error)
	Len() int
}

// Dispatcher receives every inbound event except heartbeats.
type Dispatcher interface {
	Emit(ctx context.Context, event models.SyncEvent) int
}

// Watermark supplies lastSyncTime and records processed inbound events.
type Watermark interface {
	Current() time.Time
	Advance(ctx context.Context, ts time.Time) bool
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		if s != nil {
			m.after = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

/*
Manager locking:

  writeMu  serializes every transport write (live sends, heartbeat, the
           SYNC_REQUEST + flush sequence on open). Taken before mu.
  mu       guards state, attempts, transport, timer and gen.

gen changes whenever a transport is dropped or a new Connect starts. Read
loops, heartbeats, dials and reconnect timers carry the gen they were
started with and do nothing once it is stale, so at most one reconnect
timer is ever live.
*/
type Manager struct {
	cfg        Config
	queue      Queue
	dispatcher Dispatcher
	watermark  Watermark
	dial       Dialer
	after      Scheduler
	now        func() time.Time
	log        *zap.SugaredLogger

	writeMu sync.Mutex

	mu            sync.Mutex
	state         *fsm.FSM
	policy        *backoff.ExponentialBackOff
	identity      string
	credential    string
	transport     Transport
	gen           uint64
	attempts      int
	timer         Timer
	heartbeatStop chan struct{}
	connCancel    context.CancelFunc
}

func New(cfg Config, q Queue, d Dispatcher, w Watermark, log *zap.SugaredLogger, opts ...Option) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		cfg.ReconnectCap = cfg.ReconnectBase
	}

	m := &Manager{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		watermark:  w,
		dial:       NewWebsocketDialer(),
		after:      realScheduler,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
		state:      newStateMachine(log),
		policy:     newReconnectPolicy(cfg.ReconnectBase, cfg.ReconnectCap),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the transport for identity. On success the heartbeat starts,
// a SYNC_REQUEST carrying the watermark is sent and the offline queue is
// flushed behind it. If the transport never opens, Connect returns an error
// wrapping ErrConnectFailed and no reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context, identity, credential string) error {
	endpoint, err := BuildEndpoint(m.cfg.Endpoint, identity, credential)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.mu.Lock()
	old := m.resetLocked()
	m.identity, m.credential = identity, credential
	fire(m.state, eventConnect, m.log)
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close(CloseNormal, "reconnecting")
	}

	m.log.Infow("Connecting", "identity", identity)
	return m.open(ctx, gen, endpoint, true)
}

// Disconnect closes the transport cleanly and cancels the heartbeat and any
// pending reconnect. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t := m.resetLocked()
	fire(m.state, eventDisconnect, m.log)
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(CloseNormal, "client disconnect"); err != nil {
			m.log.Debugw("Transport close failed", "error", err)
		}
		m.log.Info("Disconnected")
	}
}

// Send writes event live when connected and queues it otherwise. Transport
// and storage failures are absorbed; only an invalid event is an error.
func (m *Manager) Send(ctx context.Context, event models.SyncEvent) error {
	data, err := models.EncodeEvent(event)
	if err != nil {
		return err
	}

	m.writeMu.Lock()

	m.mu.Lock()
	t := m.transport
	gen := m.gen
	live := t != nil && m.state.Current() == stateConnected
	m.mu.Unlock()

	var writeErr error
	if live {
		if writeErr = t.Write(ctx, data); writeErr == nil {
			m.writeMu.Unlock()
			return nil
		}
		m.log.Warnw("Live send failed, queueing", "type", event.Type, "error", writeErr)
	}

	m.queue.Enqueue(ctx, event)
	m.writeMu.Unlock()

	if writeErr != nil {
		m.connectionLost(gen, CloseAbnormal, writeErr)
	}
	return nil
}

// Status returns the current connection state.
func (m *Manager) Status() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ConnectionState(m.state.Current())
}

// OfflineQueueSize returns the number of mutations waiting for a connection.
func (m *Manager) OfflineQueueSize() int {
	return m.queue.Len()
}

// Attempts returns the reconnect attempts used since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// resetLocked invalidates the current generation and returns the transport
// the caller must close after releasing mu.
func (m *Manager) resetLocked() Transport {
	m.gen++
	m.cancelTimerLocked()
	m.stopConnectionLocked()
	m.attempts = 0
	m.policy.Reset()

	t := m.transport
	m.transport = nil
	return t
}

func (m *Manager) open(ctx context.Context, gen uint64, endpoint string, initial bool) error {
	ctx, span := middleware.StartSpan(ctx, "Connection.Open",
		attribute.Bool("initial", initial),
		attribute.Int("attempt", m.Attempts()),
	)
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	t, err := m.dial(dialCtx, endpoint)
	if err == nil && dialCtx.Err() != nil {
		// the dialer ignored the deadline
		_ = t.Close(CloseGoingAway, "connect timeout")
		t, err = nil, dialCtx.Err()
	}
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, m.cfg.ConnectTimeout, err)
		}
		middleware.AddSpanError(ctx, err)
		return m.openFailed(gen, initial, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = t.Close(CloseNormal, "superseded")
		return ErrSuperseded
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	m.transport = t
	m.connCancel = connCancel
	m.heartbeatStop = stop
	m.attempts = 0
	m.policy.Reset()
	fire(m.state, eventOpen, m.log)
	m.mu.Unlock()

	m.log.Infow("Connected", "identity", m.identity)

	go m.readLoop(connCtx, gen, t)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(gen, stop)
	}

	m.onOpen(ctx, gen, t)
	return nil
}

// openFailed handles a dial that produced no transport.
func (m *Manager) openFailed(gen uint64, initial bool, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return ErrSuperseded
	}
	if initial {
		fire(m.state, eventGiveUp, m.log)
		m.log.Warnw("Connect failed", "error", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	m.log.Warnw("Reconnect attempt failed", "attempt", m.attempts, "error", err)
	m.gen++
	m.scheduleReconnectLocked()
	return err
}

// onOpen runs with writeMu held: no live send can overtake the sync request
// or the replayed queue.
func (m *Manager) onOpen(ctx context.Context, gen uint64, t Transport) {
	request := models.NewEvent(models.SyncRequest{LastSyncTime: m.watermark.Current()}, m.now())
	if err := m.write(ctx, t, request); err != nil {
		m.log.Warnw("Sync request failed", "error", err)
		m.connectionLost(gen, CloseAbnormal, err)
		return
	}

	sent, err := m.queue.Flush(ctx, func(ctx context.Context, event models.SyncEvent) error {
		return m.write(ctx, t, event)
	})
	if err != nil {
		m.log.Warnw("Offline queue flush interrupted", "sent", sent, "remaining", m.queue.Len(), "error", err)
		m.connectionLost(gen, CloseAbnormal, err)
		return
	}
	if sent > 0 {
		m.log.Infow("Offline queue flushed", "sent", sent)
	}
}

func (m *Manager) write(ctx context.Context, t Transport, event models.SyncEvent) error {
	data, err := models.EncodeEvent(event)
	if err != nil {
		return err
	}
	return t.Write(ctx, data)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.connectionLost(gen, closeCode(err), err)
			return
		}

		event, err := models.DecodeEvent(data)
		if err != nil {
			metrics.IncInboundDropped()
			m.log.Warnw("Dropping malformed message", "error", err, "size", len(data))
			continue
		}
		if event.Type == models.EventTypePing {
			continue
		}

		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}

		if failed := m.dispatcher.Emit(ctx, event); failed == 0 {
			m.watermark.Advance(ctx, event.Timestamp)
		}
	}
}

func (m *Manager) heartbeat(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.ping(gen) {
				return
			}
		}
	}
}

func (m *Manager) ping(gen uint64) bool {
	m.writeMu.Lock()

	m.mu.Lock()
	t := m.transport
	ok := gen == m.gen && t != nil && m.state.Current() == stateConnected
	m.mu.Unlock()
	if !ok {
		m.writeMu.Unlock()
		return false
	}

	err := m.write(context.Background(), t, models.NewEvent(models.Ping{}, m.now()))
	m.writeMu.Unlock()

	if err != nil {
		m.connectionLost(gen, CloseAbnormal, err)
		return false
	}
	return true
}

// connectionLost tears down generation gen. A clean close ends in
// disconnected; anything else schedules a reconnect while attempts remain.
func (m *Manager) connectionLost(gen uint64, code int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.gen++
	m.stopConnectionLocked()
	t := m.transport
	m.transport = nil

	if code == CloseNormal {
		fire(m.state, eventGiveUp, m.log)
		m.mu.Unlock()
		m.log.Infow("Connection closed by peer", "code", code)
	} else {
		m.log.Warnw("Connection lost", "code", code, "error", cause)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
	}

	if t != nil {
		_ = t.Close(CloseGoingAway, "connection lost")
	}
}

// scheduleReconnectLocked arms the single reconnect timer for the current gen,
// or gives up once the attempts are spent.
func (m *Manager) scheduleReconnectLocked() {
	m.cancelTimerLocked()

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		fire(m.state, eventGiveUp, m.log)
		m.log.Warnw("Reconnect attempts exhausted", "attempts", m.attempts, "queued", m.queue.Len())
		return
	}

	delay := m.policy.NextBackOff()
	m.attempts++
	metrics.IncReconnectAttempts()
	fire(m.state, eventFail, m.log)

	gen := m.gen
	m.log.Infow("Scheduling reconnect", "attempt", m.attempts, "max", m.cfg.MaxReconnectAttempts, "delay", delay)
	m.timer = m.after(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.Current() != stateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	fire(m.state, eventConnect, m.log)
	identity, credential := m.identity, m.credential
	m.mu.Unlock()

	endpoint, err := BuildEndpoint(m.cfg.Endpoint, identity, credential)
	if err != nil {
		_ = m.openFailed(gen, false, err)
		return
	}
	_ = m.open(context.Background(), gen, endpoint, false)
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) stopConnectionLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
}
