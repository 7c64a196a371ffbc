// Package engine wires the sync pipeline for one identity: connection
// manager, offline queue, dispatcher, watermark and one entity store per kind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"practice-sync/internal/config"
	"practice-sync/internal/connection"
	"practice-sync/internal/dispatcher"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/logger"
	"practice-sync/internal/models"
	"practice-sync/internal/queue"
	"practice-sync/internal/store"
	"practice-sync/internal/watermark"

	"go.uber.org/zap"
)

var ErrUnknownKind = errors.New("engine: unknown entity kind")

type options struct {
	dialer    connection.Dialer
	scheduler connection.Scheduler
	now       func() time.Time
	logFor    func(component string) *zap.SugaredLogger
}

type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithScheduler replaces the reconnect timer source.
func WithScheduler(s connection.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithClock sets the clock used for event timestamps and queue expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger derives every component logger from base.
func WithLogger(base *zap.SugaredLogger) Option {
	return func(o *options) {
		if base != nil {
			o.logFor = func(component string) *zap.SugaredLogger { return base.Named(component) }
		}
	}
}

type Engine struct {
	cfg        config.SyncConfig
	queue      *queue.Queue
	dispatcher *dispatcher.Dispatcher
	watermark  *watermark.Tracker
	manager    *connection.Manager
	stores     map[models.EntityKind]*store.EntityStore
	log        *zap.SugaredLogger
}

// Status is the snapshot served by the daemon's status endpoint.
type Status struct {
	Identity        string                    `json:"identity"`
	State           models.ConnectionState    `json:"state"`
	Attempts        int                       `json:"reconnectAttempts"`
	QueueSize       int                       `json:"offlineQueueSize"`
	QueuePersistent bool                      `json:"offlineQueuePersistent"`
	LastSyncTime    *time.Time                `json:"lastSyncTime,omitempty"`
	Entities        map[models.EntityKind]int `json:"entities"`
}

// New builds the pipeline for cfg.Identity on top of kv. Nothing connects
// until Connect or Run is called.
func New(ctx context.Context, cfg config.SyncConfig, kv kvstore.Store, opts ...Option) (*Engine, error) {
	if cfg.Identity == "" {
		return nil, errors.New("engine: identity is required")
	}

	o := &options{logFor: logger.For}
	for _, opt := range opts {
		opt(o)
	}

	queueOpts := []queue.Option{queue.WithTTL(cfg.QueueTTL)}
	connOpts := []connection.Option{
		connection.WithDialer(o.dialer),
		connection.WithScheduler(o.scheduler),
	}
	storeOpts := []store.Option{}
	if o.now != nil {
		queueOpts = append(queueOpts, queue.WithClock(o.now))
		connOpts = append(connOpts, connection.WithClock(o.now))
		storeOpts = append(storeOpts, store.WithClock(o.now))
	}

	e := &Engine{
		cfg:    cfg,
		stores: make(map[models.EntityKind]*store.EntityStore, len(models.AllKinds)),
		log:    o.logFor(logger.ComponentEngine),
	}
	e.queue = queue.New(ctx, kv, cfg.Identity, o.logFor(logger.ComponentQueue), queueOpts...)
	e.dispatcher = dispatcher.New(o.logFor(logger.ComponentDispatcher))
	e.watermark = watermark.Load(ctx, kv, cfg.Identity, o.logFor(logger.ComponentWatermark))
	e.manager = connection.New(connection.Config{
		Endpoint:             cfg.Endpoint,
		ConnectTimeout:       cfg.ConnectTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, e.queue, e.dispatcher, e.watermark, o.logFor(logger.ComponentConnection), connOpts...)

	storeLog := o.logFor(logger.ComponentStore)
	for _, kind := range models.AllKinds {
		s := store.New(ctx, kind, kv, e.manager, storeLog.With("kind", kind), storeOpts...)
		s.Register(e.dispatcher)
		e.stores[kind] = s
	}

	e.log.Infow("Sync engine ready",
		"identity", cfg.Identity,
		"queued", e.queue.Len(),
		"lastSyncTime", e.watermark.Current(),
	)
	return e, nil
}

// Connect opens the connection with the configured identity and credential.
func (e *Engine) Connect(ctx context.Context) error {
	return e.manager.Connect(ctx, e.cfg.Identity, e.cfg.Credential)
}

func (e *Engine) Disconnect() {
	e.manager.Disconnect()
}

// Run keeps the engine connected until ctx is done. The manager handles
// reconnects itself; Run only starts a fresh Connect once the manager has
// given up, at most every RetryInterval.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.RetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer e.Disconnect()

	for {
		if e.manager.Status() == models.StateDisconnected {
			if err := e.Connect(ctx); err != nil {
				e.log.Warnw("Connect failed, retrying later", "retryIn", interval, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Store returns the entity store for kind.
func (e *Engine) Store(kind models.EntityKind) (*store.EntityStore, error) {
	s, ok := e.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

func (e *Engine) LogEntries() *store.EntityStore      { return e.stores[models.KindLogEntry] }
func (e *Engine) Goals() *store.EntityStore           { return e.stores[models.KindGoal] }
func (e *Engine) PracticePlans() *store.EntityStore   { return e.stores[models.KindPracticePlan] }
func (e *Engine) PlanOccurrences() *store.EntityStore { return e.stores[models.KindPlanOccurrence] }

func (e *Engine) Manager() *connection.Manager       { return e.manager }
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }
func (e *Engine) Queue() *queue.Queue                { return e.queue }

func (e *Engine) Status() Status {
	st := Status{
		Identity:        e.cfg.Identity,
		State:           e.manager.Status(),
		Attempts:        e.manager.Attempts(),
		QueueSize:       e.queue.Len(),
		QueuePersistent: e.queue.Persistent(),
		Entities:        make(map[models.EntityKind]int, len(e.stores)),
	}
	if ts := e.watermark.Current(); !ts.IsZero() {
		st.LastSyncTime = &ts
	}
	for kind, s := range e.stores {
		st.Entities[kind] = s.Len()
	}
	return st
}

// LocalEntities lists the live entities of kind held on this device.
func (e *Engine) LocalEntities(kind models.EntityKind) ([]models.Entity, error) {
	s, err := e.Store(kind)
	if err != nil {
		return nil, err
	}
	return s.List(), nil
}
