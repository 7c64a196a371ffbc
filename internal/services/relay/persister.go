package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"practice-sync/internal/metrics"
	"practice-sync/internal/models"
	"practice-sync/internal/services"

	"go.uber.org/zap"
)

/*
EVENT PERSISTER

Relayed events are written to the event log by a fixed pool of workers
reading from a bounded channel, so a slow database never stalls a session's
read loop. When the channel is full the event is dropped from the log (it
was already relayed) and counted.
*/

var ErrPersisterClosed = errors.New("relay: persister is shut down")

var errPersisterFull = errors.New("relay: persist queue full")

// PersistJob is one relayed event waiting for the event log.
type PersistJob struct {
	Identity string
	Event    models.SyncEvent
	Raw      []byte
}

type Persister struct {
	events    services.EventRepository
	entities  services.EntityRepository
	retention time.Duration
	log       *zap.SugaredLogger

	// Worker pool components
	jobs    chan PersistJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewPersister(
	events services.EventRepository,
	entities services.EntityRepository,
	numWorkers int,
	queueSize int,
	retention time.Duration,
	log *zap.SugaredLogger,
) *Persister {
	ctx, cancel := context.WithCancel(context.Background())
	if numWorkers < 1 {
		numWorkers = 1
	}

	return &Persister{
		events:    events,
		entities:  entities,
		retention: retention,
		log:       log,
		jobs:      make(chan PersistJob, queueSize),
		workers:   numWorkers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the workers and, when a retention is set, the pruning loop.
func (p *Persister) Start() {
	p.log.Infow("Starting persist worker pool", "workers", p.workers, "queue", cap(p.jobs))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	if p.retention > 0 {
		p.wg.Add(1)
		go p.retentionLoop(time.Hour)
	}
}

func (p *Persister) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		if err := p.persist(job); err != nil {
			p.log.Warnw("Failed to persist relayed event", "worker", id, "identity", job.Identity, "type", job.Event.Type, "error", err)
		}
	}
}

// Submit queues job without blocking.
func (p *Persister) Submit(job PersistJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPersisterClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		metrics.IncPersistDropped()
		return errPersisterFull
	}
}

func (p *Persister) persist(job PersistJob) error {
	rec := &models.EventRecord{
		Identity:  job.Identity,
		Type:      job.Event.Type,
		Payload:   job.Raw,
		Timestamp: job.Event.Timestamp,
	}
	if kind, id, ok := job.Event.EntityRef(); ok {
		rec.EntityKind = kind
		rec.EntityID = id
	}
	return p.events.Append(context.Background(), rec)
}

func (p *Persister) retentionLoop(every time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Prune(p.ctx, time.Now().Add(-p.retention))
		}
	}
}

// Prune removes events and tombstones older than cutoff.
func (p *Persister) Prune(ctx context.Context, cutoff time.Time) {
	if n, err := p.events.PruneBefore(ctx, cutoff); err != nil {
		p.log.Warnw("Event retention failed", "error", err)
	} else if n > 0 {
		p.log.Infow("Pruned relayed events", "count", n, "before", cutoff)
	}
	if n, err := p.entities.PurgeTombstones(ctx, cutoff); err != nil {
		p.log.Warnw("Tombstone purge failed", "error", err)
	} else if n > 0 {
		p.log.Infow("Purged tombstones", "count", n, "before", cutoff)
	}
}

// Shutdown stops accepting jobs and waits until the queued ones are written.
func (p *Persister) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.log.Info("Shutting down persister...")

	// workers drain the closed channel; the context only stops the pruning loop
	p.cancel()
	p.wg.Wait()

	p.log.Info("Persister shutdown complete")
}

// QueueLength returns the number of events waiting for a worker.
func (p *Persister) QueueLength() int {
	return len(p.jobs)
}
