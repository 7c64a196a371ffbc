// Package dispatcher fans inbound and replayed sync events out to the
// handlers registered for their type.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"practice-sync/internal/metrics"
	"practice-sync/internal/middleware"
	"practice-sync/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler processes one event. A returned error or a panic is logged and
// does not affect other handlers.
type Handler func(ctx context.Context, event models.SyncEvent) error

// Subscription identifies one registration so it can be removed with Off.
type Subscription uint64

type registration struct {
	id      Subscription
	handler Handler
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]registration
	nextID   atomic.Uint64
	log      *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[models.EventType][]registration),
		log:      log,
	}
}

// On registers handler for eventType. models.EventTypeAny receives every event.
func (d *Dispatcher) On(eventType models.EventType, handler Handler) Subscription {
	id := Subscription(d.nextID.Add(1))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], registration{id: id, handler: handler})
	return id
}

// Off removes a registration. It reports whether one was removed.
func (d *Dispatcher) Off(eventType models.EventType, sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventType]
	for i, reg := range regs {
		if reg.id != sub {
			continue
		}
		// copy so a concurrent Emit iterating the old slice is unaffected
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, eventType)
		} else {
			d.handlers[eventType] = next
		}
		return true
	}
	return false
}

// Subscribe registers a handler typed on the payload; the event type is
// derived from P.
func Subscribe[P models.Payload](d *Dispatcher, fn func(ctx context.Context, event models.SyncEvent, payload P) error) Subscription {
	var zero P
	return d.On(zero.EventType(), func(ctx context.Context, event models.SyncEvent) error {
		payload, ok := event.Payload.(P)
		if !ok {
			return fmt.Errorf("%w: %s carries %T", models.ErrInvalidEvent, event.Type, event.Payload)
		}
		return fn(ctx, event, payload)
	})
}

// Emit runs every handler registered for the event's type and then every
// wildcard handler. It returns how many of them failed.
func (d *Dispatcher) Emit(ctx context.Context, event models.SyncEvent) int {
	d.mu.RLock()
	specific := d.handlers[event.Type]
	wildcard := d.handlers[models.EventTypeAny]
	d.mu.RUnlock()

	ctx, span := middleware.StartSpan(ctx, "Dispatcher.Emit",
		attribute.String("event.type", string(event.Type)),
		attribute.Int("handlers", len(specific)+len(wildcard)),
	)
	defer span.End()

	metrics.IncEventsDispatched(string(event.Type))

	failed := 0
	for _, regs := range [][]registration{specific, wildcard} {
		for _, reg := range regs {
			if err := d.invoke(ctx, reg, event); err != nil {
				failed++
				metrics.IncHandlerFailures(string(event.Type))
				middleware.AddSpanError(ctx, err)
				d.log.Errorw("Event handler failed", "type", event.Type, "subscription", reg.id, "error", err)
			}
		}
	}
	return failed
}

// Len returns the number of handlers registered for eventType.
func (d *Dispatcher) Len(eventType models.EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, event models.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handler(ctx, event)
}
