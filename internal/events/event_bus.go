// Package events is the durable event bus: a SQLite-backed queue that
// survives restart, dispatched through a bounded worker pool with a
// critical-priority fast lane and per-consumer idempotent delivery.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
	"github.com/optionsdaemon/putseller/pkg/utils"
)

// Handler processes one durable event. Returning an error causes the event
// to be retried (subject to MaxRetries) rather than marked done.
type Handler func(ctx context.Context, e *types.Event) error

// Bus claims events from the store one at a time per worker, dispatches
// them to every subscribed handler, and acks the delivery once every
// handler has either succeeded or exhausted its retries.
type Bus struct {
	store  *store.Store
	logger *zap.Logger
	config types.EventBusConfig

	mu          sync.RWMutex
	subscribers map[string]Handler // consumer name -> handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	numWorkers int
}

// New builds a Bus bound to the given store and configuration.
func New(s *store.Store, logger *zap.Logger, cfg types.EventBusConfig, numWorkers int) *Bus {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Bus{
		store:       s,
		logger:      logger.Named("events"),
		config:      cfg,
		subscribers: make(map[string]Handler),
		numWorkers:  numWorkers,
	}
}

// Subscribe registers a named consumer's handler. Consumer names are the
// dedup key recorded in event_consumers, so each must be stable across
// restarts and unique within the process.
func (b *Bus) Subscribe(consumer string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[consumer] = h
}

// Publish durably enqueues an event. Scheduled events (TradingDate set)
// that duplicate an existing (type, trading_date) row are silently
// absorbed, not surfaced as an error, since materialization is idempotent
// by design.
func (b *Bus) Publish(ctx context.Context, typ types.EventType, payload map[string]any, tradingDate string) error {
	e := &types.Event{
		ID:          utils.GenerateEventID(),
		Type:        typ,
		Payload:     payload,
		State:       types.EventStatePending,
		TradingDate: tradingDate,
		CreatedAt:   time.Now().UTC(),
	}
	err := b.store.Events.Create(ctx, e)
	if err == store.ErrDuplicateScheduledEvent {
		b.logger.Debug("scheduled event already materialized", zap.String("type", string(typ)), zap.String("trading_date", tradingDate))
		return nil
	}
	if err != nil {
		return fmt.Errorf("publishing event %s: %w", typ, err)
	}
	return nil
}

// Start launches the worker pool and the stuck-event requeue ticker.
func (b *Bus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)

	for i := 0; i < b.numWorkers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.wg.Add(1)
	go b.requeueLoop()

	b.logger.Info("event bus started", zap.Int("workers", b.numWorkers))
}

// Stop cancels the worker pool and blocks until every worker has drained
// its in-flight claim.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("event bus stopped")
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for b.claimAndDispatchOne() {
				select {
				case <-b.ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// claimAndDispatchOne claims a single pending event and fans it out to
// every subscriber, returning true if an event was found so the worker can
// immediately try for the next one without waiting on the ticker.
func (b *Bus) claimAndDispatchOne() bool {
	ev, err := b.store.Events.ClaimNext(b.ctx)
	if err != nil {
		b.logger.Error("claiming event", zap.Error(err))
		return false
	}
	if ev == nil {
		return false
	}

	b.dispatch(ev)
	return true
}

func (b *Bus) dispatch(ev *types.Event) {
	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.subscribers))
	for name, h := range b.subscribers {
		handlers[name] = h
	}
	b.mu.RUnlock()

	allDone := true
	for consumer, handler := range handlers {
		done, err := b.store.Events.HasConsumed(b.ctx, ev.ID, consumer)
		if err != nil {
			b.logger.Error("checking consumer dedup", zap.Error(err), zap.String("consumer", consumer))
			allDone = false
			continue
		}
		if done {
			continue
		}
		if err := b.invoke(handler, ev); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("consumer", consumer),
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			allDone = false
			continue
		}
		if err := b.store.Events.MarkConsumed(b.ctx, ev.ID, consumer); err != nil {
			b.logger.Error("recording consumer dedup", zap.Error(err))
			allDone = false
		}
	}

	if allDone {
		if err := b.store.Events.MarkDone(b.ctx, ev.ID); err != nil {
			b.logger.Error("marking event done", zap.Error(err), zap.String("event_id", ev.ID))
		}
		return
	}

	maxRetries := b.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if err := b.store.Events.MarkFailedOrRetry(b.ctx, ev.ID, fmt.Errorf("one or more handlers did not complete"), maxRetries); err != nil {
		b.logger.Error("marking event failed/retry", zap.Error(err))
	}
}

// invoke runs handler with panic recovery, matching the fail-safe dispatch
// discipline used elsewhere in this daemon.
func (b *Bus) invoke(handler Handler, ev *types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(b.ctx, ev)
}

func (b *Bus) requeueLoop() {
	defer b.wg.Done()
	maxRuntime := b.config.MaxEventRuntime
	if maxRuntime <= 0 {
		maxRuntime = 5 * time.Minute
	}
	ticker := time.NewTicker(maxRuntime)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			n, err := b.store.Events.RequeueStuck(b.ctx, maxRuntime)
			if err != nil {
				b.logger.Error("requeuing stuck events", zap.Error(err))
				continue
			}
			if n > 0 {
				b.logger.Warn("requeued stuck events", zap.Int64("count", n))
			}
		}
	}
}
