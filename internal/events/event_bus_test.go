package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/internal/store"
	"github.com/optionsdaemon/putseller/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/events.db", t.TempDir())
	s, err := store.Open(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublishAndDispatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bus := New(s, zap.NewNop(), types.EventBusConfig{MaxRetries: 3, MaxEventRuntime: time.Minute}, 2)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 1)

	bus.Subscribe("consumer-a", func(ctx context.Context, e *types.Event) error {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	if err := bus.Publish(context.Background(), types.EventOrderFilled, map[string]any{"trade_id": "trd_1"}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("seen = %v, want 1 event", seen)
	}
}

func TestPublishScheduledEventDeduplicates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bus := New(s, zap.NewNop(), types.EventBusConfig{}, 1)

	ctx := context.Background()
	if err := bus.Publish(ctx, types.EventMarketOpen, nil, "2026-07-30"); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := bus.Publish(ctx, types.EventMarketOpen, nil, "2026-07-30"); err != nil {
		t.Fatalf("duplicate publish should be absorbed, got error: %v", err)
	}

	ev, err := s.Events.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if ev == nil {
		t.Fatal("expected one pending event")
	}
	ev2, err := s.Events.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext second: %v", err)
	}
	if ev2 != nil {
		t.Errorf("second ClaimNext returned %s, want nil (duplicate should not be queued)", ev2.ID)
	}
}

func TestDispatchRetriesFailedHandler(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	bus := New(s, zap.NewNop(), types.EventBusConfig{MaxRetries: 1, MaxEventRuntime: time.Minute}, 1)

	var attempts int
	var mu sync.Mutex
	succeeded := make(chan struct{}, 1)

	bus.Subscribe("flaky", func(ctx context.Context, e *types.Event) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return fmt.Errorf("transient failure")
		}
		succeeded <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	if err := bus.Publish(context.Background(), types.EventAnomalyDetected, nil, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-succeeded:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never succeeded after retry")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2", attempts)
	}
}
