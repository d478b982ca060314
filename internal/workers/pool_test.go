package workers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig(name string, numWorkers, queueSize int) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numWorkers,
		QueueSize:       queueSize,
		TaskTimeout:     100 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
		PanicRecovery:   true,
	}
}

func TestSubmitWaitRunsTaskAndReturnsItsError(t *testing.T) {
	t.Parallel()
	pool := NewPool(zap.NewNop(), testConfig("test", 2, 4))
	pool.Start()
	defer pool.Stop()

	if err := pool.SubmitWait(TaskFunc(func() error { return nil })); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}

	wantErr := errors.New("boom")
	if err := pool.SubmitWait(TaskFunc(func() error { return wantErr })); !errors.Is(err, wantErr) {
		t.Errorf("SubmitWait err = %v, want %v", err, wantErr)
	}
}

func TestSubmitWaitBoundsConcurrency(t *testing.T) {
	t.Parallel()
	pool := NewPool(zap.NewNop(), testConfig("test", 2, 8))
	pool.Start()
	defer pool.Stop()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.SubmitWait(TaskFunc(func() error {
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got > 2 {
		t.Errorf("max concurrent tasks = %d, want <= 2 (NumWorkers)", got)
	}
}

func TestExecuteTaskRecoversPanic(t *testing.T) {
	t.Parallel()
	pool := NewPool(zap.NewNop(), testConfig("test", 1, 2))
	pool.Start()
	defer pool.Stop()

	done := make(chan struct{})
	if err := pool.Submit(TaskFunc(func() error {
		defer close(done)
		panic("task blew up")
	})); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never ran to completion")
	}

	// pool must still accept work after recovering from the panic.
	if err := pool.SubmitWait(TaskFunc(func() error { return nil })); err != nil {
		t.Errorf("SubmitWait after panic recovery: %v", err)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	t.Parallel()
	pool := NewPool(zap.NewNop(), testConfig("test", 1, 2))
	pool.Start()
	pool.Stop()

	if err := pool.Submit(TaskFunc(func() error { return nil })); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}
