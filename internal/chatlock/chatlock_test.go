package chatlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gryagbot/gryag-backend/internal/logger"
)

func TestFinishInFlightSkipsDuplicate(t *testing.T) {
	g := NewGate(PolicyFinishInFlight, logger.NewNop())

	release, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := g.Acquire(context.Background(), 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	release()
	release2, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestIndependentChatsDoNotBlock(t *testing.T) {
	g := NewGate(PolicyFinishInFlight, logger.NewNop())

	r1, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("chat 1: %v", err)
	}
	defer r1()

	r2, err := g.Acquire(context.Background(), 2)
	if err != nil {
		t.Fatalf("chat 2 must not be blocked by chat 1: %v", err)
	}
	r2()
}

func TestQueuePolicyWaitsForRelease(t *testing.T) {
	g := NewGate(PolicyQueue, logger.NewNop())

	release, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := g.Acquire(context.Background(), 1)
		if err != nil {
			t.Errorf("queued Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("queued acquire must wait for the in-flight turn")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire never completed")
	}
}

func TestQueuePolicyHonorsContext(t *testing.T) {
	g := NewGate(PolicyQueue, logger.NewNop())

	release, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := NewGate(PolicyFinishInFlight, logger.NewNop())

	release, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // second call must be a no-op, not an underflow

	r, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire after double release: %v", err)
	}
	r()
}

func TestGateUnderContention(t *testing.T) {
	g := NewGate(PolicyQueue, logger.NewNop())

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), 42)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected at most 1 turn in flight, saw %d", maxInFlight)
	}
}
