package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New(2, 10, time.Second)
	user := core.UserId("alice")

	rel1, err := l.Acquire(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if l.InFlight(user) != 1 {
		t.Errorf("expected 1 in flight, got %d", l.InFlight(user))
	}
	rel1()
	if l.InFlight(user) != 0 {
		t.Errorf("expected 0 in flight after release, got %d", l.InFlight(user))
	}
}

func TestMaxInFlightBlocksThirdCaller(t *testing.T) {
	l := New(2, 10, 100*time.Millisecond)
	user := core.UserId("alice")

	rel1, _ := l.Acquire(context.Background(), user)
	rel2, _ := l.Acquire(context.Background(), user)
	defer rel1()
	defer rel2()

	_, err := l.Acquire(context.Background(), user)
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindBusy {
		t.Fatalf("expected KindBusy after hard timeout, got %v", err)
	}
}

func TestWaitQueueFullRejectsImmediately(t *testing.T) {
	l := New(1, 0, time.Second)
	user := core.UserId("alice")

	rel, _ := l.Acquire(context.Background(), user)
	defer rel()

	_, err := l.Acquire(context.Background(), user)
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindBusy {
		t.Fatalf("expected immediate KindBusy with zero wait capacity, got %v", err)
	}
}

func TestIsolatedPerUser(t *testing.T) {
	l := New(1, 10, time.Second)

	rel1, err := l.Acquire(context.Background(), core.UserId("alice"))
	if err != nil {
		t.Fatal(err)
	}
	defer rel1()

	rel2, err := l.Acquire(context.Background(), core.UserId("bob"))
	if err != nil {
		t.Fatalf("expected bob unaffected by alice's slot usage: %v", err)
	}
	defer rel2()
}

func TestCallerContextCancellation(t *testing.T) {
	l := New(1, 10, time.Second)
	user := core.UserId("alice")

	rel, _ := l.Acquire(context.Background(), user)
	defer rel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := l.Acquire(ctx, user)
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindTimeout {
		t.Fatalf("expected KindTimeout on caller cancellation, got %v", err)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	l := New(3, 50, time.Second)
	user := core.UserId("alice")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(context.Background(), user)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			rel()
		}()
	}
	wg.Wait()

	if l.InFlight(user) != 0 {
		t.Errorf("expected 0 in flight after all releases, got %d", l.InFlight(user))
	}
}
