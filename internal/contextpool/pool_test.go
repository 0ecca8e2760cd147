package contextpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

type fakeBrowser struct {
	closed atomic.Bool
}

func (b *fakeBrowser) NewPage(ctx context.Context) (engine.Page, error) { return nil, nil }
func (b *fakeBrowser) Pages(ctx context.Context) ([]engine.Page, error) { return nil, nil }
func (b *fakeBrowser) Request(ctx context.Context, url string, opts engine.RequestOptions) (*engine.FetchResult, error) {
	return nil, nil
}
func (b *fakeBrowser) Close(ctx context.Context) error { b.closed.Store(true); return nil }
func (b *fakeBrowser) IsClosed() bool                  { return b.closed.Load() }

type fakeLauncher struct {
	mu         sync.Mutex
	launches   int
	launchErr  error
	launchSlow time.Duration
}

func (fl *fakeLauncher) Launch(ctx context.Context, profileDir, proxyURL string) (engine.Browser, error) {
	fl.mu.Lock()
	fl.launches++
	fl.mu.Unlock()

	if fl.launchSlow > 0 {
		select {
		case <-time.After(fl.launchSlow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fl.launchErr != nil {
		return nil, fl.launchErr
	}
	return &fakeBrowser{}, nil
}

func TestGetOrLaunchLaunchesOnce(t *testing.T) {
	fl := &fakeLauncher{}
	p := New(fl, t.TempDir(), 10, time.Second)

	b1, err := p.GetOrLaunch(context.Background(), core.UserId("alice"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := p.GetOrLaunch(context.Background(), core.UserId("alice"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b1 != b2 {
		t.Error("expected the same browser instance for the same user")
	}
	if fl.launches != 1 {
		t.Errorf("expected exactly 1 launch, got %d", fl.launches)
	}
}

func TestGetOrLaunchSingleFlight(t *testing.T) {
	fl := &fakeLauncher{launchSlow: 50 * time.Millisecond}
	p := New(fl, t.TempDir(), 10, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.GetOrLaunch(context.Background(), core.UserId("shared"), "")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if fl.launches != 1 {
		t.Errorf("expected single-flight to coalesce into 1 launch, got %d", fl.launches)
	}
}

func TestEvictionWhenOverCapacity(t *testing.T) {
	fl := &fakeLauncher{}
	p := New(fl, t.TempDir(), 1, time.Second)

	var evicted core.UserId
	p.OnEvict(func(userId core.UserId, b engine.Browser) {
		evicted = userId
	})

	b1, err := p.GetOrLaunch(context.Background(), core.UserId("first"), "")
	if err != nil {
		t.Fatal(err)
	}
	p.Release(core.UserId("first"))

	_, err = p.GetOrLaunch(context.Background(), core.UserId("second"), "")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond) // eviction close runs in a goroutine

	if evicted != core.UserId("first") {
		t.Errorf("expected 'first' to be evicted, got %q", evicted)
	}
	if p.Size() != 1 {
		t.Errorf("expected pool size 1 after eviction, got %d", p.Size())
	}
	if fb := b1.(*fakeBrowser); !fb.closed.Load() {
		t.Error("expected evicted browser to be closed")
	}
}

func TestInUseEntryIsNotEvicted(t *testing.T) {
	fl := &fakeLauncher{}
	p := New(fl, t.TempDir(), 1, time.Second)

	_, err := p.GetOrLaunch(context.Background(), core.UserId("busy"), "")
	if err != nil {
		t.Fatal(err)
	}
	// Do not release "busy" - it should not be evicted even over capacity.

	_, err = p.GetOrLaunch(context.Background(), core.UserId("newcomer"), "")
	if err != nil {
		t.Fatal(err)
	}

	if p.Size() != 2 {
		t.Errorf("expected both entries to remain since 'busy' is in use, got size %d", p.Size())
	}
}

func TestGetOrLaunchAfterCloseFails(t *testing.T) {
	fl := &fakeLauncher{}
	p := New(fl, t.TempDir(), 10, time.Second)

	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := p.GetOrLaunch(context.Background(), core.UserId("alice"), "")
	if err != core.ErrContextPoolClosed {
		t.Errorf("expected ErrContextPoolClosed, got %v", err)
	}
}

func TestCloseClosesAllBrowsers(t *testing.T) {
	fl := &fakeLauncher{}
	p := New(fl, t.TempDir(), 10, time.Second)

	b, err := p.GetOrLaunch(context.Background(), core.UserId("alice"), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if fb := b.(*fakeBrowser); !fb.closed.Load() {
		t.Error("expected browser closed after pool Close")
	}
}
