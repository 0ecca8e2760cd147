package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

type fakePage struct {
	id     string
	closed atomic.Bool
}

func (p *fakePage) Goto(ctx context.Context, url string) error           { return nil }
func (p *fakePage) URL() string                                          { return "" }
func (p *fakePage) Title(ctx context.Context) (string, error)            { return "", nil }
func (p *fakePage) Reload(ctx context.Context) error                     { return nil }
func (p *fakePage) GoBack(ctx context.Context) error                     { return nil }
func (p *fakePage) GoForward(ctx context.Context) error                  { return nil }
func (p *fakePage) Close(ctx context.Context) error                      { p.closed.Store(true); return nil }
func (p *fakePage) IsClosed() bool                                       { return p.closed.Load() }
func (p *fakePage) Evaluate(ctx context.Context, js string) (string, error) { return "", nil }
func (p *fakePage) ScrollBy(ctx context.Context, deltaY float64) error   { return nil }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error)       { return nil, nil }
func (p *fakePage) WaitForLoadState(ctx context.Context) error           { return nil }
func (p *fakePage) WaitForTimeout(ctx context.Context, d time.Duration)  {}
func (p *fakePage) Keyboard() engine.Keyboard                            { return nil }
func (p *fakePage) Mouse() engine.Mouse                                  { return nil }
func (p *fakePage) Locator(selector string) engine.Locator               { return nil }
func (p *fakePage) GetByRole(role, name string, nth int) engine.Locator  { return nil }
func (p *fakePage) AriaSnapshot(ctx context.Context) (string, error)     { return "", nil }
func (p *fakePage) Downloads() <-chan engine.DownloadEvent               { return nil }

func TestCreateSessionAndTabTree(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, err := r.CreateSession(core.UserId("alice"))
	if err != nil {
		t.Fatal(err)
	}

	tg, err := r.CreateTabGroup(sess.Key)
	if err != nil {
		t.Fatal(err)
	}

	tab, err := r.OpenTab(sess.Key, tg.ID, &fakePage{id: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	gotKey, err := r.SessionKeyForTab(tab.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != sess.Key {
		t.Errorf("expected reverse index to resolve to %q, got %q", sess.Key, gotKey)
	}
}

func TestMaxSessionsPerUserEnforced(t *testing.T) {
	r := New(1, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	if _, err := r.CreateSession(core.UserId("alice")); err != nil {
		t.Fatal(err)
	}
	_, err := r.CreateSession(core.UserId("alice"))
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestHandlePoolEvictionDropsUsersSessionsAndReverseIndex(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, err := r.CreateSession(core.UserId("alice"))
	if err != nil {
		t.Fatal(err)
	}
	tg, err := r.CreateTabGroup(sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	tab, err := r.OpenTab(sess.Key, tg.ID, &fakePage{id: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	other, err := r.CreateSession(core.UserId("bob"))
	if err != nil {
		t.Fatal(err)
	}

	r.HandlePoolEviction(core.UserId("alice"), nil)

	if _, err := r.GetSession(sess.Key); err == nil {
		t.Error("expected alice's session to be dropped after pool eviction")
	}
	if _, err := r.SessionKeyForTab(tab.ID); err == nil {
		t.Error("expected the reverse index entry for alice's tab to be dropped")
	}
	if _, err := r.GetSession(other.Key); err != nil {
		t.Errorf("expected bob's session to survive alice's eviction, got error: %v", err)
	}
}

func TestMaxTabsPerGroupEnforced(t *testing.T) {
	r := New(10, 1, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, _ := r.CreateSession(core.UserId("alice"))
	tg, _ := r.CreateTabGroup(sess.Key)

	if _, err := r.OpenTab(sess.Key, tg.ID, &fakePage{}); err != nil {
		t.Fatal(err)
	}
	_, err := r.OpenTab(sess.Key, tg.ID, &fakePage{})
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestWithTabLockSerializesAccess(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, _ := r.CreateSession(core.UserId("alice"))
	tg, _ := r.CreateTabGroup(sess.Key)
	tab, _ := r.OpenTab(sess.Key, tg.ID, &fakePage{})

	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.WithTabLock(context.Background(), tab.ID, func(page engine.Page) error {
				mu.Lock()
				concurrent++
				if concurrent > maxConcurrent {
					maxConcurrent = concurrent
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				concurrent--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Errorf("expected TabLock to serialize access (max concurrency 1), got %d", maxConcurrent)
	}
}

func TestDestroySessionClosesPagesAndIndex(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, _ := r.CreateSession(core.UserId("alice"))
	tg, _ := r.CreateTabGroup(sess.Key)
	page := &fakePage{}
	tab, _ := r.OpenTab(sess.Key, tg.ID, page)

	if err := r.DestroySession(context.Background(), sess.Key); err != nil {
		t.Fatal(err)
	}

	if !page.closed.Load() {
		t.Error("expected page to be closed on session destroy")
	}
	if _, err := r.SessionKeyForTab(tab.ID); err == nil {
		t.Error("expected reverse index entry removed after destroy")
	}
	if _, err := r.GetSession(sess.Key); err == nil {
		t.Error("expected session removed after destroy")
	}
}

func TestCloseTabRemovesFromIndex(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	sess, _ := r.CreateSession(core.UserId("alice"))
	tg, _ := r.CreateTabGroup(sess.Key)
	page := &fakePage{}
	tab, _ := r.OpenTab(sess.Key, tg.ID, page)

	if err := r.CloseTab(context.Background(), tab.ID); err != nil {
		t.Fatal(err)
	}
	if !page.closed.Load() {
		t.Error("expected tab's page closed")
	}
	if _, err := r.SessionKeyForTab(tab.ID); err == nil {
		t.Error("expected tab removed from reverse index")
	}
}

func TestCleanupExpiredReapsIdleSessions(t *testing.T) {
	r := New(10, 10, 10*time.Millisecond, 5*time.Millisecond)
	defer r.Close(context.Background())

	sess, _ := r.CreateSession(core.UserId("alice"))
	tg, _ := r.CreateTabGroup(sess.Key)
	page := &fakePage{}
	r.OpenTab(sess.Key, tg.ID, page)

	time.Sleep(60 * time.Millisecond)

	if _, err := r.GetSession(sess.Key); err == nil {
		t.Error("expected idle session to be reaped")
	}
	if !page.closed.Load() {
		t.Error("expected reaped session's page to be closed")
	}
}

func TestUnknownTabOperationsReturnNotFound(t *testing.T) {
	r := New(10, 10, time.Hour, time.Hour)
	defer r.Close(context.Background())

	_, err := r.SessionKeyForTab(core.TabId("missing"))
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}
