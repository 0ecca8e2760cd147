// Package contextpool implements the bounded LRU of persistent, per-user
// browser contexts (spec module: ContextPool). It is grounded on the
// teacher's flat browser.Pool, generalized from a pool of interchangeable
// browsers into a map keyed by core.UserId, with single-flight launch
// coalescing concurrent first-use requests for the same user into one
// launcher.Launch call, and eviction callbacks fired before a context is
// closed so owners (SessionRegistry) can tear down dependents first.
package contextpool

import (
	"container/list"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

const maxParallelClose = 4

type entry struct {
	userId     core.UserId
	profileDir string
	browser    engine.Browser
	createdAt  time.Time
	lastUsed   time.Time
	refCount   int

	launching  bool
	launchDone chan struct{}
	launchErr  error

	lruElem *list.Element
}

// EvictionCallback is invoked with the evicted user's id and its browser,
// before the browser is closed, so dependents (open sessions/tabs) can be
// torn down first.
type EvictionCallback func(userId core.UserId, browser engine.Browser)

// Pool is the bounded per-user LRU of persistent browser contexts.
type Pool struct {
	mu       sync.Mutex
	entries  map[core.UserId]*entry
	lru      *list.List // front = most recently used
	maxSize  int

	launcher       engine.Launcher
	profileBaseDir string
	launchTimeout  time.Duration

	evictionCallbacks []EvictionCallback
	closed            bool
}

// New creates a ContextPool bounded to maxSize concurrently-open contexts.
func New(launcher engine.Launcher, profileBaseDir string, maxSize int, launchTimeout time.Duration) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		entries:        make(map[core.UserId]*entry),
		lru:            list.New(),
		maxSize:        maxSize,
		launcher:       launcher,
		profileBaseDir: profileBaseDir,
		launchTimeout:  launchTimeout,
	}
}

// OnEvict registers a callback invoked whenever the pool evicts a user's
// context (LRU overflow or Evict). Callbacks run in registration order on a
// background goroutine, before the browser is closed; Close does not invoke
// them.
func (p *Pool) OnEvict(cb EvictionCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictionCallbacks = append(p.evictionCallbacks, cb)
}

// GetOrLaunch returns the persistent browser context for userId, launching
// one if none exists. Concurrent calls for the same userId coalesce into a
// single launch (single-flight); callers that arrive while a launch is in
// flight simply wait for it to finish.
func (p *Pool) GetOrLaunch(ctx context.Context, userId core.UserId, proxyURL string) (engine.Browser, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrContextPoolClosed
	}

	e, ok := p.entries[userId]
	if ok {
		if e.launching {
			done := e.launchDone
			p.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			p.mu.Lock()
			e, ok = p.entries[userId]
			if !ok {
				p.mu.Unlock()
				return p.GetOrLaunch(ctx, userId, proxyURL)
			}
			if e.launchErr != nil {
				p.mu.Unlock()
				return nil, e.launchErr
			}
			p.touchLocked(e)
			e.refCount++
			p.mu.Unlock()
			return e.browser, nil
		}

		p.touchLocked(e)
		e.refCount++
		p.mu.Unlock()
		return e.browser, nil
	}

	// No entry: become the launcher. Register a placeholder immediately so
	// concurrent callers coalesce onto it instead of racing to launch.
	e = &entry{
		userId:     userId,
		profileDir: filepath.Join(p.profileBaseDir, url.PathEscape(string(userId))),
		createdAt:  time.Now(),
		launching:  true,
		launchDone: make(chan struct{}),
	}
	p.entries[userId] = e
	p.mu.Unlock()

	launchCtx := ctx
	var cancel context.CancelFunc
	if p.launchTimeout > 0 {
		launchCtx, cancel = context.WithTimeout(ctx, p.launchTimeout)
		defer cancel()
	}

	browser, err := p.launcher.Launch(launchCtx, e.profileDir, proxyURL)

	p.mu.Lock()
	e.launching = false
	if err != nil {
		e.launchErr = fmt.Errorf("launch context for user %s: %w", userId, err)
		delete(p.entries, userId)
		close(e.launchDone)
		p.mu.Unlock()
		return nil, e.launchErr
	}

	e.browser = browser
	e.lastUsed = time.Now()
	e.refCount = 1
	e.lruElem = p.lru.PushFront(e)
	close(e.launchDone)

	p.evictIfOverCapacityLocked()
	p.mu.Unlock()

	log.Info().Str("userId", string(userId)).Msg("launched new persistent browser context")
	return browser, nil
}

// Release decrements the reference count for userId, allowing it to be
// evicted once idle. It must be called exactly once per successful
// GetOrLaunch.
func (p *Pool) Release(userId core.UserId) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userId]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
}

func (p *Pool) touchLocked(e *entry) {
	e.lastUsed = time.Now()
	if e.lruElem != nil {
		p.lru.MoveToFront(e.lruElem)
	}
}

// evictIfOverCapacityLocked evicts least-recently-used, idle (refCount==0)
// entries until the pool is back at or under capacity. Caller holds p.mu.
func (p *Pool) evictIfOverCapacityLocked() {
	for len(p.entries) > p.maxSize {
		victim := p.findEvictionVictimLocked()
		if victim == nil {
			return // everything in use; over capacity until something frees up
		}
		p.evictLocked(victim)
	}
}

func (p *Pool) findEvictionVictimLocked() *entry {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refCount == 0 && !e.launching {
			return e
		}
	}
	return nil
}

func (p *Pool) evictLocked(e *entry) {
	delete(p.entries, e.userId)
	if e.lruElem != nil {
		p.lru.Remove(e.lruElem)
	}

	callbacks := p.evictionCallbacks
	browser := e.browser
	userId := e.userId

	// Run callbacks and close outside the lock to avoid blocking other
	// pool operations on slow dependent cleanup or process shutdown.
	go func() {
		for _, cb := range callbacks {
			cb(userId, browser)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := browser.Close(ctx); err != nil {
			log.Warn().Str("userId", string(userId)).Err(err).Msg("error closing evicted browser context")
		}
	}()

	log.Info().Str("userId", string(userId)).Msg("evicted browser context from pool")
}

// Evict forcibly removes and closes userId's context, if any, running
// eviction callbacks first. Used when a caller explicitly tears down a
// user's session state.
func (p *Pool) Evict(userId core.UserId) {
	p.mu.Lock()
	e, ok := p.entries[userId]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.evictLocked(e)
	p.mu.Unlock()
}

// Size returns the number of contexts currently held by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats summarizes pool occupancy for the admin surface.
type Stats struct {
	Size     int
	Capacity int
	InUse    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, e := range p.entries {
		if e.refCount > 0 {
			inUse++
		}
	}
	return Stats{Size: len(p.entries), Capacity: p.maxSize, InUse: inUse}
}

// Close shuts down every context in bounded parallel and marks the pool
// closed; subsequent GetOrLaunch calls fail with core.ErrContextPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	browsers := make([]engine.Browser, 0, len(p.entries))
	for _, e := range p.entries {
		if e.browser != nil {
			browsers = append(browsers, e.browser)
		}
	}
	p.entries = make(map[core.UserId]*entry)
	p.lru.Init()
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelClose)
	for _, b := range browsers {
		b := b
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			return b.Close(closeCtx)
		})
	}
	return g.Wait()
}
