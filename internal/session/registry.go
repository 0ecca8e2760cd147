// Package session implements the SessionRegistry and TabLock modules: the
// session -> tabGroup -> tab tree, the tabId -> sessionKey reverse index,
// and per-tab serialization. Grounded on the teacher's session.Manager,
// generalized from one page per session to the full tree and split into a
// structural lock (Registry.mu, protecting the maps) and a per-tab
// operation lock (Tab.opMu), exactly mirroring the teacher's separation of
// Manager.mu from Session.opMu.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

const maxParallelCleanup = 4

// tabState is the internal, mutable bookkeeping for one open tab: its
// engine.Page handle plus the strict per-tab serialization lock.
type tabState struct {
	tab   *core.Tab
	page  engine.Page
	opMu  chan struct{} // 1-buffered: acquire by send, release by receive
}

func newTabState(t *core.Tab, page engine.Page) *tabState {
	ts := &tabState{tab: t, page: page, opMu: make(chan struct{}, 1)}
	ts.opMu <- struct{}{}
	return ts
}

// Lock acquires the tab's operation lock, blocking until it's free or ctx
// is done. This is the TabLock module: it guarantees at most one action
// runs against a tab's page at a time, chaining waiters in arrival order.
func (ts *tabState) Lock(ctx context.Context) error {
	select {
	case <-ts.opMu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the tab's operation lock.
func (ts *tabState) Unlock() {
	select {
	case ts.opMu <- struct{}{}:
	default:
	}
}

type groupState struct {
	group *core.TabGroup
	tabs  map[core.TabId]*tabState
}

type sessionState struct {
	session *core.Session
	groups  map[core.TabGroupId]*groupState
	mu      sync.RWMutex // guards this session's group/tab maps
}

// Registry is the SessionRegistry: the session/tabGroup/tab tree plus the
// flat tabId -> sessionKey reverse index.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[core.SessionKey]*sessionState
	tabIndex     map[core.TabId]core.SessionKey // reverse index
	byUser       map[core.UserId]map[core.SessionKey]struct{}

	maxSessionsPerUser int
	maxTabsPerGroup    int
	sessionTTL         time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Registry and starts its idle-session reaper.
func New(maxSessionsPerUser, maxTabsPerGroup int, sessionTTL, cleanupInterval time.Duration) *Registry {
	r := &Registry{
		sessions:           make(map[core.SessionKey]*sessionState),
		tabIndex:           make(map[core.TabId]core.SessionKey),
		byUser:             make(map[core.UserId]map[core.SessionKey]struct{}),
		maxSessionsPerUser: maxSessionsPerUser,
		maxTabsPerGroup:    maxTabsPerGroup,
		sessionTTL:         sessionTTL,
		stopCh:             make(chan struct{}),
	}
	r.wg.Add(1)
	go r.cleanupRoutine(cleanupInterval)
	return r
}

// CreateSession starts a new session for userId. Returns core.KindConflict
// if the user has reached maxSessionsPerUser.
func (r *Registry) CreateSession(userId core.UserId) (*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.byUser[userId]; len(existing) >= r.maxSessionsPerUser {
		return nil, core.NewConflictError(
			fmt.Sprintf("user %s already has the maximum of %d sessions", userId, r.maxSessionsPerUser),
			nil,
		)
	}

	key := core.SessionKey(uuid.NewString())
	now := time.Now()
	sess := &core.Session{
		Key:       key,
		UserId:    userId,
		TabGroups: make(map[core.TabGroupId]*core.TabGroup),
		CreatedAt: now,
		LastUsed:  now,
	}
	r.sessions[key] = &sessionState{session: sess, groups: make(map[core.TabGroupId]*groupState)}

	if r.byUser[userId] == nil {
		r.byUser[userId] = make(map[core.SessionKey]struct{})
	}
	r.byUser[userId][key] = struct{}{}

	return sess, nil
}

// GetSession returns the session by key, touching its LastUsed timestamp.
func (r *Registry) GetSession(key core.SessionKey) (*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss, ok := r.sessions[key]
	if !ok {
		return nil, core.NewNotFoundError("session not found", core.ErrSessionNotFound)
	}
	ss.session.LastUsed = time.Now()
	return ss.session, nil
}

// DestroySession removes a session and every tab/tabGroup beneath it,
// closing pages in bounded parallel outside the registry lock.
func (r *Registry) DestroySession(ctx context.Context, key core.SessionKey) error {
	r.mu.Lock()
	ss, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return core.NewNotFoundError("session not found", core.ErrSessionNotFound)
	}
	delete(r.sessions, key)
	if users := r.byUser[ss.session.UserId]; users != nil {
		delete(users, key)
		if len(users) == 0 {
			delete(r.byUser, ss.session.UserId)
		}
	}

	pages := r.collectPagesLocked(ss)
	r.mu.Unlock()

	return r.closePages(ctx, pages)
}

func (r *Registry) collectPagesLocked(ss *sessionState) []engine.Page {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var pages []engine.Page
	for tgID, g := range ss.groups {
		for tabID, ts := range g.tabs {
			pages = append(pages, ts.page)
			delete(r.tabIndex, tabID)
		}
		delete(ss.groups, tgID)
	}
	return pages
}

func (r *Registry) closePages(ctx context.Context, pages []engine.Page) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCleanup)
	for _, page := range pages {
		page := page
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			return page.Close(closeCtx)
		})
	}
	return g.Wait()
}

// CreateTabGroup adds a new tab group to an existing session.
func (r *Registry) CreateTabGroup(key core.SessionKey) (*core.TabGroup, error) {
	r.mu.RLock()
	ss, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewNotFoundError("session not found", core.ErrSessionNotFound)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	tg := &core.TabGroup{
		ID:         core.TabGroupId(uuid.NewString()),
		SessionKey: key,
		Tabs:       make(map[core.TabId]*core.Tab),
		CreatedAt:  time.Now(),
	}
	ss.groups[tg.ID] = &groupState{group: tg, tabs: make(map[core.TabId]*tabState)}
	ss.session.TabGroups[tg.ID] = tg
	return tg, nil
}

// OpenTab adds a new tab to tabGroupID under session key, wrapping page in
// the registry's bookkeeping and TabLock, and indexing it in the reverse
// tabId -> sessionKey map.
func (r *Registry) OpenTab(key core.SessionKey, tabGroupID core.TabGroupId, page engine.Page) (*core.Tab, error) {
	r.mu.Lock()
	ss, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return nil, core.NewNotFoundError("session not found", core.ErrSessionNotFound)
	}

	ss.mu.Lock()
	g, ok := ss.groups[tabGroupID]
	if !ok {
		ss.mu.Unlock()
		r.mu.Unlock()
		return nil, core.NewNotFoundError("tab group not found", core.ErrTabGroupNotFound)
	}
	if len(g.tabs) >= r.maxTabsPerGroup {
		ss.mu.Unlock()
		r.mu.Unlock()
		return nil, core.NewConflictError(
			fmt.Sprintf("tab group already has the maximum of %d tabs", r.maxTabsPerGroup), nil)
	}

	now := time.Now()
	tab := &core.Tab{
		ID:         core.TabId(uuid.NewString()),
		TabGroupID: tabGroupID,
		SessionKey: key,
		CreatedAt:  now,
		LastUsed:   now,
	}
	g.tabs[tab.ID] = newTabState(tab, page)
	g.group.Tabs[tab.ID] = tab
	r.tabIndex[tab.ID] = key
	ss.session.LastUsed = now
	ss.mu.Unlock()
	r.mu.Unlock()

	return tab, nil
}

// SessionKeyForTab resolves a tab's owning session via the reverse index.
func (r *Registry) SessionKeyForTab(tabID core.TabId) (core.SessionKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.tabIndex[tabID]
	if !ok {
		return "", core.NewNotFoundError("tab not found", core.ErrTabNotFound)
	}
	return key, nil
}

// lookupTabState finds the tab and its session, read-locking the registry
// and the owning session.
func (r *Registry) lookupTabState(tabID core.TabId) (*sessionState, *tabState, error) {
	r.mu.RLock()
	key, ok := r.tabIndex[tabID]
	if !ok {
		r.mu.RUnlock()
		return nil, nil, core.NewNotFoundError("tab not found", core.ErrTabNotFound)
	}
	ss, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, core.NewNotFoundError("session not found", core.ErrSessionNotFound)
	}

	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, g := range ss.groups {
		if ts, ok := g.tabs[tabID]; ok {
			return ss, ts, nil
		}
	}
	return nil, nil, core.NewNotFoundError("tab not found", core.ErrTabNotFound)
}

// Page returns the engine.Page for tabID.
func (r *Registry) Page(tabID core.TabId) (engine.Page, error) {
	_, ts, err := r.lookupTabState(tabID)
	if err != nil {
		return nil, err
	}
	return ts.page, nil
}

// WithTabLock runs fn while holding tabID's TabLock, the single
// serialization point every Actions operation goes through.
func (r *Registry) WithTabLock(ctx context.Context, tabID core.TabId, fn func(page engine.Page) error) error {
	ss, ts, err := r.lookupTabState(tabID)
	if err != nil {
		return err
	}

	if err := ts.Lock(ctx); err != nil {
		return core.NewTimeoutError("timed out waiting for tab lock", err)
	}
	defer ts.Unlock()

	ss.mu.Lock()
	ts.tab.LastUsed = time.Now()
	ss.session.LastUsed = ts.tab.LastUsed
	ss.mu.Unlock()

	return fn(ts.page)
}

// CloseTab removes a tab from its group and the reverse index, closing its
// page.
func (r *Registry) CloseTab(ctx context.Context, tabID core.TabId) error {
	r.mu.Lock()
	key, ok := r.tabIndex[tabID]
	if !ok {
		r.mu.Unlock()
		return core.NewNotFoundError("tab not found", core.ErrTabNotFound)
	}
	ss := r.sessions[key]
	delete(r.tabIndex, tabID)
	r.mu.Unlock()

	ss.mu.Lock()
	var page engine.Page
	for _, g := range ss.groups {
		if ts, ok := g.tabs[tabID]; ok {
			page = ts.page
			delete(g.tabs, tabID)
			delete(g.group.Tabs, tabID)
			break
		}
	}
	ss.mu.Unlock()

	if page == nil {
		return core.NewNotFoundError("tab not found", core.ErrTabNotFound)
	}
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return page.Close(closeCtx)
}

// HandlePoolEviction drops every session belonging to userId without
// attempting to close its pages: the owning browser context is being torn
// down by the pool right after this callback returns, so those pages are
// already unreachable. Registered as a contextpool.EvictionCallback so an
// LRU eviction doesn't leave a session pointing at a dead context for the
// idle reaper to eventually find.
func (r *Registry) HandlePoolEviction(userId core.UserId, _ engine.Browser) {
	r.mu.Lock()
	keys := r.byUser[userId]
	delete(r.byUser, userId)
	for key := range keys {
		ss, ok := r.sessions[key]
		if !ok {
			continue
		}
		delete(r.sessions, key)
		ss.mu.Lock()
		for _, g := range ss.groups {
			for tabID := range g.tabs {
				delete(r.tabIndex, tabID)
			}
		}
		ss.mu.Unlock()
	}
	r.mu.Unlock()

	if len(keys) > 0 {
		log.Warn().Str("userId", string(userId)).Int("sessions", len(keys)).
			Msg("dropped sessions for user evicted from context pool")
	}
}

// ListSessions returns every session belonging to userId.
func (r *Registry) ListSessions(userId core.UserId) []*core.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byUser[userId]
	out := make([]*core.Session, 0, len(keys))
	for k := range keys {
		if ss, ok := r.sessions[k]; ok {
			out = append(out, ss.session)
		}
	}
	return out
}

// Count returns the total number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AllUserIds returns every user id with at least one open session, for the
// health surface.
func (r *Registry) AllUserIds() []core.UserId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.UserId, 0, len(r.byUser))
	for userId := range r.byUser {
		out = append(out, userId)
	}
	return out
}

// TabCount returns the total number of open tabs across every session.
func (r *Registry) TabCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ss := range r.sessions {
		for _, g := range ss.groups {
			n += len(g.tabs)
		}
	}
	return n
}

func (r *Registry) cleanupRoutine(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupExpired()
		case <-r.stopCh:
			return
		}
	}
}

// cleanupExpired is the two-phase idle reaper: mark-and-collect expired
// sessions under the registry lock, then close their pages outside it.
func (r *Registry) cleanupExpired() {
	cutoff := time.Now().Add(-r.sessionTTL)

	r.mu.Lock()
	var expired []*sessionState
	for key, ss := range r.sessions {
		if ss.session.LastUsed.Before(cutoff) {
			expired = append(expired, ss)
			delete(r.sessions, key)
			if users := r.byUser[ss.session.UserId]; users != nil {
				delete(users, key)
				if len(users) == 0 {
					delete(r.byUser, ss.session.UserId)
				}
			}
		}
	}
	var allPages []engine.Page
	for _, ss := range expired {
		allPages = append(allPages, r.collectPagesLocked(ss)...)
	}
	r.mu.Unlock()

	if len(allPages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.closePages(ctx, allPages); err != nil {
		log.Warn().Err(err).Msg("error closing pages during idle session reap")
	}
}

// Close tears down every session in bounded parallel and stops the reaper.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		r.mu.Lock()
		var allPages []engine.Page
		for _, ss := range r.sessions {
			allPages = append(allPages, r.collectPagesLocked(ss)...)
		}
		r.sessions = make(map[core.SessionKey]*sessionState)
		r.tabIndex = make(map[core.TabId]core.SessionKey)
		r.byUser = make(map[core.UserId]map[core.SessionKey]struct{})
		r.mu.Unlock()

		err = r.closePages(ctx, allPages)
	})
	return err
}
