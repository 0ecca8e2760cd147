// Package httpapi wires every orchestrator component behind the HTTP
// surface: route dispatch, per-endpoint auth scoping, userId-ownership
// checks on every tab lookup, and the {error: string} envelope every
// failure uses. Grounded on the teacher's cmd/flaresolverr/main.go request
// lifecycle ((a) resolve session, (b) enter the per-user limiter, (c)
// acquire the tab lock, (d) run the bounded operation, (e) update
// bookkeeping) and on its handler package's one-struct-holds-everything
// shape, generalized from a single solve-request handler into the full
// tabs/sessions/downloads/resources route set.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"sync/atomic"

	"github.com/kestrelsoft/browserplane/internal/actions"
	"github.com/kestrelsoft/browserplane/internal/concurrency"
	"github.com/kestrelsoft/browserplane/internal/config"
	"github.com/kestrelsoft/browserplane/internal/contextpool"
	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/downloads"
	"github.com/kestrelsoft/browserplane/internal/engine"
	"github.com/kestrelsoft/browserplane/internal/health"
	"github.com/kestrelsoft/browserplane/internal/metrics"
	"github.com/kestrelsoft/browserplane/internal/ratelimit"
	"github.com/kestrelsoft/browserplane/internal/session"
)

// Core is the one struct every handler closes over: the owned collection
// of live components, rather than free-floating package globals (the
// Open Question in the pipeline's design notes resolves this way).
type Core struct {
	Config      *config.Config
	Pool        *contextpool.Pool
	Sessions    *session.Registry
	Actions     *actions.Actions
	Downloads   *downloads.Registry
	Health      *health.Tracker
	EvalLimiter *ratelimit.Limiter
	Concurrency *concurrency.Limiter
	Metrics     *metrics.Registry

	recovering atomic.Bool

	stopOnce sync.Once
	StopCh   chan struct{}
}

// New builds a Core over already-constructed components.
func New(cfg *config.Config, pool *contextpool.Pool, sessions *session.Registry, acts *actions.Actions,
	dl *downloads.Registry, h *health.Tracker, evalLimiter *ratelimit.Limiter, conc *concurrency.Limiter, m *metrics.Registry) *Core {
	return &Core{
		Config:      cfg,
		Pool:        pool,
		Sessions:    sessions,
		Actions:     acts,
		Downloads:   dl,
		Health:      h,
		EvalLimiter: evalLimiter,
		Concurrency: conc,
		Metrics:     m,
		StopCh:      make(chan struct{}),
	}
}

// RequestStop signals StopCh once; main's shutdown goroutine selects on it
// alongside OS signals so the admin endpoint and Ctrl-C trigger the same
// graceful shutdown path.
func (c *Core) RequestStop() {
	c.stopOnce.Do(func() { close(c.StopCh) })
}

// SetRecovering flips the shutdown flag the health endpoint checks.
func (c *Core) SetRecovering(v bool) { c.recovering.Store(v) }

// IsRecovering reports whether the server is mid-shutdown.
func (c *Core) IsRecovering() bool { return c.recovering.Load() }

// getOrCreateSession returns userId's single session, launching its
// persistent browser context first if needed and creating the session
// record on first use. A user has at most one live session: existing
// sessions are reused rather than multiplying one per request.
func (c *Core) getOrCreateSession(ctx context.Context, userId core.UserId) (*core.Session, error) {
	if userId == "" {
		return nil, core.NewValidationError("userId is required", nil)
	}

	if _, err := c.Pool.GetOrLaunch(ctx, userId, c.Config.ProxyURL); err != nil {
		return nil, core.NewEngineError("failed to launch browser context", err)
	}

	if existing := c.Sessions.ListSessions(userId); len(existing) > 0 {
		return existing[0], nil
	}
	return c.Sessions.CreateSession(userId)
}

// requireOwnedTab resolves tabID's owning session and verifies it belongs
// to userId, the ownership check every /tabs/:tabId/* route needs before
// touching the tab. A wrong or missing userId is indistinguishable from an
// unknown tab, by design (it must not reveal whether the tab exists under
// a different user).
func (c *Core) requireOwnedTab(tabID core.TabId, userId core.UserId) error {
	key, err := c.Sessions.SessionKeyForTab(tabID)
	if err != nil {
		return core.NewNotFoundError("Tab not found", core.ErrTabNotFound)
	}
	sess, err := c.Sessions.GetSession(key)
	if err != nil || sess.UserId != userId {
		return core.NewNotFoundError("Tab not found", core.ErrTabNotFound)
	}
	return nil
}

// resolveOrGroup returns the sole tab group for a session, creating one if
// the session has none yet (sessionKey doubles as the default listItemId).
func (c *Core) resolveOrGroup(sess *core.Session) (core.TabGroupId, error) {
	for id := range sess.TabGroups {
		return id, nil
	}
	tg, err := c.Sessions.CreateTabGroup(sess.Key)
	if err != nil {
		return "", err
	}
	return tg.ID, nil
}

// newPage opens a fresh engine.Page against userId's persistent context.
func (c *Core) newPage(ctx context.Context, userId core.UserId) (engine.Page, error) {
	browser, err := c.Pool.GetOrLaunch(ctx, userId, c.Config.ProxyURL)
	if err != nil {
		return nil, core.NewEngineError("failed to acquire browser context", err)
	}
	page, err := browser.NewPage(ctx)
	if err != nil {
		return nil, core.NewEngineError("failed to open page", err)
	}
	return page, nil
}

// constantTimeEquals compares two secrets in constant time regardless of
// length by comparing SHA-256 digests; used by the per-route bearer and
// admin-key checks.
func constantTimeEquals(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
