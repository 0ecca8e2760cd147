package httpapi

import (
	"net/http"
	"os"
)

type healthResponse struct {
	OK                  bool     `json:"ok"`
	Running             bool     `json:"running"`
	Recovering          bool     `json:"recovering,omitempty"`
	Engine              string   `json:"engine"`
	BrowserConnected    bool     `json:"browserConnected"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	ActiveOps           int      `json:"activeOps"`
	PoolSize            int      `json:"poolSize"`
	ActiveUserIds       []string `json:"activeUserIds"`
	ProfileDirsTotal    int      `json:"profileDirsTotal"`
}

// AdminStatsHandler exposes the same liveness/occupancy report handleHealth
// serves on the public route table, for mounting on a separate, unauthenticated,
// localhost-only listener (cfg.AdminStatsAddr) the way the teacher separately
// binds and gates its pprof server — never on the public address.
func (c *Core) AdminStatsHandler() http.Handler {
	return http.HandlerFunc(c.handleHealth)
}

// handleHealth reports overall orchestrator liveness. During shutdown it
// replies 503 with {ok: false, recovering: true} rather than the full
// shape, per the contract every health check poller relies on.
func (c *Core) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c.IsRecovering() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false, "recovering": true})
		return
	}

	stats := c.Pool.Stats()

	activeUsers := c.Sessions.AllUserIds()
	activeIDs := make([]string, len(activeUsers))
	for i, u := range activeUsers {
		activeIDs[i] = string(u)
	}
	healthState := c.Health.State()

	profileDirsTotal := stats.Size
	if entries, err := os.ReadDir(c.Config.ContextProfileDir); err == nil {
		profileDirsTotal = len(entries)
	}

	writeJSON(w, http.StatusOK, healthResponse{
		OK:                  true,
		Running:             true,
		Engine:              "rod",
		BrowserConnected:     stats.Size > 0,
		ConsecutiveFailures: healthState.ConsecutiveFailures,
		ActiveOps:           healthState.ActiveOps,
		PoolSize:            stats.Size,
		ActiveUserIds:       activeIDs,
		ProfileDirsTotal:    profileDirsTotal,
	})
}
