package httpapi

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// requireBearer wraps a handler that executes arbitrary script or imports
// cookies. When an API key is configured, it requires a constant-time
// matching "Authorization: Bearer <key>" header; otherwise (no key
// configured) the route is left open, matching the startup warning
// cmd/orchestrator logs in that case. There is no global API-key
// middleware: only the handful of sensitive operations wrapped here pay
// the auth tax.
func (c *Core) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Config.APIKeyEnabled {
			next(w, r)
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) || !constantTimeEquals(strings.TrimPrefix(header, prefix), c.Config.APIKey) {
			writeError(w, c.Config.NodeEnv, authError("missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

// requireAdminKey wraps the admin stop endpoint: it always requires
// x-admin-key, regardless of whether the general API key is enabled.
func (c *Core) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.Config.AdminKey == "" {
			log.Warn().Msg("admin stop endpoint invoked with no ADMIN_KEY configured; refusing")
			writeError(w, c.Config.NodeEnv, authError("admin key not configured"))
			return
		}
		if !constantTimeEquals(r.Header.Get("x-admin-key"), c.Config.AdminKey) {
			writeError(w, c.Config.NodeEnv, authError("missing or invalid admin key"))
			return
		}
		next(w, r)
	}
}
