package httpapi

import "net/http"

// handleAdminStop signals the main goroutine to begin a graceful shutdown
// and immediately acknowledges the request; the shutdown itself happens out
// of band so this handler doesn't block on server.Shutdown completing.
func (c *Core) handleAdminStop(w http.ResponseWriter, r *http.Request) {
	c.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]bool{"stopping": true})
}
