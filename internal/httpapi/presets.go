package httpapi

import "net/http"

// handlePresets is a deliberate stub: preset configuration files are
// out-of-scope for this build (see DESIGN.md), so this reports an empty
// preset list rather than 404ing a route API consumers may still probe.
func (c *Core) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": []string{}})
}
