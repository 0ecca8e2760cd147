package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
)

func (c *Core) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	userId := core.UserId(pathParam(r, "userId"))
	if userId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("userId is required", nil))
		return
	}

	for _, sess := range c.Sessions.ListSessions(userId) {
		if err := c.Sessions.DestroySession(r.Context(), sess.Key); err != nil {
			writeError(w, c.Config.NodeEnv, err)
			return
		}
	}
	c.Pool.Evict(userId)
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

type cookieEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type importCookiesRequest struct {
	TabId   string        `json:"tabId"`
	Cookies []cookieEntry `json:"cookies"`
}

// handleImportCookies sets each cookie via document.cookie against the
// named tab's page. There is no CDP Network.setCookie passthrough on the
// Page capability this build exposes (see DESIGN.md), so cookies set this
// way are subject to the same-origin and non-HttpOnly restrictions of the
// page currently loaded in the tab.
func (c *Core) handleImportCookies(w http.ResponseWriter, r *http.Request) {
	userId := core.UserId(pathParam(r, "userId"))
	var body importCookiesRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	if body.TabId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("tabId is required", nil))
		return
	}
	tabID := core.TabId(body.TabId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	for _, ck := range body.Cookies {
		expr := fmt.Sprintf("document.cookie = %s", jsStringLiteral(fmt.Sprintf("%s=%s; path=/", ck.Name, ck.Value)))
		if _, err := c.Actions.Evaluate(r.Context(), tabID, expr, 5*time.Second, false); err != nil {
			writeError(w, c.Config.NodeEnv, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(body.Cookies)})
}

func jsStringLiteral(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// handleToggleDisplay tears down userId's sessions, evicts their browser
// context and relaunches it with the pool's launcher. The relaunched
// context uses the same launcher settings as before, so its headless mode
// is not changed. Tabs and sessions for the user are torn down first since
// their underlying pages belong to the evicted context.
func (c *Core) handleToggleDisplay(w http.ResponseWriter, r *http.Request) {
	userId := core.UserId(pathParam(r, "userId"))
	if userId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("userId is required", nil))
		return
	}

	for _, sess := range c.Sessions.ListSessions(userId) {
		_ = c.Sessions.DestroySession(r.Context(), sess.Key)
	}
	c.Pool.Evict(userId)

	if _, err := c.Pool.GetOrLaunch(r.Context(), userId, c.Config.ProxyURL); err != nil {
		writeError(w, c.Config.NodeEnv, core.NewEngineError("failed to relaunch browser context", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"toggled": true})
}
