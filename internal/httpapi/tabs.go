package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/kestrelsoft/browserplane/internal/actions"
	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/security"
)

// withConcurrency runs fn after acquiring userId's concurrency slot,
// releasing it on every exit path. This is step (b) of the request
// lifecycle: enter the per-user ConcurrencyLimiter before touching the tab.
func (c *Core) withConcurrency(r *http.Request, userId core.UserId, fn func() error) error {
	release, err := c.Concurrency.Acquire(r.Context(), userId)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

type createTabRequest struct {
	UserId string `json:"userId"`
}

type tabDTO struct {
	ID        string `json:"tabId"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
}

func (c *Core) handleCreateTab(w http.ResponseWriter, r *http.Request) {
	var body createTabRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	userId := userIdFrom(r, body.UserId)
	if userId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("userId is required", nil))
		return
	}

	sess, err := c.getOrCreateSession(r.Context(), userId)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	groupID, err := c.resolveOrGroup(sess)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	page, err := c.newPage(r.Context(), userId)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	tab, err := c.Actions.OpenTab(sess.Key, groupID, page)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	writeJSON(w, http.StatusOK, tabDTO{
		ID:        string(tab.ID),
		URL:       tab.URL,
		State:     "created",
		CreatedAt: tab.CreatedAt.Format(time.RFC3339),
	})
}

func (c *Core) handleListTabs(w http.ResponseWriter, r *http.Request) {
	userId := userIdFrom(r, "")
	if userId == "" {
		writeError(w, c.Config.NodeEnv, core.NewValidationError("userId is required", nil))
		return
	}

	var out []tabDTO
	for _, sess := range c.Sessions.ListSessions(userId) {
		for _, tg := range sess.TabGroups {
			for _, tab := range tg.Tabs {
				state, err := c.Actions.State(tab.ID)
				stateStr := "unknown"
				if err == nil {
					stateStr = state.String()
				}
				out = append(out, tabDTO{
					ID:        string(tab.ID),
					URL:       tab.URL,
					Title:     tab.Title,
					State:     stateStr,
					CreatedAt: tab.CreatedAt.Format(time.RFC3339),
				})
			}
		}
	}
	if out == nil {
		out = []tabDTO{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tabs": out})
}

func (c *Core) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	if err := c.Actions.CloseTab(r.Context(), tabID); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (c *Core) handleCloseTabGroup(w http.ResponseWriter, r *http.Request) {
	raw := pathParam(r, "listItemId")
	if msg := security.ValidateSessionID(raw); msg != "" {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("tab group not found", core.ErrTabGroupNotFound))
		return
	}
	key := core.SessionKey(raw)
	sess, err := c.Sessions.GetSession(key)
	if err != nil {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("tab group not found", core.ErrTabGroupNotFound))
		return
	}
	userId := userIdFrom(r, "")
	if userId != "" && sess.UserId != userId {
		writeError(w, c.Config.NodeEnv, core.NewNotFoundError("tab group not found", core.ErrTabGroupNotFound))
		return
	}
	for _, tg := range sess.TabGroups {
		for tabID := range tg.Tabs {
			_ = c.Actions.CloseTab(r.Context(), tabID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

type navigateRequest struct {
	UserId string `json:"userId"`
	URL    string `json:"url"`
}

type navResultDTO struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (c *Core) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var body navigateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	var result *navResultDTO
	err := c.withConcurrency(r, userId, func() error {
		res, err := c.Actions.Navigate(r.Context(), tabID, body.URL)
		if err != nil {
			return err
		}
		result = &navResultDTO{URL: res.URL, Title: res.Title}
		return nil
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *Core) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	offset := queryIntDefault(r, "offset", 0)

	res, err := c.Actions.Snapshot(r.Context(), tabID, offset)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"text":       res.Text,
		"truncated":  res.Meta.Truncated,
		"totalChars": res.Meta.TotalChars,
		"offset":     res.Meta.Offset,
		"hasMore":    res.Meta.HasMore,
		"nextOffset": res.Meta.NextOffset,
	})
}

type refRequest struct {
	UserId string `json:"userId"`
	RefId  string `json:"refId"`
}

type clickResultDTO struct {
	Escalation string               `json:"escalation,omitempty"`
	Downloads  []*core.DownloadInfo `json:"downloads,omitempty"`
}

func (c *Core) handleClick(w http.ResponseWriter, r *http.Request) {
	var body refRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	var result *clickResultDTO
	err := c.withConcurrency(r, userId, func() error {
		res, err := c.Actions.Click(r.Context(), tabID, core.RefId(body.RefId))
		if err != nil {
			return err
		}
		result = &clickResultDTO{Escalation: res.Escalation, Downloads: res.Downloads}
		return nil
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type typeRequest struct {
	UserId     string `json:"userId"`
	RefId      string `json:"refId"`
	Value      string `json:"value"`
	Clear      bool   `json:"clear"`
	PressEnter bool   `json:"pressEnter"`
}

func (c *Core) handleType(w http.ResponseWriter, r *http.Request) {
	var body typeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	err := c.withConcurrency(r, userId, func() error {
		return c.Actions.Type(r.Context(), tabID, core.RefId(body.RefId), body.Value, actions.TypeOptions{
			Clear:      body.Clear,
			PressEnter: body.PressEnter,
		})
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type pressRequest struct {
	UserId string `json:"userId"`
	Key    string `json:"key"`
}

func (c *Core) handlePress(w http.ResponseWriter, r *http.Request) {
	var body pressRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	err := c.withConcurrency(r, userId, func() error {
		return c.Actions.Press(r.Context(), tabID, body.Key)
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type scrollRequest struct {
	UserId string  `json:"userId"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

func (c *Core) handleScroll(w http.ResponseWriter, r *http.Request) {
	var body scrollRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	err := c.withConcurrency(r, userId, func() error {
		return c.Actions.Scroll(r.Context(), tabID, body.DeltaX, body.DeltaY)
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type scrollElementRequest struct {
	UserId   string   `json:"userId"`
	RefId    string   `json:"refId"`
	ScrollTo bool     `json:"scrollTo"`
	Top      float64  `json:"top"`
	Left     float64  `json:"left"`
	DeltaX   float64  `json:"deltaX"`
	DeltaY   *float64 `json:"deltaY"`
}

func (c *Core) handleScrollElement(w http.ResponseWriter, r *http.Request) {
	var body scrollElementRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}

	opts := actions.ScrollElementOptions{
		ScrollTo: body.ScrollTo,
		Top:      body.Top,
		Left:     body.Left,
		DeltaX:   body.DeltaX,
	}
	if body.DeltaY != nil {
		opts.DeltaY = *body.DeltaY
		opts.DeltaYIsZero = *body.DeltaY == 0
	}

	var metrics *actions.ScrollMetrics
	err := c.withConcurrency(r, userId, func() error {
		m, err := c.Actions.ScrollElement(r.Context(), tabID, core.RefId(body.RefId), opts)
		if err != nil {
			return err
		}
		metrics = m
		return nil
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (c *Core) handleBack(w http.ResponseWriter, r *http.Request) {
	c.simpleNavStep(w, r, c.Actions.Back)
}

func (c *Core) handleForward(w http.ResponseWriter, r *http.Request) {
	c.simpleNavStep(w, r, c.Actions.Forward)
}

func (c *Core) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c.simpleNavStep(w, r, c.Actions.Refresh)
}

// simpleNavStep is the shared body for back/forward/refresh: resolve and
// authorize the tab, run step under the user's concurrency slot, reply ok.
func (c *Core) simpleNavStep(w http.ResponseWriter, r *http.Request, step func(ctx context.Context, tabID core.TabId) error) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	err := c.withConcurrency(r, userId, func() error {
		return step(r.Context(), tabID)
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type waitRequest struct {
	UserId string `json:"userId"`
	Ms     int    `json:"ms"`
}

func (c *Core) handleWait(w http.ResponseWriter, r *http.Request) {
	var body waitRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, body.UserId)
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	d := time.Duration(body.Ms) * time.Millisecond
	if d <= 0 || d > 30*time.Second {
		d = 300 * time.Millisecond
	}
	err := c.withConcurrency(r, userId, func() error {
		return c.Actions.Wait(r.Context(), tabID, d)
	})
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *Core) handleLinks(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	urls, err := c.Actions.VisitedURLs(tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"links": urls})
}

func (c *Core) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	png, err := c.Actions.Screenshot(r.Context(), tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (c *Core) handleStats(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	state, err := c.Actions.State(tabID)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	urls, _ := c.Actions.VisitedURLs(tabID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        state.String(),
		"visitedCount": len(urls),
		"visited":      urls,
	})
}

// handleGetCookies surfaces the tab's non-HttpOnly cookies read back via
// document.cookie; the engine capability this build exposes has no CDP
// Network.getCookies passthrough (see DESIGN.md for the scope note).
func (c *Core) handleGetCookies(w http.ResponseWriter, r *http.Request) {
	tabID := core.TabId(pathParam(r, "tabId"))
	userId := userIdFrom(r, "")
	if err := c.requireOwnedTab(tabID, userId); err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	res, err := c.Actions.Evaluate(r.Context(), tabID, "document.cookie", 5*time.Second, false)
	if err != nil {
		writeError(w, c.Config.NodeEnv, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cookies": res.Value})
}
