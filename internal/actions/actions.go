// Package actions implements the Actions state machine and the mutating
// half of the Snapshot -> Refs -> Action pipeline: navigate, click, type,
// press, scroll, back/forward/refresh, and evaluate, each running under a
// tab's TabLock. Navigate, click, type, press and back/forward/refresh
// rebuild refs on completion; scroll, scroll-element and evaluate leave the
// ref table as it is. Grounded on the
// teacher's session.Manager action dispatch for the "serialize under a
// per-resource lock, then mutate state" shape, generalized from a single
// flat command dispatch into one method per operation.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/downloads"
	"github.com/kestrelsoft/browserplane/internal/engine"
	"github.com/kestrelsoft/browserplane/internal/health"
	"github.com/kestrelsoft/browserplane/internal/humanize"
	"github.com/kestrelsoft/browserplane/internal/refs"
	"github.com/kestrelsoft/browserplane/internal/security"
	"github.com/kestrelsoft/browserplane/internal/session"
)

// State is a tab's position in the Actions state machine.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateReady
	StateActing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "loaded"
	case StateReady:
		return "ready"
	case StateActing:
		return "acting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxExpressionBytes  = 64 * 1024
	maxEvalResultBytes  = 1 << 20
	defaultEvalTimeout  = 30 * time.Second
	extendedEvalTimeout = 300 * time.Second
	minEvalTimeout      = 100 * time.Millisecond
	defaultScrollDeltaY = 300.0
	pointerInterceptHint = "intercept"
)

// tabRuntime is the actions-level bookkeeping kept alongside the
// registry's own Tab: the state-machine position, the ref table, and the
// list of URLs visited in this tab's lifetime.
type tabRuntime struct {
	state   State
	refs    *refs.Table
	visited []string
}

// Actions drives the state machine and the mutating operations for every
// open tab, using Registry.WithTabLock as its sole synchronization point.
type Actions struct {
	registry  *session.Registry
	downloads *downloads.Registry
	health    *health.Tracker

	mu   sync.Mutex
	tabs map[core.TabId]*tabRuntime

	maxSnapshotChars  int
	snapshotTailChars int
}

// New creates an Actions driver over registry.
func New(registry *session.Registry, maxSnapshotChars, snapshotTailChars int) *Actions {
	if maxSnapshotChars <= 0 {
		maxSnapshotChars = refs.DefaultMaxSnapshotChars
	}
	if snapshotTailChars <= 0 {
		snapshotTailChars = refs.DefaultSnapshotTailChars
	}
	return &Actions{
		registry:          registry,
		tabs:              make(map[core.TabId]*tabRuntime),
		maxSnapshotChars:  maxSnapshotChars,
		snapshotTailChars: snapshotTailChars,
	}
}

// AttachDownloads wires a download registry so every tab's engine-level
// download events are tracked. Must be called before any OpenTab whose
// downloads should be recorded; a nil registry disables tracking.
func (a *Actions) AttachDownloads(reg *downloads.Registry) {
	a.downloads = reg
}

// AttachHealth wires the process-wide health tracker. Only Navigate touches
// it: a failed goto counts as a consecutive failure and a successful one
// resets the counter; a URL rejected by validation touches neither.
func (a *Actions) AttachHealth(h *health.Tracker) {
	a.health = h
}

// OpenTab opens a new tab through the registry and registers its
// Actions-level runtime state as CREATED.
func (a *Actions) OpenTab(sessionKey core.SessionKey, tabGroupID core.TabGroupId, page engine.Page) (*core.Tab, error) {
	tab, err := a.registry.OpenTab(sessionKey, tabGroupID, page)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.tabs[tab.ID] = &tabRuntime{state: StateCreated, refs: refs.NewTable()}
	a.mu.Unlock()

	if a.downloads != nil {
		go a.watchDownloads(tab.ID, sessionKey, page)
	}

	return tab, nil
}

// watchDownloads drains page's download-event channel for its lifetime,
// recording each one against the attached download registry. The engine
// only reports a download once it settles, so start and finalize happen
// back to back rather than at separate points in the download's life.
func (a *Actions) watchDownloads(tabID core.TabId, sessionKey core.SessionKey, page engine.Page) {
	sess, err := a.registry.GetSession(sessionKey)
	if err != nil {
		return
	}
	userID := sess.UserId

	for ev := range page.Downloads() {
		info, err := a.downloads.StartDownload(userID, tabID, ev.URL, ev.Suggested)
		if err != nil {
			log.Warn().Err(err).Str("tabId", string(tabID)).Msg("failed to register download")
			continue
		}

		var finalizeErr error
		if ev.Path == "" {
			finalizeErr = fmt.Errorf("engine reported no saved file path")
		} else if err := copyDownloadedFile(ev.Path, info.Path); err != nil {
			finalizeErr = err
		}
		if err := a.downloads.Finalize(info.ID, finalizeErr); err != nil {
			log.Warn().Err(err).Str("downloadId", info.ID).Msg("failed to finalize download")
		}
	}
}

// CloseTab closes a tab through the registry and drops its runtime state.
// Lookups against a closed tabId return not-found from then on.
func (a *Actions) CloseTab(ctx context.Context, tabID core.TabId) error {
	a.mu.Lock()
	if rt, ok := a.tabs[tabID]; ok {
		rt.state = StateClosed
	}
	delete(a.tabs, tabID)
	a.mu.Unlock()

	return a.registry.CloseTab(ctx, tabID)
}

func (a *Actions) runtime(tabID core.TabId) (*tabRuntime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rt, ok := a.tabs[tabID]
	if !ok || rt.state == StateClosed {
		return nil, core.NewNotFoundError("tab not found", core.ErrTabNotFound)
	}
	return rt, nil
}

func (a *Actions) setState(tabID core.TabId, s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.tabs[tabID]; ok {
		rt.state = s
	}
}

// State returns the current Actions state-machine position for tabID.
func (a *Actions) State(tabID core.TabId) (State, error) {
	rt, err := a.runtime(tabID)
	if err != nil {
		return StateClosed, err
	}
	return rt.state, nil
}

// rebuildRefs reruns the snapshot pipeline (readiness wait, consent
// dismissal, accessibility snapshot, ref extraction) and stores the fresh
// ref table, transitioning the tab to READY. Navigation invalidates refs
// atomically before this runs.
func (a *Actions) rebuildRefs(ctx context.Context, tabID core.TabId, page engine.Page) {
	rt, err := a.runtime(tabID)
	if err != nil {
		return
	}

	WaitForPageReady(ctx, page)
	DismissConsent(ctx, page)
	raw := TakeSnapshot(ctx, page)
	rt.refs.Build(raw)

	a.setState(tabID, StateReady)
}

// WaitForPageReady re-exports refs.WaitForPageReady so callers outside
// this package don't need a second import.
func WaitForPageReady(ctx context.Context, page engine.Page) { refs.WaitForPageReady(ctx, page) }

// DismissConsent re-exports refs.DismissConsent.
func DismissConsent(ctx context.Context, page engine.Page) { refs.DismissConsent(ctx, page) }

// TakeSnapshot re-exports refs.TakeSnapshot.
func TakeSnapshot(ctx context.Context, page engine.Page) string { return refs.TakeSnapshot(ctx, page) }

// NavigateResult is the outcome of a successful Navigate call.
type NavigateResult struct {
	URL   string
	Title string
}

// Navigate rejects unsafe URLs, runs the goto under the tab's lock,
// invalidates refs atomically, and rebuilds them before returning.
func (a *Actions) Navigate(ctx context.Context, tabID core.TabId, url string) (*NavigateResult, error) {
	if err := security.ValidateURLWithContext(ctx, url); err != nil {
		return nil, core.NewValidationError(fmt.Sprintf("navigation target rejected: %v", err), err)
	}

	if a.health != nil {
		done := a.health.BeginOp()
		defer done()
	}

	var result *NavigateResult
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		a.setState(tabID, StateActing)

		if err := page.Goto(ctx, url); err != nil {
			if a.health != nil {
				a.health.RecordFailure()
			}
			return core.NewEngineError("navigation failed", err)
		}
		if a.health != nil {
			a.health.RecordSuccess()
		}
		_ = page.WaitForLoadState(ctx)
		a.setState(tabID, StateLoaded)

		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}
		rt.refs.Clear()

		a.rebuildRefs(ctx, tabID, page)

		title, _ := page.Title(ctx)
		finalURL := page.URL()
		rt.visited = append(rt.visited, finalURL)
		result = &NavigateResult{URL: finalURL, Title: title}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SnapshotResult is a windowed, annotated accessibility snapshot.
type SnapshotResult struct {
	Text string
	Meta refs.WindowMeta
}

// Snapshot rebuilds refs from the page's current state and returns the
// annotated, windowed snapshot text.
func (a *Actions) Snapshot(ctx context.Context, tabID core.TabId, offset int) (*SnapshotResult, error) {
	var result *SnapshotResult
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}

		a.setState(tabID, StateActing)
		WaitForPageReady(ctx, page)
		DismissConsent(ctx, page)
		raw := TakeSnapshot(ctx, page)
		annotated := rt.refs.Build(raw)
		a.setState(tabID, StateReady)

		text, meta := refs.Window(annotated, offset, a.maxSnapshotChars, a.snapshotTailChars)
		result = &SnapshotResult{Text: text, Meta: meta}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClickResult reports how the click escalated, if at all, plus any
// downloads the click triggered since it started.
type ClickResult struct {
	Escalation string // "", "force", or "synthetic"
	Downloads  []*core.DownloadInfo
}

// clickDownloadWindow bounds how far back after a click starts a download
// is still considered "triggered by" it, for ClickResult.Downloads.
const clickDownloadWindow = 3 * time.Second

// Click resolves refId and performs the three-stage escalation: a normal
// click, then a forced click if the failure mentions pointer-event
// interception, then a synthetic move/down/up mouse sequence.
func (a *Actions) Click(ctx context.Context, tabID core.TabId, refID core.RefId) (*ClickResult, error) {
	clickStarted := time.Now()
	var result *ClickResult
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		loc, err := rt.refs.Resolve(page, refID)
		if err != nil {
			return err
		}

		escalation, err := clickWithEscalation(ctx, page, loc)
		if err != nil {
			return core.NewEngineError("click failed after escalation", err)
		}

		beforeURL := page.URL()
		a.rebuildRefs(ctx, tabID, page)
		if page.URL() != beforeURL {
			rt.visited = append(rt.visited, page.URL())
		}

		result = &ClickResult{Escalation: escalation}
		if a.downloads != nil {
			result.Downloads = a.downloads.GetRecentDownloads(tabID, time.Since(clickStarted)+clickDownloadWindow)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func clickWithEscalation(ctx context.Context, page engine.Page, loc engine.Locator) (string, error) {
	err := loc.Click(ctx)
	if err == nil {
		return "", nil
	}

	if strings.Contains(strings.ToLower(err.Error()), pointerInterceptHint) {
		if _, evalErr := loc.Evaluate(ctx, "(function(el){ el.click(); return true; })(this)"); evalErr == nil {
			return "force", nil
		}
	}

	box, boxErr := loc.BoundingBox(ctx)
	if boxErr != nil {
		return "", err
	}

	centerX := box.X + box.Width/2
	centerY := box.Y + box.Height/2
	mouse := page.Mouse()

	if err := mouse.MoveTo(ctx, centerX, centerY); err != nil {
		return "", err
	}
	humanize.SleepWithContext(ctx, humanize.RandomDuration(30, 90))
	if err := mouse.Down(ctx); err != nil {
		return "", err
	}
	humanize.SleepWithContext(ctx, humanize.RandomDuration(30, 90))
	if err := mouse.Up(ctx); err != nil {
		return "", err
	}
	return "synthetic", nil
}

// TypeOptions configures the Type action.
type TypeOptions struct {
	Clear      bool
	PressEnter bool
}

// Type fills refId's field. When Clear is set the existing content is
// replaced; otherwise new text is appended at the current cursor. An
// optional Enter press runs as a separate keyboard step after the fill.
func (a *Actions) Type(ctx context.Context, tabID core.TabId, refID core.RefId, value string, opts TypeOptions) error {
	return a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		loc, err := rt.refs.Resolve(page, refID)
		if err != nil {
			return err
		}

		if opts.Clear {
			if err := loc.Fill(ctx, value); err != nil {
				return core.NewEngineError("fill failed", err)
			}
		} else {
			if err := loc.Click(ctx); err != nil {
				return core.NewEngineError("focus for type failed", err)
			}
			if err := page.Keyboard().Type(ctx, value); err != nil {
				return core.NewEngineError("type failed", err)
			}
		}

		if opts.PressEnter {
			if err := page.Keyboard().Press(ctx, "Enter"); err != nil {
				return core.NewEngineError("press enter failed", err)
			}
		}

		a.rebuildRefs(ctx, tabID, page)
		return nil
	})
}

// Press issues a single keyboard key press against the page.
func (a *Actions) Press(ctx context.Context, tabID core.TabId, key string) error {
	return a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		if _, err := a.runtime(tabID); err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		if err := page.Keyboard().Press(ctx, key); err != nil {
			return core.NewEngineError("key press failed", err)
		}
		a.rebuildRefs(ctx, tabID, page)
		return nil
	})
}

// Scroll scrolls the page viewport by the given delta. The horizontal
// component, rarely used by real pages, jumps straight there; the vertical
// component eases toward its target via page.ScrollBy.
func (a *Actions) Scroll(ctx context.Context, tabID core.TabId, deltaX, deltaY float64) error {
	return a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		if _, err := a.runtime(tabID); err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		if deltaX != 0 {
			js := fmt.Sprintf("window.scrollBy(%f, 0)", deltaX)
			if _, err := page.Evaluate(ctx, js); err != nil {
				return core.NewEngineError("scroll failed", err)
			}
		}
		if deltaY != 0 {
			if err := page.ScrollBy(ctx, deltaY); err != nil {
				return core.NewEngineError("scroll failed", err)
			}
		}
		a.setState(tabID, StateReady)
		return nil
	})
}

// ScrollMetrics is the six scroll measurements ScrollElement reports back.
type ScrollMetrics struct {
	ScrollTop    float64 `json:"scrollTop"`
	ScrollLeft   float64 `json:"scrollLeft"`
	ScrollWidth  float64 `json:"scrollWidth"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientWidth  float64 `json:"clientWidth"`
	ClientHeight float64 `json:"clientHeight"`
}

// ScrollElementOptions is either an absolute scroll (ScrollTo set, using
// Top/Left) or a relative delta (DeltaX/DeltaY); in the relative form a
// zero DeltaY defaults to 300 unless DeltaYIsZero is set.
type ScrollElementOptions struct {
	ScrollTo     bool
	Top          float64
	Left         float64
	DeltaX       float64
	DeltaY       float64
	DeltaYIsZero bool // distinguishes an explicit 0 from "unset, use default"
}

// ScrollElement scrolls refId's element, absolutely via ScrollTo or
// relatively via delta (defaulting deltaY to 300), and returns its six
// scroll metrics afterward.
func (a *Actions) ScrollElement(ctx context.Context, tabID core.TabId, refID core.RefId, opts ScrollElementOptions) (*ScrollMetrics, error) {
	var metrics *ScrollMetrics
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		loc, err := rt.refs.Resolve(page, refID)
		if err != nil {
			return err
		}

		deltaY := opts.DeltaY
		if deltaY == 0 && !opts.DeltaYIsZero {
			deltaY = defaultScrollDeltaY
		}

		var js string
		if opts.ScrollTo {
			js = fmt.Sprintf("this.scrollTo({top: %f, left: %f})", opts.Top, opts.Left)
		} else {
			js = fmt.Sprintf("this.scrollBy({top: %f, left: %f})", deltaY, opts.DeltaX)
		}
		if _, err := loc.Evaluate(ctx, js); err != nil {
			return core.NewEngineError("scroll-element failed", err)
		}

		raw, err := loc.Evaluate(ctx, scrollMetricsJS)
		if err != nil {
			return core.NewEngineError("reading scroll metrics failed", err)
		}
		var m ScrollMetrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Warn().Err(err).Str("raw", raw).Msg("failed to parse scroll metrics")
		}
		metrics = &m

		a.setState(tabID, StateReady)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

const scrollMetricsJS = `(function(el){ return JSON.stringify({
  scrollTop: el.scrollTop, scrollLeft: el.scrollLeft,
  scrollWidth: el.scrollWidth, scrollHeight: el.scrollHeight,
  clientWidth: el.clientWidth, clientHeight: el.clientHeight
}); })(this)`

// Wait pauses the tab for d under its lock, without touching refs.
func (a *Actions) Wait(ctx context.Context, tabID core.TabId, d time.Duration) error {
	return a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		if _, err := a.runtime(tabID); err != nil {
			return err
		}
		page.WaitForTimeout(ctx, d)
		return nil
	})
}

// Screenshot captures a PNG of the tab's current page.
func (a *Actions) Screenshot(ctx context.Context, tabID core.TabId) ([]byte, error) {
	var png []byte
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		if _, err := a.runtime(tabID); err != nil {
			return err
		}
		var err error
		png, err = page.Screenshot(ctx)
		if err != nil {
			return core.NewEngineError("screenshot failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return png, nil
}

// Back, Forward and Refresh share the same navigate-settle-rebuild shape.

func (a *Actions) Back(ctx context.Context, tabID core.TabId) error {
	return a.navStep(ctx, tabID, func(page engine.Page) error { return page.GoBack(ctx) })
}

func (a *Actions) Forward(ctx context.Context, tabID core.TabId) error {
	return a.navStep(ctx, tabID, func(page engine.Page) error { return page.GoForward(ctx) })
}

func (a *Actions) Refresh(ctx context.Context, tabID core.TabId) error {
	return a.navStep(ctx, tabID, func(page engine.Page) error { return page.Reload(ctx) })
}

func (a *Actions) navStep(ctx context.Context, tabID core.TabId, step func(page engine.Page) error) error {
	return a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		rt, err := a.runtime(tabID)
		if err != nil {
			return err
		}
		a.setState(tabID, StateActing)

		if err := step(page); err != nil {
			return core.NewEngineError("navigation step failed", err)
		}
		_ = page.WaitForLoadState(ctx)
		a.setState(tabID, StateLoaded)

		rt.refs.Clear()
		a.rebuildRefs(ctx, tabID, page)
		rt.visited = append(rt.visited, page.URL())
		return nil
	})
}

// EvalResult is the JSON-facing outcome of Evaluate / EvaluateExtended.
type EvalResult struct {
	OK         bool
	Value      json.RawMessage
	ResultType string
	Truncated  bool
	ErrorType  string
	ErrorMsg   string
}

// Evaluate runs expression against the page, racing it against timeout
// (clamped to [100ms, max]), and classifies the outcome per the shared
// /evaluate and /evaluate-extended contract.
func (a *Actions) Evaluate(ctx context.Context, tabID core.TabId, expression string, timeout time.Duration, extended bool) (*EvalResult, error) {
	if len(expression) > maxExpressionBytes {
		return nil, core.NewValidationError("expression exceeds 64KB limit", nil)
	}

	maxTimeout := defaultEvalTimeout
	if extended {
		maxTimeout = extendedEvalTimeout
	}
	if timeout < minEvalTimeout {
		timeout = minEvalTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	var result *EvalResult
	err := a.registry.WithTabLock(ctx, tabID, func(page engine.Page) error {
		if _, err := a.runtime(tabID); err != nil {
			return err
		}
		a.setState(tabID, StateActing)
		defer a.setState(tabID, StateReady)

		result = runEvaluate(ctx, page, expression, timeout)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type evalOutcome struct {
	value string
	err   error
}

func runEvaluate(ctx context.Context, page engine.Page, expression string, timeout time.Duration) *EvalResult {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan evalOutcome, 1)
	go func() {
		v, err := page.Evaluate(evalCtx, expression)
		ch <- evalOutcome{value: v, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return &EvalResult{OK: false, ErrorType: "timeout"}
	case o := <-ch:
		if o.err != nil {
			return &EvalResult{OK: false, ErrorType: "js_error", ErrorMsg: o.err.Error()}
		}
		return classifyEvalValue(o.value)
	}
}

func classifyEvalValue(raw string) *EvalResult {
	if raw == "" || raw == "undefined" {
		return &EvalResult{OK: true, ResultType: "undefined"}
	}

	if len(raw) > maxEvalResultBytes {
		placeholder := fmt.Sprintf(`"<truncated: %d bytes>"`, len(raw))
		return &EvalResult{OK: true, Value: json.RawMessage(placeholder), Truncated: true, ResultType: "string"}
	}

	var v interface{}
	resultType := "string"
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case nil:
			resultType = "null"
		case []interface{}:
			resultType = "array"
		case map[string]interface{}:
			resultType = "object"
		case float64:
			resultType = "number"
		case string:
			resultType = "string"
		case bool:
			resultType = "boolean"
		}
		return &EvalResult{OK: true, Value: json.RawMessage(raw), ResultType: resultType}
	}

	quoted, _ := json.Marshal(raw)
	return &EvalResult{OK: true, Value: json.RawMessage(quoted), ResultType: "string"}
}

// copyDownloadedFile moves the engine's saved file into the registry's
// managed per-user path. Falls back to a copy when the engine's temp file
// lives on a different filesystem than the downloads directory.
func copyDownloadedFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open downloaded file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy downloaded file: %w", err)
	}
	_ = os.Remove(src)
	return nil
}

// VisitedURLs returns the ordered list of URLs this tab has navigated to
// or clicked into, for stats/diagnostics surfaces.
func (a *Actions) VisitedURLs(tabID core.TabId) ([]string, error) {
	rt, err := a.runtime(tabID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(rt.visited))
	copy(out, rt.visited)
	return out, nil
}
