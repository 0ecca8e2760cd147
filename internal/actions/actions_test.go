package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/downloads"
	"github.com/kestrelsoft/browserplane/internal/engine"
	"github.com/kestrelsoft/browserplane/internal/health"
	"github.com/kestrelsoft/browserplane/internal/session"
)

type scriptedLocator struct {
	clickErr   error
	clickCalls int
	evalFn     func(js string) (string, error)
	box        engine.Rect
}

func (l *scriptedLocator) Click(ctx context.Context) error {
	l.clickCalls++
	return l.clickErr
}
func (l *scriptedLocator) Fill(ctx context.Context, value string) error { return nil }
func (l *scriptedLocator) Hover(ctx context.Context) error               { return nil }
func (l *scriptedLocator) ScrollIntoViewIfNeeded(ctx context.Context) error { return nil }
func (l *scriptedLocator) BoundingBox(ctx context.Context) (engine.Rect, error) {
	return l.box, nil
}
func (l *scriptedLocator) Evaluate(ctx context.Context, js string) (string, error) {
	if l.evalFn != nil {
		return l.evalFn(js)
	}
	return "", nil
}

type scriptedMouse struct {
	moved, down, up bool
}

func (m *scriptedMouse) MoveTo(ctx context.Context, x, y float64) error { m.moved = true; return nil }
func (m *scriptedMouse) Down(ctx context.Context) error                 { m.down = true; return nil }
func (m *scriptedMouse) Up(ctx context.Context) error                   { m.up = true; return nil }
func (m *scriptedMouse) Click(ctx context.Context, x, y float64) error  { return nil }

type scriptedKeyboard struct {
	typed  []string
	pressed []string
}

func (k *scriptedKeyboard) Type(ctx context.Context, text string) error {
	k.typed = append(k.typed, text)
	return nil
}
func (k *scriptedKeyboard) Press(ctx context.Context, key string) error {
	k.pressed = append(k.pressed, key)
	return nil
}

type scriptedPage struct {
	url            string
	gotoErr        error
	evalResult     string
	evalErr        error
	evalDelay      time.Duration
	mouse          *scriptedMouse
	keyboard       *scriptedKeyboard
	locator        *scriptedLocator
	downloadEvents chan engine.DownloadEvent
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		url:      "https://example.com/start",
		mouse:    &scriptedMouse{},
		keyboard: &scriptedKeyboard{},
		locator:  &scriptedLocator{},
	}
}

func (p *scriptedPage) Goto(ctx context.Context, url string) error {
	if p.gotoErr != nil {
		return p.gotoErr
	}
	p.url = url
	return nil
}
func (p *scriptedPage) URL() string                                { return p.url }
func (p *scriptedPage) Title(ctx context.Context) (string, error)  { return "Example", nil }
func (p *scriptedPage) Reload(ctx context.Context) error           { return nil }
func (p *scriptedPage) GoBack(ctx context.Context) error           { return nil }
func (p *scriptedPage) GoForward(ctx context.Context) error        { return nil }
func (p *scriptedPage) Close(ctx context.Context) error            { return nil }
func (p *scriptedPage) IsClosed() bool                             { return false }

func (p *scriptedPage) Evaluate(ctx context.Context, js string) (string, error) {
	if p.evalDelay > 0 {
		select {
		case <-time.After(p.evalDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.evalResult, p.evalErr
}

func (p *scriptedPage) ScrollBy(ctx context.Context, deltaY float64) error { return nil }
func (p *scriptedPage) Screenshot(ctx context.Context) ([]byte, error)     { return nil, nil }
func (p *scriptedPage) WaitForLoadState(ctx context.Context) error     { return nil }
func (p *scriptedPage) WaitForTimeout(ctx context.Context, d time.Duration) {}
func (p *scriptedPage) Keyboard() engine.Keyboard { return p.keyboard }
func (p *scriptedPage) Mouse() engine.Mouse       { return p.mouse }
func (p *scriptedPage) Locator(selector string) engine.Locator { return p.locator }
func (p *scriptedPage) GetByRole(role, name string, nth int) engine.Locator {
	return p.locator
}
func (p *scriptedPage) AriaSnapshot(ctx context.Context) (string, error) { return "", nil }
func (p *scriptedPage) Downloads() <-chan engine.DownloadEvent {
	if p.downloadEvents == nil {
		ch := make(chan engine.DownloadEvent)
		close(ch)
		return ch
	}
	return p.downloadEvents
}

func newTestActions(t *testing.T) (*Actions, core.TabId, *scriptedPage) {
	t.Helper()
	reg := session.New(10, 10, time.Hour, time.Hour)
	t.Cleanup(func() { reg.Close(context.Background()) })

	a := New(reg, 0, 0)
	sess, err := reg.CreateSession(core.UserId("alice"))
	if err != nil {
		t.Fatal(err)
	}
	tg, err := reg.CreateTabGroup(sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	page := newScriptedPage()
	tab, err := a.OpenTab(sess.Key, tg.ID, page)
	if err != nil {
		t.Fatal(err)
	}
	return a, tab.ID, page
}

func TestOpenTabStartsInCreatedState(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	st, err := a.State(tabID)
	if err != nil || st != StateCreated {
		t.Fatalf("expected StateCreated, got %v err=%v", st, err)
	}
}

func TestNavigateRejectsUnsafeScheme(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	_, err := a.Navigate(context.Background(), tabID, "file:///etc/passwd")
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestNavigateRejectsPrivateHost(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	_, err := a.Navigate(context.Background(), tabID, "http://127.0.0.1/admin")
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindValidation {
		t.Fatalf("expected KindValidation for loopback host, got %v", err)
	}
}

func TestNavigateTransitionsToReadyAndRecordsVisit(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	res, err := a.Navigate(context.Background(), tabID, "https://example.com/page")
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != "https://example.com/page" {
		t.Errorf("expected navigate result URL to reflect the page, got %q", res.URL)
	}
	st, _ := a.State(tabID)
	if st != StateReady {
		t.Errorf("expected StateReady after navigate, got %v", st)
	}
	visited, err := a.VisitedURLs(tabID)
	if err != nil || len(visited) != 1 {
		t.Fatalf("expected 1 visited URL, got %v err=%v", visited, err)
	}
}

func TestClickOnUnknownRefReturnsNotFound(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	if _, err := a.Navigate(context.Background(), tabID, "https://example.com"); err != nil {
		t.Fatal(err)
	}

	_, err := a.Click(context.Background(), tabID, core.RefId("e1"))
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindNotFound {
		t.Fatalf("expected KindNotFound for a ref the empty fake snapshot never minted, got %v", err)
	}
}

func TestClickForceEscalationOnPointerIntercept(t *testing.T) {
	loc := &scriptedLocator{clickErr: errors.New("element click intercepted by overlay")}
	loc.evalFn = func(js string) (string, error) { return "true", nil }

	page := newScriptedPage()
	page.locator = loc

	escalation, err := clickWithEscalation(context.Background(), page, loc)
	if err != nil {
		t.Fatal(err)
	}
	if escalation != "force" {
		t.Errorf("expected force escalation, got %q", escalation)
	}
}

func TestClickSyntheticEscalationUsesMouse(t *testing.T) {
	loc := &scriptedLocator{clickErr: errors.New("not clickable"), box: engine.Rect{X: 0, Y: 0, Width: 10, Height: 10}}
	page := newScriptedPage()
	page.locator = loc

	escalation, err := clickWithEscalation(context.Background(), page, loc)
	if err != nil {
		t.Fatal(err)
	}
	if escalation != "synthetic" {
		t.Errorf("expected synthetic escalation, got %q", escalation)
	}
	if !page.mouse.moved || !page.mouse.down || !page.mouse.up {
		t.Error("expected synthetic escalation to drive mouse move/down/up")
	}
}

func TestEvaluateTimesOutWhenSlow(t *testing.T) {
	a, tabID, page := newTestActions(t)
	page.evalDelay = 500 * time.Millisecond

	res, err := a.Evaluate(context.Background(), tabID, "1+1", 50*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.ErrorType != "timeout" {
		t.Errorf("expected timeout result, got %+v", res)
	}
}

func TestEvaluateReportsJSError(t *testing.T) {
	a, tabID, page := newTestActions(t)
	page.evalErr = errors.New("ReferenceError: x is not defined")

	res, err := a.Evaluate(context.Background(), tabID, "x", time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.ErrorType != "js_error" {
		t.Errorf("expected js_error result, got %+v", res)
	}
}

func TestEvaluateClassifiesNumberResult(t *testing.T) {
	a, tabID, page := newTestActions(t)
	page.evalResult = "2"

	res, err := a.Evaluate(context.Background(), tabID, "1+1", time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.ResultType != "number" {
		t.Errorf("expected OK number result, got %+v", res)
	}
}

func TestEvaluateRejectsOversizedExpression(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	huge := make([]byte, maxExpressionBytes+1)
	_, err := a.Evaluate(context.Background(), tabID, string(huge), time.Second, false)
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestEvaluateExtendedAllowsLongerTimeout(t *testing.T) {
	a, tabID, page := newTestActions(t)
	page.evalDelay = 100 * time.Millisecond
	page.evalResult = "true"

	res, err := a.Evaluate(context.Background(), tabID, "true", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Errorf("expected success within extended timeout budget, got %+v", res)
	}
}

func TestDownloadEventIsTrackedAgainstAttachedRegistry(t *testing.T) {
	reg := session.New(10, 10, time.Hour, time.Hour)
	t.Cleanup(func() { reg.Close(context.Background()) })

	a := New(reg, 0, 0)
	dlDir := t.TempDir()
	dl, err := downloads.New(downloads.Options{DownloadsDir: dlDir, MaxPerUser: 10, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dl.Close() })
	a.AttachDownloads(dl)

	sess, err := reg.CreateSession(core.UserId("alice"))
	if err != nil {
		t.Fatal(err)
	}
	tg, err := reg.CreateTabGroup(sess.Key)
	if err != nil {
		t.Fatal(err)
	}

	page := newScriptedPage()
	page.downloadEvents = make(chan engine.DownloadEvent, 1)

	srcPath := filepath.Join(t.TempDir(), "source.pdf")
	if err := os.WriteFile(srcPath, []byte("pdf-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	tab, err := a.OpenTab(sess.Key, tg.ID, page)
	if err != nil {
		t.Fatal(err)
	}

	page.downloadEvents <- engine.DownloadEvent{URL: "https://example.com/report.pdf", Suggested: "report.pdf", Path: srcPath}
	close(page.downloadEvents)

	deadline := time.Now().Add(2 * time.Second)
	for {
		list := dl.ListForUser(core.UserId("alice"))
		if len(list) == 1 && list[0].Status != core.DownloadPending {
			if list[0].Status != core.DownloadCompleted {
				t.Fatalf("expected download to complete, got status %v error %q", list[0].Status, list[0].Error)
			}
			if list[0].TabId != tab.ID {
				t.Errorf("expected download to be tied to the originating tab")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for download to be tracked, got %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNavigateFailureIncrementsHealthAndSuccessResets(t *testing.T) {
	reg := session.New(10, 10, time.Hour, time.Hour)
	t.Cleanup(func() { reg.Close(context.Background()) })

	a := New(reg, 0, 0)
	tracker := health.New(2, time.Minute)
	t.Cleanup(tracker.Close)
	a.AttachHealth(tracker)

	sess, err := reg.CreateSession(core.UserId("hank"))
	if err != nil {
		t.Fatal(err)
	}
	tg, err := reg.CreateTabGroup(sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	page := newScriptedPage()
	page.gotoErr = errors.New("navigation timed out")
	tab, err := a.OpenTab(sess.Key, tg.ID, page)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Navigate(context.Background(), tab.ID, "https://example.com"); err == nil {
		t.Fatal("expected navigate to fail")
	}
	if tracker.IsUnhealthy() {
		t.Error("expected healthy after only 1 of 2 failures needed to trip the threshold")
	}
	if tracker.State().ConsecutiveFailures != 1 {
		t.Errorf("expected one recorded failure, got state %+v", tracker.State())
	}

	page.gotoErr = nil
	if _, err := a.Navigate(context.Background(), tab.ID, "https://example.com/ok"); err != nil {
		t.Fatal(err)
	}
	if tracker.State().ConsecutiveFailures != 0 {
		t.Error("expected a successful navigation to reset the consecutive-failure counter")
	}
}

func TestCloseTabMakesFurtherLookupsNotFound(t *testing.T) {
	a, tabID, _ := newTestActions(t)
	if err := a.CloseTab(context.Background(), tabID); err != nil {
		t.Fatal(err)
	}
	_, err := a.State(tabID)
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindNotFound {
		t.Fatalf("expected KindNotFound after close, got %v", err)
	}
}
