package refs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

type fakeLocator struct {
	clicked bool
	role    string
	name    string
	nth     int
}

func (l *fakeLocator) Click(ctx context.Context) error                    { l.clicked = true; return nil }
func (l *fakeLocator) Fill(ctx context.Context, value string) error       { return nil }
func (l *fakeLocator) Hover(ctx context.Context) error                    { return nil }
func (l *fakeLocator) ScrollIntoViewIfNeeded(ctx context.Context) error   { return nil }
func (l *fakeLocator) BoundingBox(ctx context.Context) (engine.Rect, error) { return engine.Rect{}, nil }
func (l *fakeLocator) Evaluate(ctx context.Context, js string) (string, error) { return "", nil }

type fakePage struct{ snapshot string }

func (p *fakePage) Goto(ctx context.Context, url string) error                 { return nil }
func (p *fakePage) URL() string                                                { return "" }
func (p *fakePage) Title(ctx context.Context) (string, error)                  { return "", nil }
func (p *fakePage) Reload(ctx context.Context) error                           { return nil }
func (p *fakePage) GoBack(ctx context.Context) error                           { return nil }
func (p *fakePage) GoForward(ctx context.Context) error                        { return nil }
func (p *fakePage) Close(ctx context.Context) error                            { return nil }
func (p *fakePage) IsClosed() bool                                             { return false }
func (p *fakePage) Evaluate(ctx context.Context, js string) (string, error)    { return "", nil }
func (p *fakePage) ScrollBy(ctx context.Context, deltaY float64) error         { return nil }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error)             { return nil, nil }
func (p *fakePage) WaitForLoadState(ctx context.Context) error                 { return nil }
func (p *fakePage) WaitForTimeout(ctx context.Context, d time.Duration)        {}
func (p *fakePage) Keyboard() engine.Keyboard                                  { return nil }
func (p *fakePage) Mouse() engine.Mouse                                        { return nil }
func (p *fakePage) Locator(selector string) engine.Locator                     { return &fakeLocator{} }
func (p *fakePage) GetByRole(role, name string, nth int) engine.Locator {
	return &fakeLocator{role: role, name: name, nth: nth}
}
func (p *fakePage) AriaSnapshot(ctx context.Context) (string, error) { return p.snapshot, nil }
func (p *fakePage) Downloads() <-chan engine.DownloadEvent           { return nil }

func TestBuildAssignsSequentialRefs(t *testing.T) {
	tbl := NewTable()
	snap := `- generic
  - button "Submit"
  - link "Home"
  - button "Submit"
`
	annotated := tbl.Build(snap)

	if tbl.Len() != 3 {
		t.Fatalf("expected 3 refs, got %d", tbl.Len())
	}
	r1, err := tbl.Lookup("e1")
	if err != nil || r1.Role != "button" || r1.Name != "Submit" || r1.Nth != 0 {
		t.Fatalf("unexpected ref e1: %+v, err=%v", r1, err)
	}
	r3, err := tbl.Lookup("e3")
	if err != nil || r3.Role != "button" || r3.Name != "Submit" || r3.Nth != 1 {
		t.Fatalf("expected second Submit button nth=1, got %+v, err=%v", r3, err)
	}
	if !strings.Contains(annotated, `[e1]`) || !strings.Contains(annotated, `[e3]`) {
		t.Errorf("expected annotated text to contain ref markers, got:\n%s", annotated)
	}
}

func TestBuildSkipsCombobox(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- combobox "Country"`)
	if tbl.Len() != 0 {
		t.Errorf("expected combobox to be skipped, got %d refs", tbl.Len())
	}
}

func TestBuildSkipsDateNames(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- button "Open date picker"`)
	if tbl.Len() != 0 {
		t.Errorf("expected date-picker name to be skipped, got %d refs", tbl.Len())
	}
}

func TestBuildSkipsNonInteractiveRoles(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- heading "Welcome"`)
	if tbl.Len() != 0 {
		t.Errorf("expected non-interactive role to be skipped, got %d refs", tbl.Len())
	}
}

func TestBuildStopsAfterMaxAcceptedRefs(t *testing.T) {
	tbl := NewTable()
	var sb strings.Builder
	for i := 0; i < maxAcceptedRefs+20; i++ {
		sb.WriteString(`- link "item"` + "\n")
	}
	tbl.Build(sb.String())
	if tbl.Len() != maxAcceptedRefs {
		t.Errorf("expected capped at %d refs, got %d", maxAcceptedRefs, tbl.Len())
	}
}

func TestClearResetsTable(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- button "Go"`)
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Errorf("expected 0 refs after Clear, got %d", tbl.Len())
	}
	if _, err := tbl.Lookup("e1"); err == nil {
		t.Error("expected lookup to fail after Clear")
	}
}

func TestLookupUnknownRefReturnsNotFound(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- button "Go"`)
	_, err := tbl.Lookup("e99")
	ce, ok := core.As(err)
	if !ok || ce.Kind != core.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestResolveBuildsLocatorFromRef(t *testing.T) {
	tbl := NewTable()
	tbl.Build(`- button "Submit"
- button "Submit"`)

	page := &fakePage{}
	loc, err := tbl.Resolve(page, "e2")
	if err != nil {
		t.Fatal(err)
	}
	fl := loc.(*fakeLocator)
	if fl.role != "button" || fl.name != "Submit" || fl.nth != 1 {
		t.Errorf("expected locator for (button, Submit, nth=1), got %+v", fl)
	}
}
