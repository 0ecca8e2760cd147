package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/humanize"
	"github.com/kestrelsoft/browserplane/internal/security"
)

// RodLauncher launches real, stealth-patched Chrome instances over CDP via
// go-rod. It is the one production implementation of engine.Launcher.
//
// HeadlessMode is tri-state: "true" runs Chrome's native headless mode,
// "false" runs headed, and "virtual" runs headed against a virtual
// framebuffer (e.g. Xvfb, supplied externally via DISPLAY) to dodge
// headless-detection fingerprints while still running unattended.
type RodLauncher struct {
	BrowserPath      string
	HeadlessMode     string
	IgnoreCertErrors bool
}

func (rl *RodLauncher) build(profileDir, proxyURL string) *launcher.Launcher {
	l := launcher.New().UserDataDir(profileDir)

	if rl.BrowserPath != "" {
		l = l.Bin(rl.BrowserPath)
	}

	switch rl.HeadlessMode {
	case "virtual":
		l = l.Headless(false)
	case "false":
		l = l.Headless(false)
	default:
		l = l.Set("headless", "new")
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2").
		Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1920,1080").
		Set("mute-audio")

	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(proxyURL)).Msg("context proxy configured")
	}

	if rl.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}

	if runtime.GOARCH == "arm64" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// Launch implements engine.Launcher.
func (rl *RodLauncher) Launch(ctx context.Context, profileDir, proxyURL string) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := rl.build(profileDir, proxyURL)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser process: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser over CDP: %w", err)
	}

	if rl.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to disable certificate validation")
		}
	}

	return &rodBrowser{browser: b}, nil
}

type rodBrowser struct {
	browser *rod.Browser
	closed  atomic.Bool
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	return &rodPage{page: page.Context(ctx)}, nil
}

func (b *rodBrowser) Pages(ctx context.Context) ([]Page, error) {
	pages, err := b.browser.Pages()
	if err != nil {
		return nil, err
	}
	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		out = append(out, &rodPage{page: p.Context(ctx)})
	}
	return out, nil
}

func (b *rodBrowser) Request(ctx context.Context, url string, opts RequestOptions) (*FetchResult, error) {
	req := b.browser.Context(ctx).HijackRequests()
	defer req.Stop()

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open fetch page: %w", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate for fetch: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load for fetch: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read fetch body: %w", err)
	}

	return &FetchResult{Status: 200, Body: []byte(html)}, nil
}

func (b *rodBrowser) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.browser.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *rodBrowser) IsClosed() bool { return b.closed.Load() }

type rodPage struct {
	page   *rod.Page
	closed atomic.Bool
}

func (p *rodPage) Goto(ctx context.Context, url string) error {
	return p.page.Context(ctx).Navigate(url)
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Reload(ctx context.Context) error {
	return p.page.Context(ctx).Reload()
}

func (p *rodPage) GoBack(ctx context.Context) error {
	return p.page.Context(ctx).NavigateBack()
}

func (p *rodPage) GoForward(ctx context.Context) error {
	return p.page.Context(ctx).NavigateForward()
}

func (p *rodPage) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.page.Context(ctx).Close()
}

func (p *rodPage) IsClosed() bool { return p.closed.Load() }

func (p *rodPage) Evaluate(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

// ScrollBy delegates to humanize.Scroller so a page-level scroll eases
// toward its target across several steps instead of snapping to it.
func (p *rodPage) ScrollBy(ctx context.Context, deltaY float64) error {
	return humanize.NewScroller(p.page.Context(ctx)).ScrollBy(ctx, deltaY)
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) WaitForLoadState(ctx context.Context) error {
	return p.page.Context(ctx).WaitLoad()
}

func (p *rodPage) WaitForTimeout(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (p *rodPage) Keyboard() Keyboard { return &rodKeyboard{page: p.page} }
func (p *rodPage) Mouse() Mouse       { return &rodMouse{page: p.page} }

func (p *rodPage) Locator(selector string) Locator {
	return &rodLocator{page: p.page, selector: selector}
}

func (p *rodPage) GetByRole(role, name string, nth int) Locator {
	// go-rod has no native role/name locator; approximate with an
	// attribute selector against the rendered accessibility role, falling
	// back to a text-content match. This is intentionally best-effort: the
	// embedded engine's exact role resolution is treated as opaque.
	sel := fmt.Sprintf(`[role="%s"]`, role)
	return &rodLocator{page: p.page, selector: sel, roleName: name, nth: nth}
}

func (p *rodPage) AriaSnapshot(ctx context.Context) (string, error) {
	tree, err := proto.AccessibilityGetFullAXTree{}.Call(p.page.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("read accessibility tree: %w", err)
	}
	return renderAXTree(tree.Nodes), nil
}

// renderAXTree turns the CDP accessibility tree into an indented "- role
// "name"" text outline, one node per line, matching the shape the ref
// extraction pass in internal/refs parses.
func renderAXTree(nodes []*proto.AccessibilityAXNode) string {
	byID := make(map[proto.AccessibilityAXNodeID]*proto.AccessibilityAXNode, len(nodes))
	hasParent := make(map[proto.AccessibilityAXNodeID]bool, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	for _, n := range nodes {
		for _, c := range n.ChildIds {
			hasParent[c] = true
		}
	}

	var roots []*proto.AccessibilityAXNode
	for _, n := range nodes {
		if !hasParent[n.NodeID] {
			roots = append(roots, n)
		}
	}
	if len(roots) == 0 && len(nodes) > 0 {
		roots = []*proto.AccessibilityAXNode{nodes[0]}
	}

	var sb strings.Builder
	visited := make(map[proto.AccessibilityAXNodeID]bool, len(nodes))
	var walk func(n *proto.AccessibilityAXNode, depth int)
	walk = func(n *proto.AccessibilityAXNode, depth int) {
		if n == nil || visited[n.NodeID] {
			return
		}
		visited[n.NodeID] = true
		if !n.Ignored {
			role := axValueString(n.Role)
			name := axValueString(n.Name)
			sb.WriteString(strings.Repeat("  ", depth))
			sb.WriteString("- ")
			sb.WriteString(role)
			if name != "" {
				sb.WriteString(fmt.Sprintf(" %q", name))
			}
			sb.WriteString("\n")
		}
		for _, cid := range n.ChildIds {
			walk(byID[cid], depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return sb.String()
}

func axValueString(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	return v.Value.Str()
}

func (p *rodPage) Downloads() <-chan DownloadEvent {
	ch := make(chan DownloadEvent, 8)
	go func() {
		defer close(ch)
		wait, egCancel := p.page.Browser().WaitDownload()
		defer egCancel()
		for {
			info := wait()
			if info == nil {
				return
			}
			ch <- DownloadEvent{
				URL:       info.URL,
				Suggested: info.GUID,
			}
		}
	}()
	return ch
}

type rodKeyboard struct{ page *rod.Page }

func (k *rodKeyboard) Type(ctx context.Context, text string) error {
	return k.page.Context(ctx).InsertText(text)
}

func (k *rodKeyboard) Press(ctx context.Context, key string) error {
	keyCode, ok := proto.NamedKey(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return k.page.Context(ctx).Keyboard.Press(keyCode)
}

type rodMouse struct{ page *rod.Page }

// MoveTo walks the cursor to (x, y) along a bezier curve with per-step
// jitter instead of teleporting it there, via humanize.Mouse.
func (m *rodMouse) MoveTo(ctx context.Context, x, y float64) error {
	return humanize.NewMouse(m.page.Context(ctx)).MoveTo(ctx, x, y)
}

func (m *rodMouse) Down(ctx context.Context) error {
	return m.page.Context(ctx).Mouse.Down(proto.InputMouseButtonLeft, 1)
}

func (m *rodMouse) Up(ctx context.Context) error {
	return m.page.Context(ctx).Mouse.Up(proto.InputMouseButtonLeft, 1)
}

// Click performs a curved approach plus hover/dwell delay via
// humanize.Mouse rather than a single jump-and-press.
func (m *rodMouse) Click(ctx context.Context, x, y float64) error {
	return humanize.NewMouse(m.page.Context(ctx)).Click(ctx, x, y)
}

type rodLocator struct {
	page     *rod.Page
	selector string
	roleName string
	nth      int
}

func (l *rodLocator) element(ctx context.Context) (*rod.Element, error) {
	pg := l.page.Context(ctx)
	if l.nth > 0 {
		els, err := l.elements(pg)
		if err != nil {
			return nil, err
		}
		if l.nth >= len(els) {
			return nil, fmt.Errorf("locator %q: nth %d out of range (found %d matches)", l.selector, l.nth, len(els))
		}
		return els[l.nth], nil
	}
	if l.roleName == "" {
		return pg.Element(l.selector)
	}
	return pg.ElementR(l.selector, l.roleName)
}

func (l *rodLocator) elements(pg *rod.Page) (rod.Elements, error) {
	all, err := pg.Elements(l.selector)
	if err != nil {
		return nil, err
	}
	if l.roleName == "" {
		return all, nil
	}
	var matched rod.Elements
	for _, el := range all {
		text, err := el.Text()
		if err == nil && text == l.roleName {
			matched = append(matched, el)
		}
	}
	return matched, nil
}

func (l *rodLocator) Click(ctx context.Context) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (l *rodLocator) Fill(ctx context.Context, value string) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (l *rodLocator) Hover(ctx context.Context) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	return el.Hover()
}

func (l *rodLocator) ScrollIntoViewIfNeeded(ctx context.Context) error {
	el, err := l.element(ctx)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

func (l *rodLocator) BoundingBox(ctx context.Context) (Rect, error) {
	el, err := l.element(ctx)
	if err != nil {
		return Rect{}, err
	}
	shape, err := el.Shape()
	if err != nil {
		return Rect{}, err
	}
	box := shape.Box()
	return Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (l *rodLocator) Evaluate(ctx context.Context, js string) (string, error) {
	el, err := l.element(ctx)
	if err != nil {
		return "", err
	}
	res, err := el.Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}
