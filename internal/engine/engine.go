// Package engine defines the capability interface the orchestrator drives
// browser automation through. The concrete browser engine (go-rod/rod over
// CDP in this build) is treated as an opaque external dependency: every
// other package in this module talks to a Browser/Page, never to *rod.*
// types directly, so the orchestration logic is testable with a fake and
// portable to a different underlying engine.
package engine

import (
	"context"
	"time"
)

// Rect is an element's bounding box in page coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Locator resolves to zero or more elements and supports the narrow set of
// interactions Actions needs to perform against them.
type Locator interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Hover(ctx context.Context) error
	ScrollIntoViewIfNeeded(ctx context.Context) error
	BoundingBox(ctx context.Context) (Rect, error)
	Evaluate(ctx context.Context, js string) (string, error)
}

// Keyboard issues synthetic keyboard input against the focused element.
type Keyboard interface {
	Type(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
}

// Mouse issues synthetic mouse input at page coordinates.
type Mouse interface {
	MoveTo(ctx context.Context, x, y float64) error
	Down(ctx context.Context) error
	Up(ctx context.Context) error
	Click(ctx context.Context, x, y float64) error
}

// DownloadEvent is delivered on a Page's download channel once the browser
// has finished saving a file triggered by page activity.
type DownloadEvent struct {
	URL      string
	Suggested string
	Path     string // final path once the save completes
}

// Page is one browser tab.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Title(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
	Evaluate(ctx context.Context, js string) (string, error)
	// ScrollBy smoothly scrolls the page's vertical axis by deltaY, easing
	// toward the target over several steps rather than jumping straight
	// to it.
	ScrollBy(ctx context.Context, deltaY float64) error
	Screenshot(ctx context.Context) ([]byte, error)
	WaitForLoadState(ctx context.Context) error
	WaitForTimeout(ctx context.Context, d time.Duration)
	Keyboard() Keyboard
	Mouse() Mouse
	Locator(selector string) Locator
	GetByRole(role, name string, nth int) Locator
	AriaSnapshot(ctx context.Context) (string, error)
	Downloads() <-chan DownloadEvent
}

// RequestOptions configures an in-context fetch issued via Browser.Request.
type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
}

// FetchResult is the outcome of Browser.Request.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Browser is one persistent, profile-backed browsing context.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Pages(ctx context.Context) ([]Page, error)
	Request(ctx context.Context, url string, opts RequestOptions) (*FetchResult, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Launcher starts a new persistent Browser for a given profile directory.
// ContextPool is the only caller.
type Launcher interface {
	Launch(ctx context.Context, profileDir string, proxyURL string) (Browser, error)
}
