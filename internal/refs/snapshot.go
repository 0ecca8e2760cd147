package refs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/engine"
)

const (
	hydrationMaxIterations   = 40
	hydrationInterval        = 250 * time.Millisecond
	resourceTimingTailWindow = 400 * time.Millisecond
	networkIdleCap           = 2 * time.Second
	consentProbeTimeout      = 100 * time.Millisecond
	consentClickTimeout      = time.Second
	ariaSnapshotTimeout      = 12 * time.Second
	ariaSnapshotRetryWait    = 5 * time.Second
)

// consentSelectors is a fixed, best-effort list of dismissal targets for
// the most common cookie/consent overlays. Every attempt is probed for
// visibility before clicking and failures are swallowed: a missed overlay
// must never fail the snapshot.
var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#onetrust-reject-all-handler",
	"#onetrust-close-btn-container button",
	`[aria-label="Accept all"]`,
	`[aria-label="Close"]`,
	`[aria-label="Dismiss"]`,
	`[class*="consent"] button`,
	`[class*="privacy"] button`,
	`[class*="cookie"] button`,
	`[class*="modal"] button`,
	`[class*="overlay"] button`,
}

// consentDialogTextPattern matches the common button copy used inside a
// generic role="dialog" consent overlay.
const consentDialogTextPattern = `Close|Accept|I Accept|Got it|OK`

// WaitForPageReady waits for the page to settle enough that an
// accessibility snapshot will reflect the rendered DOM: DOM-content-loaded,
// a short network-idle allowance, a bounded hydration poll, and two
// animation frames. Every wait is best-effort - if any of them fails or
// times out, readiness proceeds anyway rather than blocking the snapshot.
func WaitForPageReady(ctx context.Context, page engine.Page) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_ = page.WaitForLoadState(loadCtx)
	cancel()

	idleCtx, cancel := context.WithTimeout(ctx, networkIdleCap)
	waitNetworkIdle(idleCtx, page)
	cancel()

	hydrationCtx, cancel := context.WithTimeout(ctx, time.Duration(hydrationMaxIterations)*hydrationInterval)
	waitHydration(hydrationCtx, page)
	cancel()

	afCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, _ = page.Evaluate(afCtx, twoAnimationFramesJS)
	cancel()
}

func waitNetworkIdle(ctx context.Context, page engine.Page) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, err := page.Evaluate(ctx, networkIdleProbeJS)
			if err == nil && idle == "true" {
				return
			}
		}
	}
}

// waitHydration polls up to hydrationMaxIterations times, 250 ms apart,
// for document.readyState == "complete" and no resource load observed in
// the last 400 ms of the resource-timing list.
func waitHydration(ctx context.Context, page engine.Page) {
	for i := 0; i < hydrationMaxIterations; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		done, err := page.Evaluate(ctx, hydrationProbeJS)
		if err == nil && done == "true" {
			return
		}

		select {
		case <-time.After(hydrationInterval):
		case <-ctx.Done():
			return
		}
	}
}

const networkIdleProbeJS = `(() => {
  const entries = performance.getEntriesByType('resource');
  if (entries.length === 0) return true;
  const last = entries[entries.length - 1];
  return (performance.now() - last.responseEnd) > 500;
})()`

const hydrationProbeJS = `(() => {
  if (document.readyState !== 'complete') return false;
  const entries = performance.getEntriesByType('resource');
  if (entries.length === 0) return true;
  const last = entries[entries.length - 1];
  return (performance.now() - last.responseEnd) > 400;
})()`

const twoAnimationFramesJS = `new Promise(resolve => requestAnimationFrame(() => requestAnimationFrame(() => resolve(true))))`

// DismissConsent best-effort clicks through a fixed list of common
// cookie/consent overlay dismissal targets. Every attempt gets a short
// visibility probe and a bounded click timeout; failures are silently
// skipped, never surfaced.
func DismissConsent(ctx context.Context, page engine.Page) {
	for _, sel := range consentSelectors {
		attemptConsentClick(ctx, page, page.Locator(sel))
	}
	attemptDialogTextDismiss(ctx, page)
}

func attemptConsentClick(ctx context.Context, page engine.Page, loc engine.Locator) {
	probeCtx, cancel := context.WithTimeout(ctx, consentProbeTimeout)
	visible, err := loc.Evaluate(probeCtx, "(function(el){ return String(!!(el && el.offsetParent !== null)); })(this)")
	cancel()
	if err != nil || visible != "true" {
		return
	}

	clickCtx, cancel := context.WithTimeout(ctx, consentClickTimeout)
	defer cancel()
	if err := loc.Click(clickCtx); err != nil {
		log.Debug().Err(err).Msg("consent dismissal click failed, continuing")
	}
}

// attemptDialogTextDismiss handles the text-matched case: dialog buttons
// whose visible text is Close/Accept/"I Accept"/"Got it"/OK, which a CSS
// attribute selector alone can't express.
func attemptDialogTextDismiss(ctx context.Context, page engine.Page) {
	probeCtx, cancel := context.WithTimeout(ctx, consentProbeTimeout)
	result, err := page.Evaluate(probeCtx, dialogDismissJS)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("dialog text dismissal probe failed, continuing")
		return
	}
	_ = result
}

const dialogDismissJS = `(() => {
  const pattern = /^(Close|Accept|I Accept|Got it|OK)$/i;
  const scopes = document.querySelectorAll('[role="dialog"], dialog');
  for (const scope of scopes) {
    const buttons = scope.querySelectorAll('button');
    for (const b of buttons) {
      const text = (b.textContent || '').trim();
      if (pattern.test(text) && b.offsetParent !== null) {
        b.click();
        return true;
      }
    }
  }
  return false;
})()`

// TakeSnapshot requests an accessibility-tree snapshot with a bounded
// timeout and one retry after a short load wait. On both failures it
// returns an empty, successful snapshot rather than an error - the
// pipeline never throws on a failed snapshot.
func TakeSnapshot(ctx context.Context, page engine.Page) string {
	snapCtx, cancel := context.WithTimeout(ctx, ariaSnapshotTimeout)
	text, err := page.AriaSnapshot(snapCtx)
	cancel()
	if err == nil {
		return text
	}

	loadCtx, cancel := context.WithTimeout(ctx, ariaSnapshotRetryWait)
	_ = page.WaitForLoadState(loadCtx)
	cancel()

	retryCtx, cancel := context.WithTimeout(ctx, ariaSnapshotTimeout)
	text, err = page.AriaSnapshot(retryCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("accessibility snapshot failed twice, returning empty ref table")
		return ""
	}
	return text
}
