package refs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelsoft/browserplane/internal/engine"
)

type readyPage struct {
	fakePage
	evalResult string
	evalErr    error
	loadErr    error
	snapshot   string
	snapshotErr error
}

func (p *readyPage) Evaluate(ctx context.Context, js string) (string, error) {
	if p.evalErr != nil {
		return "", p.evalErr
	}
	return p.evalResult, nil
}

func (p *readyPage) WaitForLoadState(ctx context.Context) error { return p.loadErr }

func (p *readyPage) AriaSnapshot(ctx context.Context) (string, error) {
	if p.snapshotErr != nil {
		return "", p.snapshotErr
	}
	return p.snapshot, nil
}

func TestWaitForPageReadyCompletesWhenReady(t *testing.T) {
	p := &readyPage{evalResult: "true"}
	done := make(chan struct{})
	go func() {
		WaitForPageReady(context.Background(), p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected WaitForPageReady to return promptly when the page reports ready")
	}
}

func TestWaitForPageReadyContinuesOnFailure(t *testing.T) {
	p := &readyPage{evalErr: errors.New("eval failed"), loadErr: errors.New("load failed")}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		WaitForPageReady(ctx, p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected WaitForPageReady to give up and return even when every probe fails")
	}
}

func TestDismissConsentSwallowsAllFailures(t *testing.T) {
	p := &readyPage{evalErr: errors.New("no such element")}
	// Should not panic or hang even though every probe/evaluate fails.
	DismissConsent(context.Background(), p)
}

func TestTakeSnapshotReturnsTextOnSuccess(t *testing.T) {
	p := &readyPage{snapshot: "- button \"Go\""}
	text := TakeSnapshot(context.Background(), p)
	if text != "- button \"Go\"" {
		t.Errorf("expected snapshot text passthrough, got %q", text)
	}
}

func TestTakeSnapshotReturnsEmptyAfterBothFailures(t *testing.T) {
	p := &readyPage{snapshotErr: errors.New("timeout")}
	text := TakeSnapshot(context.Background(), p)
	if text != "" {
		t.Errorf("expected empty snapshot after both attempts fail, got %q", text)
	}
}

var _ engine.Page = (*readyPage)(nil)
