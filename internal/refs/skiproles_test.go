package refs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSkipRoleManager_EmbeddedOnly(t *testing.T) {
	m, err := NewSkipRoleManager("", false)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}
	defer m.Close()

	cfg := m.Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if !cfg.interactiveRoles["button"] {
		t.Error("expected embedded defaults to mark button interactive")
	}
	if !cfg.eligible("button", "Submit") {
		t.Error("expected button to be eligible by default")
	}
	if cfg.eligible("button", "Pick a date") {
		t.Error("expected name matching a skip pattern to be ineligible")
	}
}

func TestNewSkipRoleManager_ExternalFile(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "skip-roles.yaml")

	content := `
extraInteractiveRoles:
  - "heading"
extraSkipNamePatterns:
  - "(?i)promo"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	m, err := NewSkipRoleManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}
	defer m.Close()

	cfg := m.Get()
	if !cfg.eligible("heading", "Section title") {
		t.Error("expected extra role 'heading' to become eligible")
	}
	if cfg.eligible("button", "Promo banner") {
		t.Error("expected extra skip pattern to exclude matching names")
	}
	// Embedded roles should still work alongside the override.
	if !cfg.eligible("button", "Submit") {
		t.Error("expected embedded role 'button' to remain eligible")
	}
}

func TestNewSkipRoleManager_MissingFileFallsBackToEmbedded(t *testing.T) {
	m, err := NewSkipRoleManager(filepath.Join(t.TempDir(), "does-not-exist.yaml"), false)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}
	defer m.Close()

	cfg := m.Get()
	if !cfg.eligible("button", "Submit") {
		t.Error("expected embedded defaults to be used when the override file is missing")
	}
}

func TestNewSkipRoleManager_InvalidPatternFallsBackToEmbedded(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "skip-roles.yaml")

	content := `
extraSkipNamePatterns:
  - "(unterminated"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	m, err := NewSkipRoleManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}
	defer m.Close()

	cfg := m.Get()
	if !cfg.eligible("button", "Submit") {
		t.Error("expected embedded defaults to remain in use after a bad override")
	}
}

func TestSkipRoleManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping hot-reload test in short mode")
	}

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "skip-roles.yaml")

	content := `
extraInteractiveRoles:
  - "heading"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	m, err := NewSkipRoleManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}
	defer m.Close()

	if !m.Get().eligible("heading", "Section title") {
		t.Fatal("expected initial override to take effect")
	}

	newContent := `
extraInteractiveRoles:
  - "heading"
  - "img"
`
	if err := os.WriteFile(tmpFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to update temp file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if !m.Get().eligible("img", "Logo") {
		t.Error("expected hot reload to pick up the new extra role")
	}
}

func TestSkipRoleManager_Close(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "skip-roles.yaml")
	if err := os.WriteFile(tmpFile, []byte("extraInteractiveRoles: []"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	m, err := NewSkipRoleManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewSkipRoleManager() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("double Close() error = %v", err)
	}
}

func TestConfigure_InstallsManagerAndEligibleUsesIt(t *testing.T) {
	defer func() {
		_ = Configure("", false)
	}()

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "skip-roles.yaml")
	if err := os.WriteFile(tmpFile, []byte(`extraInteractiveRoles: ["heading"]`), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	if err := Configure(tmpFile, false); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if !eligible("heading", "Section title") {
		t.Error("expected package-level eligible to consult the configured manager")
	}
}
