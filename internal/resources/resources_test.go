package resources

import (
	"testing"
)

func TestParseDataURIBase64(t *testing.T) {
	res, data, err := ParseDataURI("data:text/plain;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MimeType != "text/plain" {
		t.Fatalf("expected text/plain, got %q", res.MimeType)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", string(data))
	}
}

func TestParseDataURIURLEncoded(t *testing.T) {
	_, data, err := ParseDataURI("data:text/plain,hello%20world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected 'hello world', got %q", string(data))
	}
}

func TestParseDataURIRejectsNonDataURI(t *testing.T) {
	if _, _, err := ParseDataURI("https://example.com/x"); err == nil {
		t.Fatal("expected error for non-data URI")
	}
}

func TestNormalizeExtensionsAddsDotAndLowercases(t *testing.T) {
	got := normalizeExtensions([]string{"PDF", ".Zip", " csv "})
	want := []string{".pdf", ".zip", ".csv"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSanitizeBatchFilenameStripsPathSeparators(t *testing.T) {
	got := sanitizeBatchFilename("../../etc/passwd", 3)
	if got != "3_.._.._etc_passwd" {
		t.Fatalf("unexpected sanitized filename: %q", got)
	}
}

func TestSanitizeBatchFilenameEmptyFallsBackToFile(t *testing.T) {
	got := sanitizeBatchFilename("   ", 0)
	if got != "0_file" {
		t.Fatalf("expected 0_file, got %q", got)
	}
}
