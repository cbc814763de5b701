package i18n

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTranslateDegradesToKey(t *testing.T) {
	tr := New(discardLogger(), t.TempDir(), "en")
	if got := tr.Translate("cooldown_active", map[string]any{"seconds": 5}); got != "cooldown_active" {
		t.Fatalf("missing bundle must return the key, got %q", got)
	}
}

func TestTranslateFillsPlaceholdersWithoutBundle(t *testing.T) {
	tr := New(discardLogger(), t.TempDir(), "en")
	got := tr.Translate("Wait {seconds}s before using {command} again",
		map[string]any{"seconds": 5, "command": "ping"})
	if got != "Wait 5s before using ping again" {
		t.Fatalf("degraded placeholder fill wrong: %q", got)
	}
}

func TestTranslateNilReceiver(t *testing.T) {
	var tr *Translator
	if got := tr.Translate("anything", nil); got != "anything" {
		t.Fatalf("nil translator must return the key, got %q", got)
	}
}

func TestTranslateRendersTemplate(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"cooldown_active": "Wait {{.seconds}}s before using {{.command}} again"}`
	if err := os.WriteFile(filepath.Join(dir, "en.json"), []byte(bundle), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	tr := New(discardLogger(), dir, "en")
	got := tr.Translate("cooldown_active", map[string]any{"seconds": 5, "command": "ping"})
	if got != "Wait 5s before using ping again" {
		t.Fatalf("unexpected translation: %q", got)
	}
	if missing := tr.Translate("no_such_key", nil); missing != "no_such_key" {
		t.Fatalf("unknown key must degrade, got %q", missing)
	}
}
