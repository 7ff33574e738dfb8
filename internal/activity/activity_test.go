package activity

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestIndicatorReadsMissingAsInactive(t *testing.T) {
	ind := New(filepath.Join(t.TempDir(), "phone_muted"))
	if ind.Active() {
		t.Fatal("missing file reported active")
	}
}

func TestIndicatorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phone_muted")
	ind := New(path)

	if err := ind.Set(true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !ind.Active() {
		t.Fatal("expected active after set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "1" {
		t.Fatalf("unexpected contents %q", data)
	}

	if err := ind.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ind.Active() {
		t.Fatal("expected inactive after clear")
	}
}

func TestIndicatorAcceptsHelperFormatting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phone_muted")
	ind := New(path)
	cases := map[string]bool{"1\n": true, " 1 ": true, "0\n": false, "yes": false, "": false}
	for contents, want := range cases {
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := ind.Active(); got != want {
			t.Fatalf("Active() with %q = %v, want %v", contents, got, want)
		}
	}
}

func TestSetReset(t *testing.T) {
	dir := t.TempDir()
	set := FromConfig(config.ActivityConfig{
		PhoneFile: filepath.Join(dir, "phone_muted"),
		MuteFile:  filepath.Join(dir, "captions_muted"),
	})
	if err := set.Phone.Set(true); err != nil {
		t.Fatalf("set phone: %v", err)
	}
	if err := set.Mute.Set(true); err != nil {
		t.Fatalf("set mute: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := set.Reset(logger); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if set.Phone.Active() || set.Mute.Active() {
		t.Fatal("reset left an indicator active")
	}

	missing := Set{Phone: New(filepath.Join(dir, "nope", "phone_muted"))}
	if err := missing.Reset(logger); err == nil {
		t.Fatal("expected error for unwritable indicator")
	}
}
