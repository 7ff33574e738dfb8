package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func TestRenderStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	out := renderStatus(protocol.StatusReply{
		Mode:         "online",
		Provider:     "deepgram",
		Status:       "Listening (deepgram)",
		PhoneAudio:   true,
		Generation:   4,
		ThreadAlive:  true,
		CaptureAlive: true,
		RestartCount: 1,
		MaxRestarts:  5,
		LastText:     now.Add(-3 * time.Second),
	}, now)

	for _, want := range []string{"deepgram", "phone", "1/5", "3s ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatusNeverHeard(t *testing.T) {
	out := renderStatus(protocol.StatusReply{Mode: "offline", Status: "error"}, time.Now())
	if !strings.Contains(out, "never") || !strings.Contains(out, "room") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
