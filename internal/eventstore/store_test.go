package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "x", Type: "text"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), Session{ID: sessionID, Generation: 3, Mode: "online", Provider: "deepgram"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Generation: 3, Type: "text", Provider: "deepgram", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Generation != 3 || events[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), Session{ID: "old-session", Generation: 1}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Generation: 1, Type: "text"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), Session{ID: "new-session", Generation: 2}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}

func TestRecorderGroupsEventsByGeneration(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "events.db")
	es, err := Open(context.Background(), config.EventStoreConfig{Path: path, RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec := NewRecorder(context.Background(), es, newLogger())
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.Record(events.Event{Kind: events.KindStatus, Status: domain.StatusSwitching, Generation: 1, Mode: domain.ModeOnline, Provider: "deepgram", Time: base})
	rec.Record(events.Event{Kind: events.KindModeReady, Generation: 1, Mode: domain.ModeOnline, Provider: "faster-whisper", Time: base.Add(time.Second)})
	rec.Record(events.Event{Kind: events.KindText, Text: "first\n", Generation: 1, Mode: domain.ModeOnline, Provider: "faster-whisper", Time: base.Add(2 * time.Second)})
	rec.Record(events.Event{Kind: events.KindHeartbeat, Generation: 1, Time: base.Add(3 * time.Second)})
	rec.Record(events.Event{Kind: events.KindText, Text: "second\n", Generation: 2, Mode: domain.ModeOffline, Provider: "vosk", Time: base.Add(4 * time.Second)})

	first, ok := rec.SessionID(1)
	if !ok {
		t.Fatal("no session for generation 1")
	}
	second, ok := rec.SessionID(2)
	if !ok || second == first {
		t.Fatalf("expected a distinct session for generation 2, got %q", second)
	}

	got, err := es.ListSessionEvents(context.Background(), first, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events without the heartbeat, got %d", len(got))
	}
	if got[0].Type != "status" || string(got[0].Payload) != "switching" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[2].Type != "text" || string(got[2].Payload) != "first\n" {
		t.Fatalf("unexpected text event: %+v", got[2])
	}

	sessions, err := es.RecentSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Generation != 2 {
		t.Fatalf("expected newest session first, got %+v", sessions)
	}
	if sessions[1].Provider != "faster-whisper" {
		t.Fatalf("session provider not refreshed on ready: %+v", sessions[1])
	}

	ro, err := OpenReadOnly(context.Background(), path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()
	readBack, err := ro.RecentSessions(context.Background(), 1)
	if err != nil || len(readBack) != 1 || readBack[0].ID != second {
		t.Fatalf("read-only view = %+v, %v", readBack, err)
	}
}
