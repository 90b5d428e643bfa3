package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTrail(t *testing.T, bufferSize int, logPath string) (*Trail, *config.Store) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	trail := NewTrail(store, testLogger(), bufferSize, logPath)
	if err := trail.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { trail.Stop() })
	return trail, store
}

func TestToolEventLifecycle(t *testing.T) {
	trail, store := newTestTrail(t, 0, "")
	ctx := context.Background()

	trail.LogToolInvoked("wdn_abc", "tg_send_message", map[string]any{"chat_id": 42})
	trail.LogToolCompleted("wdn_abc", "tg_send_message", "success", "", 150*time.Millisecond)

	events, err := store.QueryAuditEvents(ctx, config.AuditFilter{ToolName: "tg_send_message"})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}

	// Newest first: the completion, then the invocation.
	completed, invoked := events[0], events[1]
	if invoked.EventSubtype != "invoked" || completed.EventSubtype != "completed" {
		t.Fatalf("subtypes: got %q, %q", invoked.EventSubtype, completed.EventSubtype)
	}
	if completed.ID <= invoked.ID {
		t.Errorf("ids must increase: invoked %d, completed %d", invoked.ID, completed.ID)
	}
	if invoked.ToolName != completed.ToolName {
		t.Errorf("tool names differ: %q vs %q", invoked.ToolName, completed.ToolName)
	}
	if invoked.EventType != model.EventToolInvoked || completed.EventType != model.EventToolInvoked {
		t.Errorf("event types: %q, %q", invoked.EventType, completed.EventType)
	}
	if len(invoked.Parameters) != 1 {
		t.Errorf("invocation parameters: %+v", invoked.Parameters)
	}
	if invoked.ResultStatus != "" || invoked.DurationMs != 0 {
		t.Errorf("invocation must not carry an outcome: %+v", invoked)
	}
	if completed.ResultStatus != "success" || completed.DurationMs != 150 {
		t.Errorf("completion outcome: status %q, duration %d", completed.ResultStatus, completed.DurationMs)
	}
}

func TestLogTelegramOp(t *testing.T) {
	trail, store := newTestTrail(t, 0, "")
	ctx := context.Background()

	trail.LogTelegramOp("wdn_abc", "send_message", map[string]any{"chat_id": 42}, "success")

	events, err := store.QueryAuditEvents(ctx, config.AuditFilter{EventType: model.EventTelegramOp})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.EventSubtype != "send_message" || ev.ResultStatus != "success" || ev.UserID != "wdn_abc" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestEventIDsMonotonicAcrossRestart(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	first := NewTrail(store, testLogger(), 0, "")
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first.LogSystemEvent("server_start", nil)
	first.LogSystemEvent("server_stop", nil)
	first.Stop()

	second := NewTrail(store, testLogger(), 0, "")
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	second.LogSystemEvent("server_start", nil)

	events, err := store.QueryAuditEvents(ctx, config.AuditFilter{EventType: model.EventSystem})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3", len(events))
	}
	if events[0].ID != 3 {
		t.Errorf("newest id: got %d, want 3", events[0].ID)
	}
}

func TestRingBufferEviction(t *testing.T) {
	trail, _ := newTestTrail(t, 3, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		trail.LogSystemEvent("tick", map[string]any{"n": i})
	}

	if n := trail.BufferedCount(); n != 3 {
		t.Errorf("buffered: got %d, want 3", n)
	}

	recent, err := trail.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent: got %d, want 3", len(recent))
	}
	// Newest first: ids 5, 4, 3. Ids 1 and 2 were evicted.
	if recent[0].ID != 5 || recent[1].ID != 4 || recent[2].ID != 3 {
		t.Errorf("order: got %d,%d,%d", recent[0].ID, recent[1].ID, recent[2].ID)
	}
}

func TestGetRecentEventsSource(t *testing.T) {
	trail, _ := newTestTrail(t, 10, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		trail.LogSystemEvent("tick", map[string]any{"n": i})
	}

	// Drop the persisted copies so the two sources visibly disagree.
	if _, err := trail.PurgeOldEvents(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("PurgeOldEvents: %v", err)
	}

	// Five buffered events fit within a limit of 10, so the buffer answers
	// even though the store is now empty.
	recent, err := trail.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(recent) != 5 || recent[0].ID != 5 {
		t.Errorf("buffered view: %+v", recent)
	}

	// A limit below the buffered count routes the query to the store.
	fromStore, err := trail.GetRecentEvents(ctx, 3)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(fromStore) != 0 {
		t.Errorf("store view after purge: %+v", fromStore)
	}
}

func TestNDJSONSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	trail, _ := newTestTrail(t, 0, path)

	trail.LogAuthEvent("permission_denied", "wdn_abc", "write_messages")
	trail.LogError("wdn_abc", "tg_send_message", "bridge unreachable")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev model.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("sink lines: got %d, want 2", lines)
	}
}

func TestPurgeOldEventsLeavesBuffer(t *testing.T) {
	trail, store := newTestTrail(t, 0, "")
	ctx := context.Background()

	trail.LogSystemEvent("server_start", nil)

	n, err := trail.PurgeOldEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeOldEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}

	count, err := store.CountAuditEvents(ctx)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if count != 0 {
		t.Errorf("store events: got %d, want 0", count)
	}

	// The ring buffer still has the event.
	if trail.BufferedCount() != 1 {
		t.Errorf("buffer: got %d, want 1", trail.BufferedCount())
	}
	recent, err := trail.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("recent after purge: got %d, want 1", len(recent))
	}
}

func TestStatistics(t *testing.T) {
	trail, _ := newTestTrail(t, 0, "")
	ctx := context.Background()

	trail.LogToolInvoked("a", "tg_send_message", nil)
	trail.LogToolCompleted("a", "tg_send_message", "success", "", 100*time.Millisecond)
	trail.LogToolInvoked("b", "tg_read_messages", nil)
	trail.LogToolCompleted("b", "tg_read_messages", "success", "", 300*time.Millisecond)
	trail.LogTelegramOp("a", "send_message", nil, "success")
	trail.LogAuthEvent("permission_denied", "a", "manage_system")
	trail.LogError("a", "tg_send_message", "boom")

	stats, err := trail.Statistics(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalEvents != 7 || stats.ToolInvocations != 4 || stats.TelegramOps != 1 ||
		stats.AuthEvents != 1 || stats.Errors != 1 {
		t.Errorf("stats: %+v", stats)
	}
	// Invocation records carry no duration and stay out of the average.
	if stats.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs: got %v, want 200", stats.AvgDurationMs)
	}
}

func TestPersistenceFailureSwallowed(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	trail := NewTrail(store, testLogger(), 0, "")
	if err := trail.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Closing the store makes every insert fail; logging must not panic
	// and the buffer must still receive the event.
	store.Close()
	trail.LogSystemEvent("server_stop", nil)

	if trail.BufferedCount() != 1 {
		t.Errorf("buffer: got %d, want 1", trail.BufferedCount())
	}
}
