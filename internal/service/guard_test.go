package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/wardenmcp/warden/internal/audit"
	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/rbac"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuard(t *testing.T, mode rbac.FailMode) *Guard {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	logger := testLogger()
	keys := rbac.NewKeys(store, logger)
	if err := keys.Start(ctx); err != nil {
		t.Fatalf("keys.Start: %v", err)
	}
	trail := audit.NewTrail(store, logger, 0, "")
	if err := trail.Start(ctx); err != nil {
		t.Fatalf("trail.Start: %v", err)
	}
	t.Cleanup(func() { trail.Stop() })

	engine := rbac.NewEngine(keys, rbac.NewRegistry(), mode, trail, logger)
	return NewGuard(keys, engine, trail, logger)
}

func createKey(t *testing.T, g *Guard, role model.Role, perms []model.Permission) string {
	t.Helper()
	secret, _, err := g.Keys().Create(context.Background(), "test", role, perms, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return secret
}

func TestExecuteGranted(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	ctx := context.Background()
	secret := createKey(t, g, model.RoleBot, nil)

	out, err := g.Execute(ctx, secret, "tg_send_message",
		map[string]any{"chat_id": 42},
		func(ctx context.Context) (any, error) { return "sent", nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "sent" {
		t.Errorf("out: got %v", out)
	}

	// A granted call lands two records: the invocation, then the completion.
	events, err := g.Trail().QueryEvents(ctx, config.AuditFilter{ToolName: "tg_send_message"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
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
	if completed.ResultStatus != "success" {
		t.Errorf("status: got %q", completed.ResultStatus)
	}
	if invoked.UserID != secret[:12] || completed.UserID != secret[:12] {
		t.Errorf("user: got %q/%q, want key prefix %q", invoked.UserID, completed.UserID, secret[:12])
	}
}

func TestExecuteRecordsInvocationBeforeBody(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	secret := createKey(t, g, model.RoleBot, nil)

	var seenUser string
	_, err := g.Execute(context.Background(), secret, "tg_send_message", nil,
		func(ctx context.Context) (any, error) {
			seenUser = UserIDFromContext(ctx)

			// The invocation record is already on file while the body runs.
			evs, err := g.Trail().QueryEvents(ctx, config.AuditFilter{ToolName: "tg_send_message"})
			if err != nil {
				return nil, err
			}
			if len(evs) != 1 || evs[0].EventSubtype != "invoked" {
				t.Errorf("mid-call events: %+v", evs)
			}
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seenUser != secret[:12] {
		t.Errorf("context user: got %q, want %q", seenUser, secret[:12])
	}
}

func TestExecuteDenied(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	ctx := context.Background()
	secret := createKey(t, g, model.RoleReadOnly, nil)

	ran := false
	_, err := g.Execute(ctx, secret, "tg_send_message", nil,
		func(ctx context.Context) (any, error) { ran = true; return nil, nil })
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "Permission denied: write_messages") {
		t.Errorf("error: got %q", err)
	}
	if ran {
		t.Error("tool body must not run on denial")
	}

	events, err := g.Trail().QueryEvents(ctx, config.AuditFilter{ToolName: "tg_send_message"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 || events[0].ResultStatus != "denied" {
		t.Errorf("denial not recorded: %+v", events)
	}
}

func TestExecuteInvalidKey(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	ctx := context.Background()

	_, err := g.Execute(ctx, "wdn_bogus", "tg_send_message", nil,
		func(ctx context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "API key invalid or expired") {
		t.Errorf("error: got %q", err)
	}
}

func TestExecuteUngatedToolWithBadKey(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	ctx := context.Background()

	// server_status has no permission requirements, so under fail-open it
	// runs even with an invalid key.
	out, err := g.Execute(ctx, "wdn_bogus", "server_status", nil,
		func(ctx context.Context) (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ok" {
		t.Errorf("out: got %v", out)
	}
}

func TestExecuteToolError(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	ctx := context.Background()
	secret := createKey(t, g, model.RoleAdmin, nil)

	boom := errors.New("bridge unreachable")
	_, err := g.Execute(ctx, secret, "tg_send_message", nil,
		func(ctx context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected tool error, got %v", err)
	}

	events, err := g.Trail().QueryEvents(ctx, config.AuditFilter{ToolName: "tg_send_message"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	if events[0].ResultStatus != "error" || events[0].ErrorMessage != "bridge unreachable" {
		t.Errorf("error not recorded: %+v", events[0])
	}
	if events[1].EventSubtype != "invoked" {
		t.Errorf("invocation not recorded: %+v", events[1])
	}
}

func TestCheckTool(t *testing.T) {
	g := newTestGuard(t, rbac.FailOpen)
	secret := createKey(t, g, model.RoleBot, nil)

	if res := g.CheckTool(secret, "tg_send_message"); !res.Granted {
		t.Errorf("bot should send messages: %+v", res)
	}
	if res := g.CheckTool(secret, "audit_query"); res.Granted {
		t.Error("bot must not query the audit log")
	}
}
