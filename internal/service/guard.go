package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenmcp/warden/internal/audit"
	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/rbac"
)

// ErrPermissionDenied wraps an authorization denial. The denial reason is
// attached via %w so callers can surface it verbatim.
var ErrPermissionDenied = errors.New("permission denied")

// ToolFunc is the guarded body of a tool invocation.
type ToolFunc func(ctx context.Context) (any, error)

type userIDKey struct{}

// UserIDFromContext returns the acting key's display prefix attached by
// Execute for the duration of the tool body. Empty outside a guarded call
// or when the grant carried no identity (fail-open).
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Guard is the single entry point for authorized tool execution. It
// validates the caller's API key, checks the tool's permission requirement,
// records the invocation in the audit trail, runs the tool body, and records
// the outcome with its duration.
type Guard struct {
	keys   *rbac.Keys
	engine *rbac.Engine
	trail  *audit.Trail
	logger *slog.Logger
}

// NewGuard wires the facade over its three collaborators.
func NewGuard(keys *rbac.Keys, engine *rbac.Engine, trail *audit.Trail, logger *slog.Logger) *Guard {
	return &Guard{keys: keys, engine: engine, trail: trail, logger: logger}
}

// Keys exposes the credential store for admin surfaces.
func (g *Guard) Keys() *rbac.Keys { return g.keys }

// Engine exposes the authorization engine for admin surfaces.
func (g *Guard) Engine() *rbac.Engine { return g.engine }

// Trail exposes the audit trail for admin surfaces.
func (g *Guard) Trail() *audit.Trail { return g.trail }

// Execute runs fn under the authorization rules for the named tool.
//
// Validation failure does not short-circuit: tools with an empty permission
// requirement are granted under fail-open even when the key is bad, so the
// decision belongs to the engine.
//
// A granted call yields two audit events: the invocation record at decision
// time, before the tool body runs, and the completion record with status and
// duration afterward. A crash mid-call therefore still leaves the invocation
// on record. A denied call yields a single completion record.
func (g *Guard) Execute(ctx context.Context, secret, tool string, params map[string]any, fn ToolFunc) (any, error) {
	handle, _ := g.keys.Validate(secret)

	check := g.engine.CheckToolPermission(handle, tool)
	if !check.Granted {
		g.trail.LogToolCompleted(check.UserID, tool, "denied", check.Reason, 0)
		g.logger.Info("tool invocation denied",
			"tool", tool, "user", check.UserID, "reason", check.Reason)
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, check.Reason)
	}

	g.trail.LogToolInvoked(check.UserID, tool, params)
	ctx = context.WithValue(ctx, userIDKey{}, check.UserID)

	start := time.Now()
	out, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		g.trail.LogToolCompleted(check.UserID, tool, "error", err.Error(), elapsed)
		return nil, err
	}

	g.trail.LogToolCompleted(check.UserID, tool, "success", "", elapsed)
	return out, nil
}

// CheckTool answers the authorization question for a raw secret and tool
// without executing anything or writing a tool invocation record. Denials
// still reach the trail through the engine's auth events.
func (g *Guard) CheckTool(secret, tool string) model.PermissionCheckResult {
	handle, _ := g.keys.Validate(secret)
	return g.engine.CheckToolPermission(handle, tool)
}
