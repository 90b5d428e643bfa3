package rbac

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wardenmcp/warden/internal/model"
)

// FailMode decides how the engine treats tools with no registered
// permission requirements.
type FailMode string

const (
	// FailOpen grants access to tools with an empty requirement list
	// without validating the caller's key.
	FailOpen FailMode = "open"
	// FailClosed denies access to tools with an empty requirement list.
	FailClosed FailMode = "closed"
)

const (
	reasonInvalidKey = "API key invalid or expired"
	deniedPrefix     = "Permission denied: "
)

// AuthAuditor receives authorization events from the engine. The audit trail
// implements it; a nil auditor disables the recording.
type AuthAuditor interface {
	LogAuthEvent(subtype, userID, detail string)
}

// Engine answers permission questions about API key handles. It resolves a
// handle to an effective permission set and checks it against individual
// permissions or against the tool registry.
type Engine struct {
	keys     *Keys
	registry *Registry
	failMode FailMode
	auditor  AuthAuditor
	logger   *slog.Logger

	failOpenGrants metric.Int64Counter
}

// NewEngine wires an authorization engine over the key index and tool
// registry. auditor may be nil.
func NewEngine(keys *Keys, registry *Registry, failMode FailMode, auditor AuthAuditor, logger *slog.Logger) *Engine {
	if failMode != FailClosed {
		failMode = FailOpen
	}

	meter := otel.Meter("github.com/wardenmcp/warden/internal/rbac")
	failOpenGrants, _ := meter.Int64Counter("warden.authz.fail_open_grants",
		metric.WithDescription("Tool invocations granted because the tool has no registered permission requirements"))

	return &Engine{
		keys:           keys,
		registry:       registry,
		failMode:       failMode,
		auditor:        auditor,
		logger:         logger,
		failOpenGrants: failOpenGrants,
	}
}

// Registry returns the tool permission registry the engine consults.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Resolve returns the effective permission set for a handle. A non-empty
// custom permission list replaces the role defaults entirely; it is never
// merged with them.
func (e *Engine) Resolve(handle string) (model.Role, []model.Permission, bool) {
	key, ok := e.keys.Get(handle)
	if !ok {
		return "", nil, false
	}
	if len(key.CustomPermissions) > 0 {
		return key.Role, key.CustomPermissions, true
	}
	return key.Role, model.DefaultRolePermissions(key.Role), true
}

// CheckPermission decides whether the handle holds the given permission.
// An unknown, revoked, or expired handle denies with a generic reason so
// callers learn nothing about which case applied. The admin permission
// grants everything.
func (e *Engine) CheckPermission(handle string, perm model.Permission) model.PermissionCheckResult {
	key, ok := e.keys.Get(handle)
	if !ok || !key.Usable(time.Now()) {
		result := model.PermissionCheckResult{Granted: false, Reason: reasonInvalidKey}
		e.recordDenial("invalid_key", "", string(perm))
		return result
	}

	role, perms, _ := e.Resolve(handle)
	userID := key.KeyPrefix

	if model.ContainsPermission(perms, model.PermAdmin) || model.ContainsPermission(perms, perm) {
		e.keys.RecordUsage(handle)
		return model.PermissionCheckResult{Granted: true, UserID: userID, Role: role}
	}

	e.recordDenial("permission_denied", userID, string(perm))
	return model.PermissionCheckResult{
		Granted: false,
		Reason:  deniedPrefix + string(perm),
		UserID:  userID,
		Role:    role,
	}
}

// CheckToolPermission decides whether the handle may invoke the named tool.
// A tool with no registered requirements is governed by the fail mode: open
// grants unconditionally, without even validating the handle; closed denies.
// A tool with requirements is checked against the first entry of its ordered
// requirement list.
func (e *Engine) CheckToolPermission(handle, tool string) model.PermissionCheckResult {
	required, registered := e.registry.Required(tool)

	if !registered || len(required) == 0 {
		if e.failMode == FailClosed {
			e.recordDenial("unregistered_tool", "", tool)
			return model.PermissionCheckResult{
				Granted: false,
				Reason:  deniedPrefix + "no permissions registered for tool " + tool,
			}
		}

		e.logger.Warn("granting tool with no registered permissions", "tool", tool)
		e.failOpenGrants.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("tool", tool)))
		return model.PermissionCheckResult{Granted: true}
	}

	return e.CheckPermission(handle, required[0])
}

// HasAny reports whether the handle holds at least one of the given
// permissions.
func (e *Engine) HasAny(handle string, perms ...model.Permission) bool {
	for _, p := range perms {
		if e.CheckPermission(handle, p).Granted {
			return true
		}
	}
	return false
}

// HasAll reports whether the handle holds every one of the given
// permissions.
func (e *Engine) HasAll(handle string, perms ...model.Permission) bool {
	for _, p := range perms {
		if !e.CheckPermission(handle, p).Granted {
			return false
		}
	}
	return true
}

func (e *Engine) recordDenial(subtype, userID, detail string) {
	if e.auditor == nil {
		return
	}
	e.auditor.LogAuthEvent(subtype, userID, detail)
}
