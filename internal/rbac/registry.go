package rbac

import (
	"fmt"
	"sync"

	"github.com/wardenmcp/warden/internal/model"
)

// Registry maps tool names to the permissions required to invoke them. The
// per-tool permission list is ordered; authorization checks the first entry.
// Registrations are last-write-wins.
type Registry struct {
	mu    sync.RWMutex
	tools map[string][]model.Permission
}

// defaultToolPermissions is the built-in tool table. server_status is
// registered with an empty requirement list and is governed by the engine's
// fail mode.
var defaultToolPermissions = map[string][]model.Permission{
	"tg_send_message":    {model.PermWriteMessages},
	"tg_read_messages":   {model.PermReadMessages},
	"tg_edit_message":    {model.PermEditMessages},
	"tg_delete_message":  {model.PermDeleteMessages},
	"tg_pin_message":     {model.PermPinMessages},
	"tg_forward_message": {model.PermForwardMessages},
	"tg_list_chats":      {model.PermReadChats},
	"tg_export_chat":     {model.PermExportArchive, model.PermReadArchive},
	"audit_query":        {model.PermViewAuditLog},
	"audit_stats":        {model.PermViewAuditLog},
	"key_list":           {model.PermManageAPIKeys},
	"key_create":         {model.PermManageAPIKeys},
	"key_revoke":         {model.PermManageAPIKeys},
	"server_status":      {},
}

// NewRegistry returns a registry seeded with the default tool table.
func NewRegistry() *Registry {
	tools := make(map[string][]model.Permission, len(defaultToolPermissions))
	for name, perms := range defaultToolPermissions {
		tools[name] = append([]model.Permission(nil), perms...)
	}
	return &Registry{tools: tools}
}

// Register sets the required permissions for a tool, replacing any previous
// registration. Permission names are validated; the list may be empty.
func (r *Registry) Register(tool string, perms []model.Permission) error {
	if tool == "" {
		return fmt.Errorf("tool name required")
	}
	for _, p := range perms {
		if !model.ValidPermission(p) {
			return fmt.Errorf("invalid permission %q for tool %q", p, tool)
		}
	}

	r.mu.Lock()
	r.tools[tool] = append([]model.Permission(nil), perms...)
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(tool string) {
	r.mu.Lock()
	delete(r.tools, tool)
	r.mu.Unlock()
}

// Required returns the ordered permission list for a tool and whether the
// tool is registered at all.
func (r *Registry) Required(tool string) ([]model.Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perms, ok := r.tools[tool]
	if !ok {
		return nil, false
	}
	return append([]model.Permission(nil), perms...), true
}

// Tools returns a snapshot of the full tool table.
func (r *Registry) Tools() map[string][]model.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]model.Permission, len(r.tools))
	for name, perms := range r.tools {
		out[name] = append([]model.Permission(nil), perms...)
	}
	return out
}

// ApplyOverrides registers tool permission overrides from configuration.
// Unknown permission names fail the whole batch.
func (r *Registry) ApplyOverrides(overrides map[string][]string) error {
	for tool, names := range overrides {
		perms := make([]model.Permission, 0, len(names))
		for _, n := range names {
			perms = append(perms, model.Permission(n))
		}
		if err := r.Register(tool, perms); err != nil {
			return err
		}
	}
	return nil
}
