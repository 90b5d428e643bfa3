package model

// Permission is a single capability an API key may hold. Permissions are
// stored and transmitted as their string values, so the constants below are
// the wire format as well as the in-process enumeration.
type Permission string

const (
	// Message permissions
	PermReadMessages    Permission = "read_messages"
	PermWriteMessages   Permission = "write_messages"
	PermDeleteMessages  Permission = "delete_messages"
	PermEditMessages    Permission = "edit_messages"
	PermPinMessages     Permission = "pin_messages"
	PermForwardMessages Permission = "forward_messages"

	// Chat permissions
	PermReadChats   Permission = "read_chats"
	PermManageChats Permission = "manage_chats"

	// User permissions
	PermReadUsers   Permission = "read_users"
	PermManageUsers Permission = "manage_users"

	// Archive permissions
	PermReadArchive   Permission = "read_archive"
	PermWriteArchive  Permission = "write_archive"
	PermExportArchive Permission = "export_archive"
	PermDeleteArchive Permission = "delete_archive"

	// Analytics permissions
	PermReadAnalytics Permission = "read_analytics"

	// System permissions
	PermManageScheduler Permission = "manage_scheduler"
	PermManageAPIKeys   Permission = "manage_api_keys"
	PermViewAuditLog    Permission = "view_audit_log"
	PermManageSystem    Permission = "manage_system"

	// PermAdmin subsumes every other permission.
	PermAdmin Permission = "admin"
)

// AllPermissions lists every defined permission in declaration order.
var AllPermissions = []Permission{
	PermReadMessages, PermWriteMessages, PermDeleteMessages,
	PermEditMessages, PermPinMessages, PermForwardMessages,
	PermReadChats, PermManageChats,
	PermReadUsers, PermManageUsers,
	PermReadArchive, PermWriteArchive, PermExportArchive, PermDeleteArchive,
	PermReadAnalytics,
	PermManageScheduler, PermManageAPIKeys, PermViewAuditLog, PermManageSystem,
	PermAdmin,
}

// ValidPermission reports whether p is one of the defined permissions.
func ValidPermission(p Permission) bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// ContainsPermission reports whether set contains p. The wildcard admin
// permission does NOT match here; wildcard handling belongs to the
// authorization engine, not the set itself.
func ContainsPermission(set []Permission, p Permission) bool {
	for _, candidate := range set {
		if candidate == p {
			return true
		}
	}
	return false
}

// Role is a named bundle of default permissions. An API key is bound to
// exactly one role at creation and keeps it for life.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleBot       Role = "bot"
	RoleReadOnly  Role = "readonly"
	RoleCustom    Role = "custom"
)

// roleDefaults is the single ordered table of role → default permission set.
// It drives both authorization decisions and serialization; there is no
// second switch-based mapping anywhere.
var roleDefaults = []struct {
	Role        Role
	Permissions []Permission
}{
	{RoleAdmin, []Permission{PermAdmin}},
	{RoleDeveloper, []Permission{
		PermReadMessages, PermWriteMessages, PermDeleteMessages,
		PermEditMessages, PermPinMessages, PermForwardMessages,
		PermReadChats, PermManageChats,
		PermReadUsers, PermManageUsers,
		PermReadArchive, PermWriteArchive, PermExportArchive, PermDeleteArchive,
		PermReadAnalytics, PermManageScheduler, PermViewAuditLog,
	}},
	{RoleBot, []Permission{
		PermReadMessages, PermWriteMessages,
		PermReadChats, PermReadUsers, PermReadArchive,
	}},
	{RoleReadOnly, []Permission{
		PermReadMessages, PermReadChats, PermReadUsers,
		PermReadArchive, PermReadAnalytics,
	}},
	{RoleCustom, nil},
}

// DefaultRolePermissions returns a copy of the default permission set for a
// role. Custom (and unknown) roles have no defaults.
func DefaultRolePermissions(role Role) []Permission {
	for _, entry := range roleDefaults {
		if entry.Role == role {
			return append([]Permission(nil), entry.Permissions...)
		}
	}
	return nil
}

// ValidRole reports whether role is one of the defined roles.
func ValidRole(role Role) bool {
	for _, entry := range roleDefaults {
		if entry.Role == role {
			return true
		}
	}
	return false
}

// Roles lists every defined role in declaration order.
func Roles() []Role {
	roles := make([]Role, len(roleDefaults))
	for i, entry := range roleDefaults {
		roles[i] = entry.Role
	}
	return roles
}
