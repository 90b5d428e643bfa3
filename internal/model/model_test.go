package model

import (
	"testing"
	"time"
)

func TestDefaultRolePermissions(t *testing.T) {
	admin := DefaultRolePermissions(RoleAdmin)
	if len(admin) != 1 || admin[0] != PermAdmin {
		t.Errorf("admin defaults: got %v, want [admin]", admin)
	}

	dev := DefaultRolePermissions(RoleDeveloper)
	if !ContainsPermission(dev, PermWriteMessages) {
		t.Error("developer defaults should include write_messages")
	}
	if ContainsPermission(dev, PermManageAPIKeys) {
		t.Error("developer defaults must not include manage_api_keys")
	}
	if ContainsPermission(dev, PermManageSystem) {
		t.Error("developer defaults must not include manage_system")
	}

	bot := DefaultRolePermissions(RoleBot)
	for _, p := range []Permission{PermReadMessages, PermWriteMessages, PermReadChats, PermReadUsers, PermReadArchive} {
		if !ContainsPermission(bot, p) {
			t.Errorf("bot defaults missing %s", p)
		}
	}
	if ContainsPermission(bot, PermDeleteMessages) {
		t.Error("bot defaults must not include delete_messages")
	}

	ro := DefaultRolePermissions(RoleReadOnly)
	for _, p := range ro {
		if p == PermWriteMessages || p == PermManageChats || p == PermWriteArchive {
			t.Errorf("readonly defaults contain write permission %s", p)
		}
	}

	if perms := DefaultRolePermissions(RoleCustom); len(perms) != 0 {
		t.Errorf("custom role must have no defaults, got %v", perms)
	}
	if perms := DefaultRolePermissions(Role("bogus")); len(perms) != 0 {
		t.Errorf("unknown role must have no defaults, got %v", perms)
	}
}

func TestDefaultRolePermissionsReturnsCopy(t *testing.T) {
	first := DefaultRolePermissions(RoleBot)
	first[0] = PermAdmin
	second := DefaultRolePermissions(RoleBot)
	if second[0] == PermAdmin {
		t.Error("mutating a returned set must not affect the shared table")
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range Roles() {
		if !ValidRole(role) {
			t.Errorf("role %s should be valid", role)
		}
	}
	if ValidRole(Role("superuser")) {
		t.Error("unknown role should be invalid")
	}
}

func TestValidPermission(t *testing.T) {
	if !ValidPermission(PermViewAuditLog) {
		t.Error("view_audit_log should be valid")
	}
	if ValidPermission(Permission("fly")) {
		t.Error("unknown permission should be invalid")
	}
}

func TestAPIKeyUsable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		key  APIKey
		want bool
	}{
		{"active no expiry", APIKey{}, true},
		{"active future expiry", APIKey{ExpiresAt: &future}, true},
		{"expired", APIKey{ExpiresAt: &past}, false},
		{"revoked", APIKey{Revoked: true}, false},
		{"revoked and expired", APIKey{Revoked: true, ExpiresAt: &past}, false},
	}
	for _, tt := range tests {
		if got := tt.key.Usable(now); got != tt.want {
			t.Errorf("%s: Usable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
