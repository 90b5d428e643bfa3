package model

import "time"

// APIKey represents a credential that authenticates tool invocations against
// a role. The raw secret is shown to the caller exactly once at creation;
// only a SHA-256 hash and a short display prefix are ever persisted.
//
// Role and CustomPermissions are immutable after creation. Only Name,
// ExpiresAt, LastUsedAt, and Revoked may change.
type APIKey struct {
	KeyHash           string       `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix         string       `json:"key_prefix" db:"key_prefix"` // display only, never used to authenticate
	Name              string       `json:"name" db:"name"`
	Role              Role         `json:"role" db:"role"`
	CustomPermissions []Permission `json:"custom_permissions,omitempty"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt        *time.Time   `json:"last_used_at,omitempty" db:"last_used_at"`
	Revoked           bool         `json:"revoked" db:"revoked"`
}

// Expired reports whether the key's expiry, if set, is in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Usable reports whether the key can authenticate right now: not revoked
// and not expired.
func (k *APIKey) Usable(now time.Time) bool {
	return !k.Revoked && !k.Expired(now)
}

// ExportedAPIKey is the redacted view of an API key served to callers. It
// carries the display prefix but never the hash or the raw secret.
type ExportedAPIKey struct {
	KeyPrefix   string       `json:"key_prefix"`
	Name        string       `json:"name"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	Revoked     bool         `json:"revoked"`
}

// PermissionCheckResult is the outcome of a single authorization decision.
// Denial is a normal outcome, not an error.
type PermissionCheckResult struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"` // why denied, empty on grant
	UserID  string `json:"user_id,omitempty"`
	Role    Role   `json:"role,omitempty"`
}
