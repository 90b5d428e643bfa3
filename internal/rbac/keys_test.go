package rbac

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKeys(t *testing.T) *Keys {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys := NewKeys(store, testLogger())
	if err := keys.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return keys
}

func TestCreateAndValidate(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	secret, key, err := keys.Create(ctx, "ci-bot", model.RoleBot, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(secret, "wdn_") {
		t.Errorf("secret prefix: got %q", secret[:4])
	}
	if len(secret) != len("wdn_")+64 {
		t.Errorf("secret length: got %d, want %d", len(secret), len("wdn_")+64)
	}
	if key.KeyPrefix != secret[:12] {
		t.Errorf("KeyPrefix: got %q, want %q", key.KeyPrefix, secret[:12])
	}
	if key.ExpiresAt != nil {
		t.Error("key without expiry should have nil ExpiresAt")
	}

	handle, err := keys.Validate(secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if handle != key.KeyHash {
		t.Errorf("handle: got %q, want key hash", handle)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	if _, _, err := keys.Create(ctx, "x", model.Role("superuser"), nil, 0); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, _, err := keys.Create(ctx, "x", model.RoleCustom, []model.Permission{"fly"}, 0); err == nil {
		t.Error("expected error for unknown permission")
	}
}

func TestValidateUnknownKey(t *testing.T) {
	keys := newTestKeys(t)

	if _, err := keys.Validate("wdn_never_created"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	secret, key, err := keys.Create(ctx, "doomed", model.RoleReadOnly, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := keys.Revoke(ctx, key.KeyHash); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Revoking again is a no-op.
	if err := keys.Revoke(ctx, key.KeyHash); err != nil {
		t.Fatalf("Revoke (second): %v", err)
	}

	if _, err := keys.Validate(secret); err != ErrKeyRevoked {
		t.Errorf("expected ErrKeyRevoked, got %v", err)
	}

	if err := keys.Revoke(ctx, "missing"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound for unknown handle, got %v", err)
	}
}

func TestValidateExpiredKey(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	secret, key, err := keys.Create(ctx, "short-lived", model.RoleBot, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if key.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	past := time.Now().Add(-time.Minute).UTC()
	if err := keys.UpdateMetadata(ctx, key.KeyHash, key.Name, &past); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	if _, err := keys.Validate(secret); err != ErrKeyExpired {
		t.Errorf("expected ErrKeyExpired, got %v", err)
	}
}

func TestExtendExpiration(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	_, key, err := keys.Create(ctx, "extend-me", model.RoleBot, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	original := *key.ExpiresAt

	extended, err := keys.ExtendExpiration(ctx, key.KeyHash, 24*time.Hour)
	if err != nil {
		t.Fatalf("ExtendExpiration: %v", err)
	}
	if !extended.After(original.Add(23 * time.Hour)) {
		t.Errorf("extension too small: original %v, extended %v", original, extended)
	}

	if _, err := keys.ExtendExpiration(ctx, key.KeyHash, -time.Hour); err == nil {
		t.Error("expected error for negative extension")
	}
	if _, err := keys.ExtendExpiration(ctx, "missing", time.Hour); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	_, expired, err := keys.Create(ctx, "old", model.RoleBot, nil, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	past := time.Now().Add(-time.Hour).UTC()
	if err := keys.UpdateMetadata(ctx, expired.KeyHash, "old", &past); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	keepSecret, _, err := keys.Create(ctx, "keep", model.RoleBot, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := keys.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}

	if _, ok := keys.Get(expired.KeyHash); ok {
		t.Error("expired key should be gone from the index")
	}
	if _, err := keys.Validate(keepSecret); err != nil {
		t.Errorf("surviving key should still validate: %v", err)
	}
}

func TestPurgeRevoked(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	_, revoked, err := keys.Create(ctx, "revoked", model.RoleBot, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := keys.Revoke(ctx, revoked.KeyHash); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	n, err := keys.PurgeRevoked(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeRevoked: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}
	if _, ok := keys.Get(revoked.KeyHash); ok {
		t.Error("revoked key should be gone from the index")
	}
}

func TestExportRedacts(t *testing.T) {
	keys := newTestKeys(t)
	ctx := context.Background()

	secret, _, err := keys.Create(ctx, "exported", model.RoleDeveloper, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exported := keys.Export()
	if len(exported) != 1 {
		t.Fatalf("exported: got %d, want 1", len(exported))
	}
	e := exported[0]
	if e.KeyPrefix != secret[:12] {
		t.Errorf("KeyPrefix: got %q", e.KeyPrefix)
	}
	if e.Name != "exported" || e.Role != model.RoleDeveloper {
		t.Errorf("unexpected export: %+v", e)
	}
}

func TestStartReloadsPersistedKeys(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	keys := NewKeys(store, testLogger())
	if err := keys.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	secret, _, err := keys.Create(ctx, "survivor", model.RoleBot, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A fresh manager over the same store sees the key after Start.
	reloaded := NewKeys(store, testLogger())
	if _, err := reloaded.Validate(secret); err != ErrKeyNotFound {
		t.Errorf("before Start: expected ErrKeyNotFound, got %v", err)
	}
	if err := reloaded.Start(ctx); err != nil {
		t.Fatalf("Start (reload): %v", err)
	}
	if _, err := reloaded.Validate(secret); err != nil {
		t.Errorf("after Start: %v", err)
	}
}
