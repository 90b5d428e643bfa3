package rbac

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyExpired  = errors.New("api key expired")
)

const (
	secretPrefix = "wdn_"
	secretBytes  = 32
	prefixLen    = 12
)

// Keys manages API key credentials. Validation runs against an in-memory
// index keyed by hash so the hot path never touches the database; all
// mutations write through to the store first and update the index only on
// success.
type Keys struct {
	store  *config.Store
	logger *slog.Logger

	mu     sync.RWMutex
	byHash map[string]*model.APIKey
}

// NewKeys returns a key manager over the given store. Call Start to load
// existing keys before serving validations.
func NewKeys(store *config.Store, logger *slog.Logger) *Keys {
	return &Keys{
		store:  store,
		logger: logger,
		byHash: make(map[string]*model.APIKey),
	}
}

// Start loads all persisted keys, revoked ones included, into the index.
func (k *Keys) Start(ctx context.Context) error {
	return k.rebuildIndex(ctx)
}

func (k *Keys) rebuildIndex(ctx context.Context) error {
	keys, err := k.store.ListAPIKeys(ctx, true)
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}

	index := make(map[string]*model.APIKey, len(keys))
	for i := range keys {
		index[keys[i].KeyHash] = &keys[i]
	}

	k.mu.Lock()
	k.byHash = index
	k.mu.Unlock()

	k.logger.Debug("api key index loaded", "keys", len(index))
	return nil
}

// generateSecret returns a fresh raw API key string.
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// Create mints a new API key. The returned secret is the only time the raw
// key material is available; the store keeps just its SHA-256 hash. A
// persistence failure aborts the creation, nothing is indexed.
func (k *Keys) Create(ctx context.Context, name string, role model.Role, customPerms []model.Permission, expiresIn time.Duration) (string, *model.APIKey, error) {
	if !model.ValidRole(role) {
		return "", nil, fmt.Errorf("invalid role %q", role)
	}
	for _, p := range customPerms {
		if !model.ValidPermission(p) {
			return "", nil, fmt.Errorf("invalid permission %q", p)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return "", nil, err
	}

	key := &model.APIKey{
		KeyHash:           config.HashAPIKey(secret),
		KeyPrefix:         secret[:prefixLen],
		Name:              name,
		Role:              role,
		CustomPermissions: append([]model.Permission(nil), customPerms...),
	}
	if expiresIn > 0 {
		expiry := time.Now().UTC().Add(expiresIn)
		key.ExpiresAt = &expiry
	}

	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("persist api key: %w", err)
	}

	k.mu.Lock()
	k.byHash[key.KeyHash] = key
	k.mu.Unlock()

	k.logger.Info("api key created", "prefix", key.KeyPrefix, "name", name, "role", role)

	out := *key
	return secret, &out, nil
}

// Validate checks a raw secret against the index and returns the key's hash
// as an opaque handle for later permission checks. Revoked and expired keys
// fail validation. The last-used timestamp is updated in the background.
func (k *Keys) Validate(secret string) (string, error) {
	hash := config.HashAPIKey(secret)

	k.mu.RLock()
	key, ok := k.byHash[hash]
	k.mu.RUnlock()

	if !ok {
		return "", ErrKeyNotFound
	}
	if key.Revoked {
		return "", ErrKeyRevoked
	}
	if key.Expired(time.Now()) {
		return "", ErrKeyExpired
	}

	now := time.Now().UTC()
	k.mu.Lock()
	key.LastUsedAt = &now
	k.mu.Unlock()

	// Update last used timestamp (fire and forget)
	go k.store.UpdateAPIKeyLastUsed(context.Background(), hash, now)

	return hash, nil
}

// RecordUsage marks the key behind a handle as used now. Best effort: an
// unknown handle is ignored and the store write happens in the background.
func (k *Keys) RecordUsage(handle string) {
	now := time.Now().UTC()

	k.mu.Lock()
	key, ok := k.byHash[handle]
	if ok {
		key.LastUsedAt = &now
	}
	k.mu.Unlock()

	if !ok {
		return
	}
	go k.store.UpdateAPIKeyLastUsed(context.Background(), handle, now)
}

// Get returns a copy of the key behind a handle.
func (k *Keys) Get(handle string) (*model.APIKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.byHash[handle]
	if !ok {
		return nil, false
	}
	out := *key
	return &out, true
}

// List returns copies of all indexed keys, optionally filtering out revoked
// ones.
func (k *Keys) List(includeRevoked bool) []model.APIKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]model.APIKey, 0, len(k.byHash))
	for _, key := range k.byHash {
		if key.Revoked && !includeRevoked {
			continue
		}
		out = append(out, *key)
	}
	return out
}

// Revoke marks a key as revoked. Revoking an already-revoked key is a no-op.
// The row stays in the store for audit purposes.
func (k *Keys) Revoke(ctx context.Context, handle string) error {
	k.mu.RLock()
	key, ok := k.byHash[handle]
	revoked := ok && key.Revoked
	k.mu.RUnlock()

	if !ok {
		return ErrKeyNotFound
	}
	if revoked {
		return nil
	}

	if err := k.store.SetAPIKeyRevoked(ctx, handle); err != nil {
		return err
	}

	k.mu.Lock()
	if key, ok := k.byHash[handle]; ok {
		key.Revoked = true
	}
	k.mu.Unlock()

	k.logger.Info("api key revoked", "prefix", key.KeyPrefix)
	return nil
}

// UpdateMetadata changes a key's name and expiry. Role and permissions are
// fixed at creation time.
func (k *Keys) UpdateMetadata(ctx context.Context, handle, name string, expiresAt *time.Time) error {
	if err := k.store.UpdateAPIKeyMeta(ctx, handle, name, expiresAt); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}

	k.mu.Lock()
	if key, ok := k.byHash[handle]; ok {
		key.Name = name
		key.ExpiresAt = expiresAt
	}
	k.mu.Unlock()
	return nil
}

// ExtendExpiration pushes a key's expiry out by the given duration. The
// extension is applied to the current expiry when one is set and still in
// the future, otherwise it counts from now. A zero or negative duration is
// rejected.
func (k *Keys) ExtendExpiration(ctx context.Context, handle string, d time.Duration) (*time.Time, error) {
	if d <= 0 {
		return nil, fmt.Errorf("extension must be positive, got %s", d)
	}

	k.mu.RLock()
	key, ok := k.byHash[handle]
	var name string
	var base time.Time
	if ok {
		name = key.Name
		now := time.Now().UTC()
		base = now
		if key.ExpiresAt != nil && key.ExpiresAt.After(now) {
			base = key.ExpiresAt.UTC()
		}
	}
	k.mu.RUnlock()

	if !ok {
		return nil, ErrKeyNotFound
	}

	expiry := base.Add(d)
	if err := k.UpdateMetadata(ctx, handle, name, &expiry); err != nil {
		return nil, err
	}
	return &expiry, nil
}

// PurgeExpired deletes keys whose expiry has passed and rebuilds the index
// from the store.
func (k *Keys) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := k.store.DeleteExpiredAPIKeys(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if err := k.rebuildIndex(ctx); err != nil {
		return n, err
	}
	if n > 0 {
		k.logger.Info("expired api keys purged", "count", n)
	}
	return n, nil
}

// PurgeRevoked deletes revoked keys created before the cutoff and rebuilds
// the index from the store.
func (k *Keys) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := k.store.DeleteRevokedAPIKeys(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if err := k.rebuildIndex(ctx); err != nil {
		return n, err
	}
	if n > 0 {
		k.logger.Info("revoked api keys purged", "count", n)
	}
	return n, nil
}

// Export returns a redacted view of all keys, safe to serialize for admin
// tooling. No hashes or raw key material are included.
func (k *Keys) Export() []model.ExportedAPIKey {
	keys := k.List(true)

	out := make([]model.ExportedAPIKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, model.ExportedAPIKey{
			KeyPrefix:   key.KeyPrefix,
			Name:        key.Name,
			Role:        key.Role,
			Permissions: key.CustomPermissions,
			CreatedAt:   key.CreatedAt,
			ExpiresAt:   key.ExpiresAt,
			LastUsedAt:  key.LastUsedAt,
			Revoked:     key.Revoked,
		})
	}
	return out
}
