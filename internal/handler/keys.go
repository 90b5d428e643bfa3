package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/rbac"
	"github.com/wardenmcp/warden/internal/service"
)

// KeyHandler manages API keys over the admin HTTP API. All responses are
// redacted; the raw secret appears only in the creation response.
type KeyHandler struct {
	guard *service.Guard
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(guard *service.Guard) *KeyHandler {
	return &KeyHandler{guard: guard}
}

// ListKeys returns all API keys in redacted form.
// GET /api/v1/keys?include_revoked=true
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	exported := h.guard.Keys().Export()
	if !queryBool(r, "include_revoked") {
		active := exported[:0]
		for _, k := range exported {
			if !k.Revoked {
				active = append(active, k)
			}
		}
		exported = active
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": exported})
}

// createKeyRequest is the expected payload for the CreateKey endpoint.
type createKeyRequest struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresIn   string   `json:"expires_in,omitempty"` // Go duration, e.g. "720h"
}

// CreateKey mints a new API key. The secret in the response cannot be
// recovered later.
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Role == "" {
		writeError(w, http.StatusBadRequest, "Role is required")
		return
	}

	var expiresIn time.Duration
	if req.ExpiresIn != "" {
		var err error
		expiresIn, err = time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_in: "+err.Error())
			return
		}
	}

	var perms []model.Permission
	for _, p := range req.Permissions {
		perms = append(perms, model.Permission(p))
	}

	secret, key, err := h.guard.Keys().Create(r.Context(), req.Name, model.Role(req.Role), perms, expiresIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"secret":     secret,
		"key_prefix": key.KeyPrefix,
		"name":       key.Name,
		"role":       key.Role,
		"expires_at": key.ExpiresAt,
	})
}

// findByPrefix resolves a display prefix to the key's handle.
func (h *KeyHandler) findByPrefix(prefix string) (string, bool) {
	for _, key := range h.guard.Keys().List(true) {
		if key.KeyPrefix == prefix {
			return key.KeyHash, true
		}
	}
	return "", false
}

// RevokeKey revokes a key by its display prefix.
// DELETE /api/v1/keys/{keyPrefix}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "keyPrefix")

	handle, ok := h.findByPrefix(prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "No key with prefix "+prefix)
		return
	}

	if err := h.guard.Keys().Revoke(r.Context(), handle); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revoked":    true,
		"key_prefix": prefix,
	})
}

// updateKeyRequest is the expected payload for the UpdateKey endpoint.
type updateKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UpdateKey changes a key's name and expiry.
// PUT /api/v1/keys/{keyPrefix}
func (h *KeyHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "keyPrefix")

	handle, ok := h.findByPrefix(prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "No key with prefix "+prefix)
		return
	}

	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.guard.Keys().UpdateMetadata(r.Context(), handle, req.Name, req.ExpiresAt); err != nil {
		if errors.Is(err, rbac.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "No key with prefix "+prefix)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_prefix": prefix,
		"name":       req.Name,
		"expires_at": req.ExpiresAt,
	})
}

// extendKeyRequest is the expected payload for the ExtendKey endpoint.
type extendKeyRequest struct {
	ExtendBy string `json:"extend_by"` // Go duration, e.g. "168h"
}

// ExtendKey pushes a key's expiry out by a duration.
// POST /api/v1/keys/{keyPrefix}/extend
func (h *KeyHandler) ExtendKey(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "keyPrefix")

	handle, ok := h.findByPrefix(prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "No key with prefix "+prefix)
		return
	}

	var req extendKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	d, err := time.ParseDuration(req.ExtendBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid extend_by: "+err.Error())
		return
	}

	expiry, err := h.guard.Keys().ExtendExpiration(r.Context(), handle, d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to extend key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_prefix": prefix,
		"expires_at": expiry,
	})
}

// PurgeKeys deletes expired keys and, when a cutoff is given, revoked keys
// created before it.
// POST /api/v1/keys/purge?revoked_before=2026-01-01T00:00:00Z
func (h *KeyHandler) PurgeKeys(w http.ResponseWriter, r *http.Request) {
	expired, err := h.guard.Keys().PurgeExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge expired keys: "+err.Error())
		return
	}

	var revoked int64
	if cutoff := queryTime(r, "revoked_before"); cutoff != nil {
		revoked, err = h.guard.Keys().PurgeRevoked(r.Context(), *cutoff)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to purge revoked keys: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired_purged": expired,
		"revoked_purged": revoked,
	})
}

// ListTools returns the tool permission table.
// GET /api/v1/tools
func (h *KeyHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": h.guard.Engine().Registry().Tools(),
	})
}
