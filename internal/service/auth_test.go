package service

import (
	"context"
	"testing"
	"time"

	"github.com/wardenmcp/warden/internal/config"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewAuthService(store, "test-secret", time.Hour)
}

func TestLoginAndValidate(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	if err := auth.CreateAdmin(ctx, "root@example.com", "hunter2", "Root"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	token, err := auth.Login(ctx, "root@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	principal, err := auth.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.Email != "root@example.com" {
		t.Errorf("email: got %q", principal.Email)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	if err := auth.CreateAdmin(ctx, "root@example.com", "hunter2", ""); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	if _, err := auth.Login(ctx, "root@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := auth.Login(ctx, "nobody@example.com", "hunter2"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestValidateJWTRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ValidateJWT("not-a-token"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	// A token signed with a different secret fails verification.
	other := NewAuthService(nil, "other-secret", time.Hour)
	token, err := other.issueJWT(1, "root@example.com")
	if err != nil {
		t.Fatalf("issueJWT: %v", err)
	}
	if _, err := auth.ValidateJWT(token); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials for wrong secret, got %v", err)
	}
}
