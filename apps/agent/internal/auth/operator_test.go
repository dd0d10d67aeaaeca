package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func managerWithPassword(t *testing.T, password string) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return NewManager(hash)
}

func TestLoginAndResolve(t *testing.T) {
	m := managerWithPassword(t, "hunter22")

	token, err := m.Login("hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" {
		t.Fatalf("empty session token")
	}
	if !m.ResolveSession(token) {
		t.Fatalf("fresh token rejected")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	m := managerWithPassword(t, "hunter22")

	if _, err := m.Login("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := m.Login(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnconfigured(t *testing.T) {
	m := NewManager(nil)

	if m.Configured() {
		t.Fatalf("manager without hash reports configured")
	}
	if _, err := m.Login("anything"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("unconfigured login: got %v, want ErrNotConfigured", err)
	}
}

func TestResolveSessionExpiryAndRefresh(t *testing.T) {
	m := managerWithPassword(t, "hunter22")
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	token, err := m.Login("hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Each resolve pushes the expiry forward.
	current = current.Add(8 * time.Hour)
	if !m.ResolveSession(token) {
		t.Fatalf("token rejected before TTL")
	}
	current = current.Add(8 * time.Hour)
	if !m.ResolveSession(token) {
		t.Fatalf("refreshed token rejected")
	}

	current = current.Add(13 * time.Hour)
	if m.ResolveSession(token) {
		t.Fatalf("expired token accepted")
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	m := managerWithPassword(t, "hunter22")

	token, err := m.Login("hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	m.Logout(token)
	if m.ResolveSession(token) {
		t.Fatalf("logged-out token accepted")
	}
}

func TestResolveUnknownToken(t *testing.T) {
	m := managerWithPassword(t, "hunter22")
	if m.ResolveSession("not-a-token") {
		t.Fatalf("unknown token accepted")
	}
	if m.ResolveSession("") {
		t.Fatalf("empty token accepted")
	}
}
