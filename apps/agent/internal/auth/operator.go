// Package auth gates the operator control surface. A single shared operator
// password is configured through the environment; successful logins mint
// refreshing session tokens that the gateway checks on every control message.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSessionTTL = 12 * time.Hour
	tokenBytes        = 32
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotConfigured      = errors.New("operator password not configured")
)

// Manager provides in-memory operator session management for single-binary
// deployment. There is one credential, not an account store.
type Manager struct {
	mu sync.Mutex

	passwordHash []byte
	sessionTTL   time.Duration
	sessions     map[string]time.Time // token -> expiry

	now func() time.Time
}

// NewManagerFromEnv reads OPERATOR_PASSWORD_HASH (a bcrypt hash) or
// OPERATOR_PASSWORD (hashed at startup). With neither set the control surface
// stays locked: every login fails with ErrNotConfigured.
func NewManagerFromEnv() (*Manager, error) {
	if hash := strings.TrimSpace(os.Getenv("OPERATOR_PASSWORD_HASH")); hash != "" {
		return NewManager([]byte(hash)), nil
	}
	if password := strings.TrimSpace(os.Getenv("OPERATOR_PASSWORD")); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		return NewManager(hash), nil
	}
	return NewManager(nil), nil
}

func NewManager(passwordHash []byte) *Manager {
	return &Manager{
		passwordHash: passwordHash,
		sessionTTL:   defaultSessionTTL,
		sessions:     make(map[string]time.Time),
		now:          time.Now,
	}
}

// Configured reports whether an operator password is set.
func (m *Manager) Configured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.passwordHash) > 0
}

// Login validates the operator password and returns a fresh session token.
func (m *Manager) Login(password string) (sessionToken string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.passwordHash) == 0 {
		return "", ErrNotConfigured
	}
	if password == "" {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	sessionToken = mustToken()
	m.sessions[sessionToken] = m.now().Add(m.sessionTTL)
	return sessionToken, nil
}

// ResolveSession validates and refreshes a session token.
func (m *Manager) ResolveSession(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt, exists := m.sessions[token]
	if !exists {
		return false
	}
	now := m.now()
	if !now.Before(expiresAt) {
		delete(m.sessions, token)
		return false
	}
	m.sessions[token] = now.Add(m.sessionTTL)
	return true
}

// Logout invalidates a session token.
func (m *Manager) Logout(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

func mustToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
