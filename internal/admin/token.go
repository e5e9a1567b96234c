package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const tokenFile = "admin_token"

// TokenStore persists the bcrypt hash of the admin bearer token. The
// plaintext token exists only in the API caller's hands: it is generated
// once, printed once, and never stored.
type TokenStore struct {
	path string
	mu   sync.RWMutex
	hash []byte
}

// NewTokenStore creates a token store under the given state directory.
func NewTokenStore(stateDir string) *TokenStore {
	return &TokenStore{path: filepath.Join(stateDir, tokenFile)}
}

// Ensure loads the stored token hash, generating a fresh token on first
// run. The returned plaintext is non-empty only when a new token was
// created; the caller is responsible for showing it to the operator.
func (s *TokenStore) Ensure() (plaintext string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := os.ReadFile(s.path)
	if err == nil {
		s.hash = hash
		return "", false, nil
	}
	if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("admin: read token hash: %w", err)
	}

	token, err := s.generateLocked()
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Verify reports whether the presented token matches the stored hash.
func (s *TokenStore) Verify(token string) bool {
	s.mu.RLock()
	hash := s.hash
	s.mu.RUnlock()

	if len(hash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// Reset replaces the token and returns the new plaintext, shown exactly
// once in the reset response.
func (s *TokenStore) Reset() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateLocked()
}

// generateLocked creates a token, persists its hash and caches it. Caller
// holds the write lock.
func (s *TokenStore) generateLocked() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("admin: generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("admin: hash token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", fmt.Errorf("admin: create state dir: %w", err)
	}
	if err := os.WriteFile(s.path, hash, 0o600); err != nil {
		return "", fmt.Errorf("admin: persist token hash: %w", err)
	}

	s.hash = hash
	return token, nil
}
