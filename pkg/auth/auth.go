// Package auth verifies bearer API keys on the ingestion API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

// KeyVerifier holds bcrypt hashes of the accepted API keys. Plain keys are
// never kept after construction.
type KeyVerifier struct {
	mu     sync.RWMutex
	hashes [][]byte
}

// NewKeyVerifier hashes the plain keys and adds the pre-hashed ones.
// A verifier with no keys accepts every request.
func NewKeyVerifier(plainKeys, bcryptHashes []string) (*KeyVerifier, error) {
	v := &KeyVerifier{}
	for _, k := range plainKeys {
		if err := v.AddKey(k); err != nil {
			return nil, err
		}
	}
	for _, h := range bcryptHashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid api key hash: %w", err)
		}
		v.hashes = append(v.hashes, []byte(h))
	}
	return v, nil
}

// AddKey accepts one more plain key
func (v *KeyVerifier) AddKey(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}

	v.mu.Lock()
	v.hashes = append(v.hashes, hash)
	v.mu.Unlock()
	return nil
}

// Enabled reports whether any key is configured
func (v *KeyVerifier) Enabled() bool {
	if v == nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.hashes) > 0
}

// Verify checks key against every configured hash
func (v *KeyVerifier) Verify(key string) error {
	if key == "" {
		return ErrMissingKey
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// Middleware rejects requests without a valid "Authorization: Bearer <key>"
// header with 401. Paths in exempt pass through unchecked.
func (v *KeyVerifier) Middleware(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := v.Verify(BearerToken(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="reqcorr"`)
				http.Error(w, `{"error":"unauthorized","message":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an Authorization header, or ""
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// GenerateAPIKey returns a new random key and its bcrypt hash for config files
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(b)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return key, string(h), nil
}
