package auth

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

var errTokenMismatch = errors.New("auth: token does not match session")

// ServiceKeyHeader carries the operator key on /admin routes.
const ServiceKeyHeader = "X-Service-Key"

// DefaultServiceKeyCost is the bcrypt work factor used by HashServiceKey.
const DefaultServiceKeyCost = 12

// ServiceKey guards operator endpoints. Only the bcrypt hash of the key is
// configured; the plaintext never touches disk.
type ServiceKey struct {
	hash []byte
}

// NewServiceKey returns nil when hash is empty, which disables the admin
// routes.
func NewServiceKey(hash string) (*ServiceKey, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("auth: service key hash is not a bcrypt hash: %w", err)
	}
	return &ServiceKey{hash: []byte(hash)}, nil
}

// HashServiceKey produces the value to put in the service_key_hash setting.
// bcrypt truncates silently past 72 bytes, so longer keys are rejected.
func HashServiceKey(plaintext string, cost int) (string, error) {
	if plaintext == "" {
		return "", errors.New("auth: service key must not be empty")
	}
	if len(plaintext) > 72 {
		return "", errors.New("auth: service key must be 72 bytes or fewer")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing service key: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext is the configured key.
func (k *ServiceKey) Verify(plaintext string) bool {
	if k == nil || plaintext == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword(k.hash, []byte(plaintext))
	return err == nil
}

// RequireServiceKey admits only requests carrying the operator key. A nil
// key refuses everything.
func RequireServiceKey(key *ServiceKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !key.Verify(r.Header.Get(ServiceKeyHeader)) {
				deny(w, http.StatusForbidden, `{"error":"forbidden","message":"service key required"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body + "\n"))
}
