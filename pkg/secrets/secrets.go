package secrets

import (
	"context"
	"errors"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// Common errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// Lookup binds a key to a manager, resolving it on every call so rotated
// secrets are picked up once the cache expires
func Lookup(m Manager, key string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return m.GetSecret(ctx, key)
	}
}

// Static is a Manager over a fixed map, for tests and local runs
type Static map[string]string

func (s Static) GetSecret(_ context.Context, key string) (string, error) {
	if v, ok := s[key]; ok && v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

func (s Static) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	if v, err := s.GetSecret(ctx, key); err == nil {
		return v
	}
	return defaultValue
}
