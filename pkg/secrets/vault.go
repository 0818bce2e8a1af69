package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"topic-chat/backend/pkg/logger"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for Vault client
type VaultConfig struct {
	Address     string
	Token       string
	Namespace   string
	Timeout     time.Duration
	MaxRetries  int
	Mount       string
	SecretsPath string
	Enabled     bool
	CacheTTL    time.Duration
}

// VaultManager reads secrets from a Vault KV v2 mount and falls back to
// environment variables. With Vault disabled only the environment is used.
type VaultManager struct {
	client *vault.Client
	config VaultConfig
	cache  map[string]cachedSecret
	mu     sync.RWMutex
	log    *logger.Logger
	getenv func(string) string
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// NewVaultManager creates a new Vault manager instance
func NewVaultManager(config VaultConfig, log *logger.Logger) (*VaultManager, error) {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.Mount == "" {
		config.Mount = "secret"
	}

	manager := &VaultManager{
		config: config,
		cache:  make(map[string]cachedSecret),
		log:    log,
		getenv: os.Getenv,
	}
	if !config.Enabled {
		return manager, nil
	}

	if config.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if config.Token == "" {
		return nil, ErrNoVaultToken
	}
	if config.SecretsPath == "" {
		config.SecretsPath = "topic-chat"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address
	vaultConfig.Timeout = config.Timeout
	vaultConfig.MaxRetries = config.MaxRetries

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(config.Token)
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	manager.client = client
	manager.config = config
	return manager, nil
}

// GetSecret retrieves a secret from Vault, with fallback to environment variable
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	cached, found := m.cache[key]
	m.mu.RUnlock()
	if found && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	if m.client == nil {
		return m.getFromEnvironment(key)
	}

	value, err := m.getFromVault(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			m.log.Warn("secret not found in vault, falling back to environment", "key", key)
			return m.getFromEnvironment(key)
		}
		return "", err
	}

	m.cacheSecret(key, value)
	return value, nil
}

// GetSecretWithDefault retrieves a secret with a default value if not found
func (m *VaultManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		m.log.Warn("failed to get secret, using default value",
			"key", key,
			"error", err.Error(),
		)
		return defaultValue
	}
	return value
}

func (m *VaultManager) getFromVault(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.config.Mount).Get(ctx, m.config.SecretsPath)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		m.log.Error("failed to read secret from vault",
			"path", m.config.SecretsPath,
			"error", err.Error(),
		)
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// getFromEnvironment maps llm_api_key or llm-api-key to LLM_API_KEY
func (m *VaultManager) getFromEnvironment(key string) (string, error) {
	envKey := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))

	value := m.getenv(envKey)
	if value == "" {
		return "", ErrSecretNotFound
	}
	m.cacheSecret(key, value)
	return value, nil
}

func (m *VaultManager) cacheSecret(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cachedSecret{value: value, expires: time.Now().Add(m.config.CacheTTL)}
}
