package pluginhost

import (
	"context"
	"errors"
	"fmt"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/observability"
)

// SecretScope selects where a secret lives.
type SecretScope string

const (
	// ScopeSystem secrets are admin-managed and shared by all users.
	ScopeSystem SecretScope = "system"
	// ScopeUser secrets belong to one user.
	ScopeUser SecretScope = "user"
)

// ErrSecretNotFound is returned when neither scope holds the key.
var ErrSecretNotFound = errors.New("pluginhost: secret not found")

// Secrets is the cache-backed secret store plugins read credentials from.
// Secrets are stored without TTL; removal is an explicit admin action.
type Secrets struct {
	cache  cache.Cache
	logger *observability.Logger
}

// NewSecrets creates a secret store.
func NewSecrets(c cache.Cache, logger *observability.Logger) *Secrets {
	return &Secrets{cache: c, logger: logger.WithOperation("secrets")}
}

func userSecretKey(userID, key string) string {
	return fmt.Sprintf("secrets:user:%s:%s", userID, key)
}

func systemSecretKey(key string) string {
	return "secrets:system:" + key
}

// Get resolves a secret for the invocation's user, preferring the user scope
// and falling back to system.
func (s *Secrets) Get(ctx context.Context, pctx Context, key string) (string, error) {
	value, err := s.cache.Get(ctx, userSecretKey(pctx.UserID(), key))
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return "", fmt.Errorf("pluginhost: read user secret %q: %w", key, err)
	}

	value, err = s.cache.Get(ctx, systemSecretKey(key))
	if errors.Is(err, cache.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("pluginhost: read system secret %q: %w", key, err)
	}
	return value, nil
}

// Set stores a secret. User-scoped writes are keyed to the invocation's
// user; a plugin cannot write another user's secrets.
func (s *Secrets) Set(ctx context.Context, pctx Context, key, value string, scope SecretScope) error {
	var cacheKey string
	switch scope {
	case ScopeUser:
		cacheKey = userSecretKey(pctx.UserID(), key)
	case ScopeSystem:
		cacheKey = systemSecretKey(key)
	default:
		return fmt.Errorf("pluginhost: unknown secret scope %q", scope)
	}

	if err := s.cache.Set(ctx, cacheKey, value, 0); err != nil {
		return fmt.Errorf("pluginhost: store secret %q: %w", key, err)
	}
	s.logger.Info().Str("plugin", pctx.PluginName()).Str("scope", string(scope)).Msg("Secret stored")
	return nil
}
