// Package staging carries binary file content between pipeline stages via the
// shared cache. Each document gets one key with a TTL long enough to cover
// stage retries; the TTL also guarantees eventual cleanup when explicit
// deletes fail.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/observability"
)

// ErrMissing is returned when staged content expired or was never staged.
// Stage handlers classify it as a permanent error.
var ErrMissing = errors.New("staging: file content missing")

// DefaultTTL covers visibility timeouts plus retries of downstream stages.
const DefaultTTL = time.Hour

// Service stages file bytes keyed by document ID.
type Service struct {
	cache  cache.Cache
	logger *observability.Logger
	ttl    time.Duration
}

// NewService creates a staging service. ttl defaults to DefaultTTL when
// non-positive.
func NewService(c cache.Cache, logger *observability.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		cache:  c,
		logger: logger.WithOperation("file_staging"),
		ttl:    ttl,
	}
}

// Key returns the staging key for a document.
func Key(documentID string) string {
	return "file_staging:" + documentID
}

// Stage stores the file content and returns its staging key.
func (s *Service) Stage(ctx context.Context, documentID string, content []byte) (string, error) {
	key := Key(documentID)
	if err := s.cache.SetBytes(ctx, key, content, s.ttl); err != nil {
		return "", fmt.Errorf("staging: store %s: %w", key, err)
	}

	s.logger.Debug().
		Str("document_id", documentID).
		Int("size_bytes", len(content)).
		Msg("Staged file content")
	return key, nil
}

// Retrieve returns staged content and deletes it best-effort. A failed delete
// is logged, not returned: the TTL cleans up eventually.
func (s *Service) Retrieve(ctx context.Context, key string) ([]byte, error) {
	content, err := s.retrieve(ctx, key)
	if err != nil {
		return nil, err
	}

	if _, err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete staged content after retrieve")
	}
	return content, nil
}

// RetrieveKeep returns staged content without consuming it. Used when a later
// stage still needs the bytes.
func (s *Service) RetrieveKeep(ctx context.Context, key string) ([]byte, error) {
	return s.retrieve(ctx, key)
}

func (s *Service) retrieve(ctx context.Context, key string) ([]byte, error) {
	content, err := s.cache.GetBytes(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	if err != nil {
		return nil, fmt.Errorf("staging: retrieve %s: %w", key, err)
	}
	return content, nil
}

// Delete removes staged content explicitly, for cleanup after non-retryable
// failures.
func (s *Service) Delete(ctx context.Context, key string) error {
	if _, err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("staging: delete %s: %w", key, err)
	}
	return nil
}
