package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/observability"
)

// ResultCache memoizes similarity search responses. Embedding the query is
// the expensive part of a similarity search, so repeated queries within the
// TTL skip both the embedder and the store. Invalidation is TTL-only; a
// short TTL bounds staleness after re-ingestion.
type ResultCache struct {
	cache  cache.Cache
	logger *observability.Logger
	ttl    time.Duration
}

// DefaultResultTTL bounds how stale a cached similarity result can be.
const DefaultResultTTL = 5 * time.Minute

// NewResultCache creates a similarity result cache. ttl defaults to
// DefaultResultTTL when non-positive.
func NewResultCache(c cache.Cache, logger *observability.Logger, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{cache: c, logger: logger.WithOperation("search_cache"), ttl: ttl}
}

// Key derives a deterministic cache key from the query and its scope. The
// bound set is sorted so key identity does not depend on binding order.
func (c *ResultCache) Key(boundKBs []string, query string, k int) string {
	kbs := append([]string(nil), boundKBs...)
	sort.Strings(kbs)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", query, k, strings.Join(kbs, ","))
	return "search:similar:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached result set, or false on miss. Cache failures are
// treated as misses.
func (c *ResultCache) Get(ctx context.Context, key string) ([]SimilarChunk, bool) {
	raw, err := c.cache.GetBytes(ctx, key)
	if err != nil {
		// Backends wrap the sentinel with context.
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("Search cache read failed")
		}
		return nil, false
	}

	var results []SimilarChunk
	if err := json.Unmarshal(raw, &results); err != nil {
		c.logger.Warn().Err(err).Msg("Search cache entry corrupt")
		return nil, false
	}
	return results, true
}

// Set stores a result set. Failures are logged, not returned; caching is
// best effort.
func (c *ResultCache) Set(ctx context.Context, key string, results []SimilarChunk) {
	raw, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Search cache marshal failed")
		return
	}
	if err := c.cache.SetBytes(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("Search cache write failed")
	}
}
