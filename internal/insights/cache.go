package insights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"kobopay/pkg/cache"
)

const (
	cachePrefix = "insights:cache:"
	epochKey    = "insights:stats_epoch"

	shortTTL  = 5 * time.Minute
	mediumTTL = 15 * time.Minute
)

// neverCacheTerms mark time-anchored queries whose answer goes stale faster
// than any TTL. They win over the TTL classes below.
var neverCacheTerms = []string{"today", "right now", "now"}

// shortTTLTerms and mediumTTLTerms pick the TTL class for a query; anything
// else gets the configured default TTL.
var (
	shortTTLTerms  = []string{"current", "latest"}
	mediumTTLTerms = []string{"revenue", "transaction", "user", "growth"}
)

// Cache is the Redis-backed answer cache for admin insights. Keys carry the
// stats epoch, so a snapshot refresh invalidates every entry at once.
type Cache struct {
	defaultTTL time.Duration
}

// NewCache creates an insights cache with the given default TTL for queries
// outside the short and medium classes.
func NewCache(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Cache{defaultTTL: defaultTTL}
}

// normalise canonicalises a query for keying: lowercase, collapsed
// whitespace.
func normalise(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// containsTerm reports whether the normalised query contains the term as a
// whole word or phrase.
func containsTerm(normalised, term string) bool {
	padded := " " + normalised + " "
	return strings.Contains(padded, " "+term+" ")
}

// Cacheable reports whether a query's answer may be cached at all.
func Cacheable(query string) bool {
	n := normalise(query)
	for _, term := range neverCacheTerms {
		if containsTerm(n, term) {
			return false
		}
	}
	return true
}

// TTLFor returns the cache TTL class for a query.
func (c *Cache) TTLFor(query string) time.Duration {
	n := normalise(query)
	for _, term := range shortTTLTerms {
		if containsTerm(n, term) {
			return shortTTL
		}
	}
	for _, term := range mediumTTLTerms {
		if containsTerm(n, term) {
			return mediumTTL
		}
	}
	return c.defaultTTL
}

// Key derives the cache key: the first 16 hex characters of
// SHA-256(normalise(query) || "|" || epoch).
func Key(query, epoch string) string {
	sum := sha256.Sum256([]byte(normalise(query) + "|" + epoch))
	return cachePrefix + hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached answer for a query under the given epoch, or ""
// on a miss.
func (c *Cache) Get(ctx context.Context, query, epoch string) (string, error) {
	return cache.Get(ctx, Key(query, epoch))
}

// Put stores an answer under the query's TTL class.
func (c *Cache) Put(ctx context.Context, query, epoch, answer string) error {
	return cache.Set(ctx, Key(query, epoch), answer, c.TTLFor(query))
}

// Epoch returns the current stats epoch, or "" when no snapshot has been
// taken yet.
func Epoch(ctx context.Context) (string, error) {
	return cache.Get(ctx, epochKey)
}

// SetEpoch advances the stats epoch, invalidating every cached answer keyed
// on the previous one. Old entries expire by TTL.
func SetEpoch(ctx context.Context, at time.Time) error {
	return cache.Set(ctx, epochKey, at.UTC().Format(time.RFC3339), 0)
}
