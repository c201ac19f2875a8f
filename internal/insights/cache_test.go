package insights

import (
	"strings"
	"testing"
	"time"

	"kobopay/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func init() {
	_ = logger.Init("development")
}

func TestNormalise(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"Lowercases", "Total REVENUE", "total revenue"},
		{"Collapses whitespace", "  how   many\tusers ", "how many users"},
		{"Already canonical", "weekly growth", "weekly growth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalise(tt.query))
		})
	}
}

func TestKey(t *testing.T) {
	k1 := Key("Total Revenue", "2026-08-20T12:00:00Z")
	k2 := Key("  total   revenue ", "2026-08-20T12:00:00Z")
	assert.Equal(t, k1, k2, "normalisation must make equivalent queries share a key")

	k3 := Key("Total Revenue", "2026-08-20T12:05:00Z")
	assert.NotEqual(t, k1, k3, "an epoch change must invalidate the key")

	hash := strings.TrimPrefix(k1, cachePrefix)
	assert.Len(t, hash, 16)
	assert.NotEqual(t, k1, Key("total expenses", "2026-08-20T12:00:00Z"))
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"Plain question", "how many accounts do we have", true},
		{"Today is never cached", "what is the revenue today", false},
		{"Now is never cached", "how many users are online now", false},
		{"Right now phrase", "what is happening right now", false},
		{"Now inside a word does not match", "do users know about offline sync", true},
		{"Current stays cacheable in its class", "current transaction volume", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cacheable(tt.query))
		})
	}
}

func TestTTLFor(t *testing.T) {
	c := NewCache(10 * time.Minute)

	tests := []struct {
		name  string
		query string
		want  time.Duration
	}{
		{"Current is short-lived", "current sync backlog", shortTTL},
		{"Latest is short-lived", "latest conflict counts", shortTTL},
		{"Revenue is medium", "monthly revenue breakdown", mediumTTL},
		{"Transaction is medium", "transaction failure rate", mediumTTL},
		{"User is medium", "user signups this month", mediumTTL},
		{"Growth is medium", "growth over the quarter", mediumTTL},
		{"General uses default", "how healthy is the platform", 10 * time.Minute},
		{"Short class wins over medium", "current revenue", shortTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.TTLFor(tt.query))
		})
	}
}

func TestNewCache_DefaultTTLFallback(t *testing.T) {
	c := NewCache(0)
	assert.Equal(t, 10*time.Minute, c.TTLFor("general question"))
}
