package insights

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"kobopay/pkg/cache"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// RateLimiter enforces two sliding windows per admin: requests per minute and
// per hour, backed by Redis sorted sets with one member per request scored by
// its time.
type RateLimiter struct {
	perMinute int
	perHour   int
	clk       clock.Clock
}

// NewRateLimiter creates a limiter with the given window budgets.
func NewRateLimiter(perMinute, perHour int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{perMinute: perMinute, perHour: perHour, clk: clk}
}

func minuteKey(adminID string) string { return "insights:rl:minute:" + adminID }
func hourKey(adminID string) string   { return "insights:rl:hour:" + adminID }

// Allow consumes one request slot for the admin. It takes a minute token
// first; if the minute window is fine but the hour window is exhausted, the
// minute token is handed back so a later retry is not doubly charged.
func (l *RateLimiter) Allow(ctx context.Context, adminID string) (bool, error) {
	now := l.clk.Now().UTC()
	score := float64(now.UnixNano())
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.New().String()

	minKey := minuteKey(adminID)
	if err := cache.ZRemRangeByScore(ctx, minKey, "-inf",
		fmt.Sprintf("%d", now.Add(-time.Minute).UnixNano())); err != nil {
		return false, err
	}
	inMinute, err := cache.ZCard(ctx, minKey)
	if err != nil {
		return false, err
	}
	if inMinute >= int64(l.perMinute) {
		return false, nil
	}
	if err := cache.ZAdd(ctx, minKey, score, member); err != nil {
		return false, err
	}
	if err := cache.Expire(ctx, minKey, 2*time.Minute); err != nil {
		return false, err
	}

	hrKey := hourKey(adminID)
	if err := cache.ZRemRangeByScore(ctx, hrKey, "-inf",
		fmt.Sprintf("%d", now.Add(-time.Hour).UnixNano())); err != nil {
		return false, err
	}
	inHour, err := cache.ZCard(ctx, hrKey)
	if err != nil {
		return false, err
	}
	if inHour >= int64(l.perHour) {
		// Refund the minute token; the request never ran.
		if err := cache.ZRem(ctx, minKey, member); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := cache.ZAdd(ctx, hrKey, score, member); err != nil {
		return false, err
	}
	if err := cache.Expire(ctx, hrKey, 2*time.Hour); err != nil {
		return false, err
	}

	return true, nil
}
