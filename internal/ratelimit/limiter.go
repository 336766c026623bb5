// Package ratelimit implements a per-(action, actor) request limiter:
// a fixed window that restarts once the window length has elapsed,
// approximating a sliding window with a single cached counter.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"requestdesk/api/internal/cache"
)

const (
	DefaultLimit         = 10
	DefaultWindowSeconds = 60
)

type Limiter struct {
	cache cache.Cache
	now   func() time.Time
}

func New(c cache.Cache) *Limiter {
	return &Limiter{cache: c, now: time.Now}
}

// NewAt pins the clock for tests.
func NewAt(c cache.Cache, now func() time.Time) *Limiter {
	return &Limiter{cache: c, now: now}
}

// Result reports the outcome of a CheckAndConsume call.
type Result struct {
	// Applicable is false when action or actor is empty: the call is not
	// subject to limiting at all (identity validation happens before the
	// limiter on every public path).
	Applicable    bool
	Allowed       bool
	Count         int
	Limit         int
	WindowSeconds int
	RetryAfterSec int
}

type counter struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStartMs"`
}

func key(action, actorID string) string {
	seed := strings.ToLower(strings.TrimSpace(action)) + ":" + strings.TrimSpace(actorID)
	sum := sha256.Sum256([]byte(seed))
	return "rl_" + hex.EncodeToString(sum[:])[:40]
}

// CheckAndConsume counts this call against the (action, actor) window and
// reports whether it is allowed. The counter lives in the shared cache and
// is best-effort: a cache failure admits the call rather than blocking it.
func (l *Limiter) CheckAndConsume(ctx context.Context, action, actorID string, limit, windowSeconds int) Result {
	action = strings.ToLower(strings.TrimSpace(action))
	actorID = strings.TrimSpace(actorID)
	if limit < 1 {
		limit = DefaultLimit
	}
	if windowSeconds < 1 {
		windowSeconds = DefaultWindowSeconds
	}
	if action == "" || actorID == "" {
		return Result{Applicable: false, Allowed: true, Limit: limit, WindowSeconds: windowSeconds}
	}

	nowMs := l.now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	var cached counter
	count := 0
	windowStart := nowMs
	if found, err := l.cache.GetJSON(ctx, key(action, actorID), &cached); err == nil && found {
		if nowMs-cached.WindowStart < windowMs {
			windowStart = cached.WindowStart
			count = cached.Count
		}
	}

	count++
	_ = l.cache.SetJSON(ctx, key(action, actorID), counter{Count: count, WindowStart: windowStart},
		time.Duration(windowSeconds)*time.Second)

	result := Result{
		Applicable:    true,
		Allowed:       count <= limit,
		Count:         count,
		Limit:         limit,
		WindowSeconds: windowSeconds,
	}
	if !result.Allowed {
		result.RetryAfterSec = windowSeconds
	}
	return result
}
