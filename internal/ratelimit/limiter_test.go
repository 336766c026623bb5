package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"requestdesk/api/internal/cache"
)

func TestAllowsExactlyLimitThenRejects(t *testing.T) {
	now := time.Now()
	l := NewAt(cache.NewMemoryCacheAt(func() time.Time { return now }), func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result := l.CheckAndConsume(ctx, "saveSection", "U1", 3, 60)
		if !result.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if result.Count != i {
			t.Errorf("call %d: expected count %d, got %d", i, i, result.Count)
		}
	}

	result := l.CheckAndConsume(ctx, "saveSection", "U1", 3, 60)
	if result.Allowed {
		t.Fatal("4th call within window should be rejected")
	}
	if result.RetryAfterSec != 60 {
		t.Errorf("expected retry-after 60, got %d", result.RetryAfterSec)
	}
}

func TestWindowRestartsAfterElapse(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	l := NewAt(cache.NewMemoryCacheAt(clock), clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.CheckAndConsume(ctx, "saveSection", "U1", 2, 60)
	}
	if result := l.CheckAndConsume(ctx, "saveSection", "U1", 2, 60); result.Allowed {
		t.Fatal("over-limit call should be rejected")
	}

	now = now.Add(61 * time.Second)
	result := l.CheckAndConsume(ctx, "saveSection", "U1", 2, 60)
	if !result.Allowed {
		t.Fatal("call after window elapsed should be allowed")
	}
	if result.Count != 1 {
		t.Errorf("restarted window should count from 1, got %d", result.Count)
	}
}

func TestActorsAndActionsAreIndependent(t *testing.T) {
	l := New(cache.NewMemoryCache())
	ctx := context.Background()

	l.CheckAndConsume(ctx, "saveSection", "U1", 1, 60)
	if result := l.CheckAndConsume(ctx, "saveSection", "U1", 1, 60); result.Allowed {
		t.Fatal("U1 should be over limit")
	}
	if result := l.CheckAndConsume(ctx, "saveSection", "U2", 1, 60); !result.Allowed {
		t.Fatal("U2 should not share U1's counter")
	}
	if result := l.CheckAndConsume(ctx, "admin:adminLogin", "U1", 1, 60); !result.Allowed {
		t.Fatal("different action should not share the counter")
	}
}

func TestEmptyIdentityNotApplicable(t *testing.T) {
	l := New(cache.NewMemoryCache())
	ctx := context.Background()

	result := l.CheckAndConsume(ctx, "", "U1", 1, 60)
	if result.Applicable || !result.Allowed {
		t.Errorf("empty action should be not applicable and allowed, got %+v", result)
	}
	result = l.CheckAndConsume(ctx, "saveSection", "  ", 1, 60)
	if result.Applicable || !result.Allowed {
		t.Errorf("empty actor should be not applicable and allowed, got %+v", result)
	}
	if result.Count != 0 {
		t.Errorf("not-applicable call should not count, got %d", result.Count)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("redis cache failed: %v", err)
	}
	defer c.Close()

	l := New(c)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		if result := l.CheckAndConsume(ctx, "adminLogin", "U9", 2, 60); !result.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if result := l.CheckAndConsume(ctx, "adminLogin", "U9", 2, 60); result.Allowed {
		t.Fatal("3rd call should be rejected")
	}
}
