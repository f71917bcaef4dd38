package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/logging"
)

func newController(t *testing.T) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breaker := cache.NewBreaker(cache.DefaultBreakerConfig("test-admission", logging.NewLogger()))
	return New(client, breaker), mr
}

func intPtr(v int) *int { return &v }

func TestAdmit_AllowsUnderLimit(t *testing.T) {
	c, _ := newController(t)
	policy := &models.RateLimitPolicy{RequestsPerSecond: intPtr(5)}

	for i := 0; i < 5; i++ {
		res, err := c.Admit(context.Background(), "org-1", policy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}
}

func TestAdmit_RejectsSixthRequestWithinSecond(t *testing.T) {
	c, _ := newController(t)
	policy := &models.RateLimitPolicy{RequestsPerSecond: intPtr(5)}

	for i := 0; i < 5; i++ {
		if res, err := c.Admit(context.Background(), "org-1", policy); err != nil || !res.Allowed {
			t.Fatalf("request %d should be admitted, got %+v err=%v", i, res, err)
		}
	}

	res, err := c.Admit(context.Background(), "org-1", policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the 6th request within the same second to be rejected")
	}
	if res.RetryAfterSec < 1 {
		t.Fatalf("expected a positive retry-after, got %d", res.RetryAfterSec)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected zero remaining on rejection, got %d", res.Remaining)
	}
}

func TestAdmit_RejectedRequestDoesNotConsumeCapacity(t *testing.T) {
	c, mr := newController(t)
	policy := &models.RateLimitPolicy{RequestsPerSecond: intPtr(1)}

	if res, err := c.Admit(context.Background(), "org-1", policy); err != nil || !res.Allowed {
		t.Fatalf("first request should be admitted, got %+v err=%v", res, err)
	}
	if res, err := c.Admit(context.Background(), "org-1", policy); err != nil || res.Allowed {
		t.Fatalf("second request in same window should be rejected, got %+v err=%v", res, err)
	}

	// The rejected request must leave the bucket at the one admitted request.
	for _, key := range mr.Keys() {
		if v, err := mr.Get(key); err != nil || v != "1" {
			t.Fatalf("expected bucket %s to hold 1 after the rejection, got %q err=%v", key, v, err)
		}
	}

	// windowStart truncates the wall clock, so the bucket rolls over on its
	// own; a fresh request is admitted once the second boundary passes.
	time.Sleep(1100 * time.Millisecond)
	if res, err := c.Admit(context.Background(), "org-1", policy); err != nil || !res.Allowed {
		t.Fatalf("request in next window should be admitted, got %+v err=%v", res, err)
	}
}

func TestAdmit_NoPolicyIsUnlimited(t *testing.T) {
	c, _ := newController(t)
	res, err := c.Admit(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Limit != -1 {
		t.Fatalf("expected unlimited admission, got %+v", res)
	}
}
