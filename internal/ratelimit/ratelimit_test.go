package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/spoilerguess/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	lim   ratelimit.Limiter
	clock *fakeClock
	// expire advances the backing store's own TTL clock.
	expire func(time.Duration)
}

func newFixtures(t *testing.T) map[string]fixture {
	t.Helper()

	memClock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := ratelimit.NewMemLimiter(ratelimit.WithClock(memClock.Now))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	redisClock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	red := ratelimit.NewRedisLimiter(rdb, ratelimit.WithClock(redisClock.Now))

	return map[string]fixture{
		"memory": {lim: mem, clock: memClock, expire: memClock.Advance},
		"redis":  {lim: red, clock: redisClock, expire: mr.FastForward},
	}
}

func TestAdmit_SlidingWindow(t *testing.T) {
	t.Parallel()
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const max, window = 5, 60 * time.Second

			for i := range max {
				d, err := f.lim.Admit(ctx, "alice", max, window)
				if err != nil {
					t.Fatalf("Admit %d: %v", i, err)
				}
				if !d.Allowed {
					t.Fatalf("Admit %d: denied, want allowed", i)
				}
				f.clock.Advance(time.Second)
			}

			d, err := f.lim.Admit(ctx, "alice", max, window)
			if err != nil {
				t.Fatalf("Admit 6: %v", err)
			}
			if d.Allowed {
				t.Fatal("6th request within the window must be denied")
			}
			// Oldest entry is 5s old: 55s until it leaves the window.
			if d.RetryAfter != 55*time.Second {
				t.Errorf("RetryAfter = %v, want 55s", d.RetryAfter)
			}

			// Other identifiers are unaffected.
			if d, _ := f.lim.Admit(ctx, "bob", max, window); !d.Allowed {
				t.Error("bob must have his own budget")
			}

			// A rejected request was not recorded: one slot frees after 55s.
			f.clock.Advance(55 * time.Second)
			if d, _ := f.lim.Admit(ctx, "alice", max, window); !d.Allowed {
				t.Error("expected admission once the oldest entry left the window")
			}
			if d, _ := f.lim.Admit(ctx, "alice", max, window); d.Allowed {
				t.Error("only one slot should have freed")
			}

			// After a full quiet window everything resets.
			f.clock.Advance(window)
			for i := range max {
				if d, _ := f.lim.Admit(ctx, "alice", max, window); !d.Allowed {
					t.Fatalf("after reset, Admit %d denied", i)
				}
			}
		})
	}
}

func TestViolationsAndBlocks(t *testing.T) {
	t.Parallel()
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for want := 1; want <= 3; want++ {
				n, err := f.lim.RecordViolation(ctx, "mallory")
				if err != nil {
					t.Fatalf("RecordViolation: %v", err)
				}
				if n != want {
					t.Errorf("RecordViolation = %d, want %d", n, want)
				}
			}

			if blocked, _, err := f.lim.Blocked(ctx, "mallory"); err != nil || blocked {
				t.Fatalf("Blocked before Block = %v, %v", blocked, err)
			}
			if err := f.lim.Block(ctx, "mallory", 10*time.Minute); err != nil {
				t.Fatalf("Block: %v", err)
			}
			blocked, remaining, err := f.lim.Blocked(ctx, "mallory")
			if err != nil || !blocked {
				t.Fatalf("Blocked = %v, %v", blocked, err)
			}
			if remaining <= 0 || remaining > 10*time.Minute {
				t.Errorf("remaining = %v", remaining)
			}

			// Blocking resets the counter.
			if n, _ := f.lim.RecordViolation(ctx, "mallory"); n != 1 {
				t.Errorf("violations after block = %d, want 1", n)
			}

			f.expire(11 * time.Minute)
			if blocked, _, _ := f.lim.Blocked(ctx, "mallory"); blocked {
				t.Error("block should have expired")
			}

			if err := f.lim.Block(ctx, "eve", 0); err != nil {
				t.Fatalf("Block permanent: %v", err)
			}
			f.expire(48 * time.Hour)
			blocked, remaining, _ = f.lim.Blocked(ctx, "eve")
			if !blocked || remaining != 0 {
				t.Errorf("permanent block = %v, %v", blocked, remaining)
			}
			if err := f.lim.Unblock(ctx, "eve"); err != nil {
				t.Fatalf("Unblock: %v", err)
			}
			if blocked, _, _ := f.lim.Blocked(ctx, "eve"); blocked {
				t.Error("Unblock did not lift the block")
			}
		})
	}
}

func TestAdmit_ConcurrentNeverExceedsMax(t *testing.T) {
	t.Parallel()
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const max = 7

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for range 30 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := f.lim.Admit(ctx, "burst", max, time.Minute)
					if err != nil {
						t.Errorf("Admit: %v", err)
						return
					}
					if d.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if allowed != max {
				t.Errorf("allowed = %d, want %d", allowed, max)
			}
		})
	}
}

func TestEdgeLimiter(t *testing.T) {
	t.Parallel()

	e := ratelimit.NewEdgeLimiter(0.001, 2)
	if !e.Allow("1.2.3.4") || !e.Allow("1.2.3.4") {
		t.Fatal("burst of 2 should be allowed")
	}
	if e.Allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !e.Allow("5.6.7.8") {
		t.Error("other keys have their own bucket")
	}
	if e.Len() != 2 {
		t.Errorf("Len = %d, want 2", e.Len())
	}
}
