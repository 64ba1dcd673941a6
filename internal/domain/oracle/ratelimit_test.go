package oracle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/caregate/caregate/internal/platform/clock"
)

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	clk := clock.NewManaged(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(2, time.Minute, clk.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "NMC"); !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "NMC"); ok {
		t.Fatal("third call inside the window must be refused")
	}
	if ok, _ := l.Allow(ctx, "MMC"); !ok {
		t.Fatal("windows are per authority")
	}

	clk.Advance(30 * time.Second)
	if ok, _ := l.Allow(ctx, "NMC"); ok {
		t.Fatal("window has not slid yet")
	}
	clk.Advance(31 * time.Second)
	if ok, _ := l.Allow(ctx, "NMC"); !ok {
		t.Fatal("expected a slot after the window slid")
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	l := NewRedisLimiter(client, 2, time.Minute)
	l.prefix = "caregate:test:" + time.Now().Format("150405.000000") + ":"

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "NMC")
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "NMC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("third call inside the window must be refused")
	}
	if n := client.ZCard(ctx, l.prefix+"NMC").Val(); n != 2 {
		t.Errorf("refused call must release its slot, window holds %d", n)
	}
}
