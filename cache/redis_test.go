package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestTokenCache_Key(t *testing.T) {
	c := NewTokenCache(unreachableClient())
	if got := c.key("mpesa"); got != "gateway_token:mpesa" {
		t.Errorf("Expected gateway_token:mpesa, got %s", got)
	}
}

func TestTokenCache_ErrorsWhenRedisDown(t *testing.T) {
	rdb := unreachableClient()
	defer rdb.Close()
	c := NewTokenCache(rdb)
	ctx := context.Background()

	if _, err := c.Get(ctx, "mpesa"); err == nil {
		t.Error("Expected error reading from unreachable Redis")
	}
	if err := c.Set(ctx, "mpesa", "token", time.Minute); err == nil {
		t.Error("Expected error writing to unreachable Redis")
	}
}

func TestTokenCache_SetSkipsExpiredTTL(t *testing.T) {
	rdb := unreachableClient()
	defer rdb.Close()
	c := NewTokenCache(rdb)

	if err := c.Set(context.Background(), "mpesa", "token", 0); err != nil {
		t.Errorf("Expected no call for non-positive TTL, got %v", err)
	}
}
