// Package redisstore keeps the per-sender message cooldown in Redis so that
// several service processes share one limit.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sakif/cosmicfire/internal/repository"
)

var _ repository.CooldownStore = (*Cooldown)(nil)

// acquireScript reads and writes the last-send timestamp in one step. Times
// come from the caller, not the Redis server, so the check follows the
// injected clock; PX only bounds how long the key lingers.
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local cooldown = tonumber(ARGV[2])

	local last = redis.call('GET', key)
	if last then
		local elapsed = now - tonumber(last)
		if elapsed < cooldown then
			-- a send stamped ahead of now by a skewed clock waits at most one cooldown
			return {0, math.min(cooldown - elapsed, cooldown)}
		end
	end

	redis.call('SET', key, now, 'PX', cooldown)
	return {1, 0}
`)

type Cooldown struct {
	client *redis.Client
	prefix string
}

func NewCooldown(client *redis.Client, prefix string) *Cooldown {
	return &Cooldown{client: client, prefix: prefix}
}

// Connect builds a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *Cooldown) key(identity string) string {
	return c.prefix + "cooldown:" + identity
}

func (c *Cooldown) Acquire(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (time.Duration, bool, error) {
	if cooldown <= 0 {
		return 0, true, nil
	}
	res, err := acquireScript.Run(ctx, c.client, []string{c.key(identity)},
		now.UnixMilli(),
		cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: acquiring cooldown for %s: %w", identity, err)
	}
	if len(res) < 2 {
		return 0, false, fmt.Errorf("redis: unexpected script result length %d", len(res))
	}
	if res[0] == 1 {
		return 0, true, nil
	}
	return time.Duration(res[1]) * time.Millisecond, false, nil
}
