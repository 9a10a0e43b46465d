// Package ratelimit bounds how many turns a room may start per time window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var turnWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// TurnQuota limits turn starts per room in a fixed time window, backed by
// Redis so the quota holds across instances.
type TurnQuota struct {
	limit  int
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
}

// NewTurnQuota creates a Redis-backed per-room turn quota.
func NewTurnQuota(addr, password, prefix string, limit int, window time.Duration) (*TurnQuota, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("turn quota requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("turn quota redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "roomchat:turns"
	}
	return &TurnQuota{
		limit:  limit,
		window: window,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		redisPrefix: prefix,
	}, nil
}

// Allow returns true when the room is within its turn quota.
// On Redis failures, it fails closed and returns false.
func (q *TurnQuota) Allow(roomID string) bool {
	if q == nil {
		return true
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return false
	}
	windowMs := q.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%d", q.redisPrefix, roomID, windowSlot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := turnWindowScript.Run(ctx, q.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(q.limit)
}
