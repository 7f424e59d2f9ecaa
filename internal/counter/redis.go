package counter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

//go:embed window.lua
var windowLua string

var windowScript = redis.NewScript(windowLua)

// RedisStore shares counter buckets across replicas. Buckets are plain INCR
// counters keyed by aligned window start; the script makes the
// read-compare-increment atomic.
type RedisStore struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, clock: time.Now}
}

func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func bucketKey(identifier string, windowStart int64) string {
	return fmt.Sprintf("sk:ctr:%s:%d", identifier, windowStart)
}

func (s *RedisStore) Check(ctx context.Context, identifier string, cfg Config) (Result, error) {
	if cfg.Limit <= 0 || cfg.WindowSeconds <= 0 {
		return Result{}, errors.New("invalid counter parameters")
	}

	now := s.clock().Unix()
	ws := int64(cfg.WindowSeconds)
	windowStart := (now / ws) * ws

	sliding := 0
	if cfg.Sliding {
		sliding = 1
	}
	keys := []string{bucketKey(identifier, windowStart), bucketKey(identifier, windowStart-ws)}
	res, err := windowScript.Run(ctx, s.rdb, keys, cfg.Limit, ws, now, windowStart, sliding).Result()
	if err != nil {
		return Result{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Result{}, errors.New("unexpected script return")
	}
	allowed := arr[0].(int64) == 1
	effective, _ := strconv.ParseFloat(fmt.Sprint(arr[1]), 64)

	var remaining int
	var resetAt int64
	if cfg.Sliding {
		remaining = int(math.Floor(float64(cfg.Limit) - effective - 1))
		resetAt = now + ws
	} else {
		remaining = cfg.Limit - int(effective)
		if allowed {
			remaining--
		}
		resetAt = windowStart + ws
	}
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:       allowed,
		Remaining:     remaining,
		ResetAt:       resetAt,
		Limit:         cfg.Limit,
		WindowSeconds: cfg.WindowSeconds,
	}, nil
}

// Cleanup is a no-op: Redis buckets expire on their own.
func (s *RedisStore) Cleanup(ctx context.Context) (int64, error) { return 0, nil }
