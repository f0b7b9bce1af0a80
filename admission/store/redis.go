package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatehouse/admission/ddos"
	"gatehouse/admission/ratelimit"
)

const (
	counterPrefix = "gatehouse:rl:"
	scorePrefix   = "gatehouse:ddos:"

	casRetries = 5
)

// ErrContention is returned when an optimistic score update keeps
// losing the race past the retry budget.
var ErrContention = errors.New("store: too much contention on score update")

// incrScript rolls the fixed window and applies the increment in one
// round trip. It returns the logical (unclamped) count plus the window
// start; the stored counter clamps at the limit. Keys expire one full
// window after their last touch.
var incrScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'start') or '-1')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
if start < 0 or now - start >= window then
  start = now
  count = 0
end
local logical = count + cost
local stored = logical
if stored > limit then
  stored = limit
end
redis.call('HSET', KEYS[1], 'start', start, 'count', stored)
redis.call('PEXPIRE', KEYS[1], window)
return {logical, start}
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is the shared store for multi-instance deployments. Counter
// atomicity comes from the Lua script; score updates use optimistic
// WATCH transactions.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client, mainly for tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ ratelimit.Store = (*Redis)(nil)
var _ ddos.Store = (*Redis)(nil)

// Incr implements ratelimit.Store.
func (r *Redis) Incr(ctx context.Context, key string, cost, limit int64, window time.Duration) (ratelimit.Window, error) {
	res, err := incrScript.Run(ctx, r.client, []string{counterPrefix + key},
		cost, limit, window.Milliseconds(), r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("incr %q: %w", key, err)
	}
	if len(res) != 2 {
		return ratelimit.Window{}, fmt.Errorf("incr %q: unexpected script reply", key)
	}

	start := time.UnixMilli(res[1])
	return ratelimit.Window{
		Count: res[0],
		Start: start,
		Reset: start.Add(window),
	}, nil
}

// GetScore implements ddos.Inspector.
func (r *Redis) GetScore(ctx context.Context, ip string) (ddos.Score, bool, error) {
	data, err := r.client.Get(ctx, scorePrefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return ddos.Score{}, false, nil
	}
	if err != nil {
		return ddos.Score{}, false, fmt.Errorf("score get %q: %w", ip, err)
	}

	var score ddos.Score
	if err := json.Unmarshal(data, &score); err != nil {
		return ddos.Score{}, false, nil
	}
	return score, true, nil
}

// Update implements ddos.Store with an optimistic CAS loop: WATCH the
// key, apply fn to the decoded score, write back transactionally, and
// retry when a concurrent writer invalidated the read. fn may run more
// than once and must stay side-effect free beyond the score itself.
func (r *Redis) Update(ctx context.Context, ip string, ttl time.Duration, fn func(*ddos.Score)) (ddos.Score, error) {
	key := scorePrefix + ip
	var out ddos.Score

	for i := 0; i < casRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			var score ddos.Score
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				if err := json.Unmarshal(data, &score); err != nil {
					// corrupt entry: start over rather than poison the key
					score = ddos.Score{}
				}
			case errors.Is(err, redis.Nil):
				// first sighting, zero score
			default:
				return err
			}

			fn(&score)
			out = score

			buf, err := json.Marshal(&score)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return ddos.Score{}, fmt.Errorf("score update %q: %w", ip, err)
		}
	}

	return ddos.Score{}, ErrContention
}
