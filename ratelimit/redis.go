package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "livedrop:quota:"

// incrementScript starts a window on first use and lets Redis expire it, so
// the window and its count are created atomically and never need a reaper.
var incrementScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
if not start then
  redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 0)
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  start = ARGV[1]
end
local c = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {c, start}
`)

// reserveScript is incrementScript guarded by the quota, so the check and the
// increment cannot interleave with another process.
var reserveScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
if not start then
  if tonumber(ARGV[3]) <= 0 then
    return {0, ARGV[1], 0}
  end
  redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 0)
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  start = ARGV[1]
end
local c = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if c >= tonumber(ARGV[3]) then
  return {c, start, 0}
end
c = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {c, start, 1}
`)

// releaseScript decrements only the window the unit was taken from.
var releaseScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
if start == ARGV[1] then
  local c = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
  if c > 0 then
    return redis.call('HINCRBY', KEYS[1], 'count', -1)
  end
end
return -1
`)

// RedisBackend shares quota windows between processes.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps client; an empty prefix uses "livedrop:quota:".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(ip string) string { return r.prefix + ip }

func (r *RedisBackend) Get(ctx context.Context, ip string) (Window, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	vals, err := r.client.HMGet(ctx, r.key(ip), "count", "start").Result()
	if err != nil {
		return Window{}, false, err
	}
	return parseWindow(vals)
}

func (r *RedisBackend) Increment(ctx context.Context, ip string, now time.Time, window time.Duration) (Window, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	res, err := incrementScript.Run(ctx, r.client, []string{r.key(ip)}, now.UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return Window{}, err
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("unexpected script reply %v", res)
	}
	count, ok := res[0].(int64)
	if !ok {
		return Window{}, fmt.Errorf("unexpected count type %T", res[0])
	}
	start, err := toInt64(res[1])
	if err != nil {
		return Window{}, err
	}
	return Window{Count: int(count), Start: time.UnixMilli(start)}, nil
}

func (r *RedisBackend) Reserve(ctx context.Context, ip string, now time.Time, window time.Duration, max int) (Window, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	res, err := reserveScript.Run(ctx, r.client, []string{r.key(ip)}, now.UnixMilli(), window.Milliseconds(), max).Slice()
	if err != nil {
		return Window{}, false, err
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("unexpected script reply %v", res)
	}
	count, err := toInt64(res[0])
	if err != nil {
		return Window{}, false, err
	}
	start, err := toInt64(res[1])
	if err != nil {
		return Window{}, false, err
	}
	taken, err := toInt64(res[2])
	if err != nil {
		return Window{}, false, err
	}
	return Window{Count: int(count), Start: time.UnixMilli(start)}, taken == 1, nil
}

func (r *RedisBackend) Release(ctx context.Context, ip string, start time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return releaseScript.Run(ctx, r.client, []string{r.key(ip)}, start.UnixMilli()).Err()
}

// Reap is a no-op: keys carry their own TTL.
func (r *RedisBackend) Reap(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func (r *RedisBackend) Snapshot(ctx context.Context) (map[string]Window, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out := map[string]Window{}
	var cursor uint64
	for i := 0; i < 10; i++ { // limit rounds to avoid long loops
		keys, cur, err := r.client.Scan(ctx, cursor, r.prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			vals, err := r.client.HMGet(ctx, k, "count", "start").Result()
			if err != nil {
				return nil, err
			}
			w, ok, err := parseWindow(vals)
			if err != nil || !ok {
				continue
			}
			out[strings.TrimPrefix(k, r.prefix)] = w
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func parseWindow(vals []interface{}) (Window, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Window{}, false, nil
	}
	count, err := toInt64(vals[0])
	if err != nil {
		return Window{}, false, err
	}
	start, err := toInt64(vals[1])
	if err != nil {
		return Window{}, false, err
	}
	return Window{Count: int(count), Start: time.UnixMilli(start)}, true, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("unexpected redis value %T", v)
}
