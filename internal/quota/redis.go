package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// chargeScript atomically increments the three budget counters, sets their
// TTLs on first write, and rolls all increments back when any limit is
// exceeded.
// KEYS[1] = requests/minute key
// KEYS[2] = tokens/minute key
// KEYS[3] = tokens/day key
// ARGV[1] = estimated tokens
// ARGV[2] = requests/minute limit
// ARGV[3] = tokens/minute limit
// ARGV[4] = tokens/day limit
// ARGV[5] = minute key TTL seconds
// ARGV[6] = day key TTL seconds
// Returns {allowed, requests, tokens_minute, tokens_day}.
var chargeScript = redis.NewScript(`
		local tok_inc = tonumber(ARGV[1])
		local req_limit = tonumber(ARGV[2])
		local tok_min_limit = tonumber(ARGV[3])
		local tok_day_limit = tonumber(ARGV[4])
		local min_ttl = tonumber(ARGV[5])
		local day_ttl = tonumber(ARGV[6])

		local req = redis.call('INCRBY', KEYS[1], 1)
		if redis.call('TTL', KEYS[1]) < 0 then redis.call('EXPIRE', KEYS[1], min_ttl) end
		local tok_min = redis.call('INCRBY', KEYS[2], tok_inc)
		if redis.call('TTL', KEYS[2]) < 0 then redis.call('EXPIRE', KEYS[2], min_ttl) end
		local tok_day = redis.call('INCRBY', KEYS[3], tok_inc)
		if redis.call('TTL', KEYS[3]) < 0 then redis.call('EXPIRE', KEYS[3], day_ttl) end

		if req > req_limit or tok_min > tok_min_limit or tok_day > tok_day_limit then
			redis.call('DECRBY', KEYS[1], 1)
			redis.call('DECRBY', KEYS[2], tok_inc)
			redis.call('DECRBY', KEYS[3], tok_inc)
			return {0, req, tok_min, tok_day}
		end

		return {1, req, tok_min, tok_day}
`)

// RedisStore shares budgets between gateway instances through atomic
// counters with TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Charge(ctx context.Context, key string, est int, limits Limits) (Result, error) {
	now := time.Now()
	reqKey, tokMinKey, tokDayKey := s.keysFor(key, now)

	vals, err := chargeScript.Run(ctx, s.rdb,
		[]string{reqKey, tokMinKey, tokDayKey},
		est,
		limits.RequestsPerMinute,
		limits.TokensPerMinute,
		limits.TokensPerDay,
		minuteWindowSecs+ttlSlackSecs,
		dayWindowSecs+ttlSlackSecs,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("quota charge script: %w", err)
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("quota charge script: unexpected result length %d", len(vals))
	}

	allowed := vals[0] == 1
	req, tokMin, tokDay := int(vals[1]), int(vals[2]), int(vals[3])
	res := Result{Allowed: allowed, Requests: req, TokensMinute: tokMin, TokensDay: tokDay}
	if !allowed {
		// The script rolled the increments back; report pre-charge usage
		// and the first budget that refused.
		res.Requests = nonNeg(req - 1)
		res.TokensMinute = nonNeg(tokMin - est)
		res.TokensDay = nonNeg(tokDay - est)
		switch {
		case req > limits.RequestsPerMinute:
			res.Refused = BudgetRequestsPerMinute
		case tokMin > limits.TokensPerMinute:
			res.Refused = BudgetTokensPerMinute
		default:
			res.Refused = BudgetTokensPerDay
		}
	}
	return res, nil
}

func (s *RedisStore) Reconcile(ctx context.Context, key string, diff int) error {
	if diff == 0 {
		return nil
	}
	now := time.Now()
	_, tokMinKey, tokDayKey := s.keysFor(key, now)

	pipe := s.rdb.Pipeline()
	if diff > 0 {
		pipe.IncrBy(ctx, tokMinKey, int64(diff))
		pipe.IncrBy(ctx, tokDayKey, int64(diff))
	} else {
		pipe.DecrBy(ctx, tokMinKey, int64(-diff))
		pipe.DecrBy(ctx, tokDayKey, int64(-diff))
	}
	pipe.Expire(ctx, tokMinKey, time.Duration(minuteWindowSecs+ttlSlackSecs)*time.Second)
	pipe.Expire(ctx, tokDayKey, time.Duration(dayWindowSecs+ttlSlackSecs)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota reconcile: %w", err)
	}
	return nil
}

func (s *RedisStore) keysFor(key string, now time.Time) (reqKey, tokMinKey, tokDayKey string) {
	min := minuteBucket(now)
	day := dayBucket(now)
	reqKey = fmt.Sprintf("%s:q:req:%s:%d", s.prefix, key, min)
	tokMinKey = fmt.Sprintf("%s:q:tok:%s:%d", s.prefix, key, min)
	tokDayKey = fmt.Sprintf("%s:q:tok_day:%s:%d", s.prefix, key, day)
	return
}
