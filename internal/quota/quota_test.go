package quota

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

func testLimits() Limits {
	return Limits{RequestsPerMinute: 5, TokensPerMinute: 1000, TokensPerDay: 5000}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestEstimateTokens(t *testing.T) {
	req := &backends.Request{
		Messages: []backends.Message{
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 256,
	}
	if got := EstimateTokens(req); got != 257 {
		t.Errorf("EstimateTokens = %d, want 257", got)
	}

	req.Messages = append(req.Messages, backends.Message{Role: "system", Content: strings.Repeat("a", 9)})
	// 11 bytes of prompt rounds up to 3 tokens.
	if got := EstimateTokens(req); got != 259 {
		t.Errorf("EstimateTokens = %d, want 259", got)
	}
}

func TestMemoryChargeSixthRequestRefused(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limits := testLimits()

	for i := 0; i < 5; i++ {
		res, err := store.Charge(ctx, "key_a", 10, limits)
		if err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("charge %d refused, want allowed", i)
		}
	}

	res, err := store.Charge(ctx, "key_a", 10, limits)
	if err != nil {
		t.Fatalf("sixth charge: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth charge allowed, want refused")
	}
	if res.Refused != BudgetRequestsPerMinute {
		t.Errorf("refused budget = %v, want requests/minute", res.Refused)
	}
	// Refusal must not consume the token budget.
	if res.TokensMinute != 50 {
		t.Errorf("tokens after refusal = %d, want 50", res.TokensMinute)
	}
}

func TestMemoryTokenBudgetsRefuseIndependently(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limits := Limits{RequestsPerMinute: 100, TokensPerMinute: 100, TokensPerDay: 150}

	if res, _ := store.Charge(ctx, "k", 90, limits); !res.Allowed {
		t.Fatal("first charge refused")
	}
	res, _ := store.Charge(ctx, "k", 20, limits)
	if res.Allowed || res.Refused != BudgetTokensPerMinute {
		t.Fatalf("want tokens/minute refusal, got %+v", res)
	}

	// Roll the minute window; the day budget must still refuse.
	store.keys["k"].minuteBucket--
	res, _ = store.Charge(ctx, "k", 70, limits)
	if res.Allowed || res.Refused != BudgetTokensPerDay {
		t.Fatalf("want tokens/day refusal, got %+v", res)
	}
}

func TestMemoryWindowRoll(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limits := testLimits()

	for i := 0; i < 5; i++ {
		store.Charge(ctx, "k", 10, limits)
	}
	if res, _ := store.Charge(ctx, "k", 10, limits); res.Allowed {
		t.Fatal("charge over request limit allowed")
	}

	// Pretend the last charge happened a minute ago.
	store.keys["k"].minuteBucket--

	res, _ := store.Charge(ctx, "k", 10, limits)
	if !res.Allowed {
		t.Fatal("charge after window roll refused")
	}
	if res.Requests != 1 {
		t.Errorf("requests after roll = %d, want 1", res.Requests)
	}
	// The day counter survives the minute roll.
	if res.TokensDay != 60 {
		t.Errorf("day tokens after roll = %d, want 60", res.TokensDay)
	}
}

func TestMemoryReconcile(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	limits := testLimits()

	store.Charge(ctx, "k", 500, limits)
	// Actual usage came in far below the estimate.
	if err := store.Reconcile(ctx, "k", -400); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	res, _ := store.Charge(ctx, "k", 600, limits)
	if !res.Allowed {
		t.Fatal("charge refused after downward reconcile")
	}
	if res.TokensMinute != 700 {
		t.Errorf("minute tokens = %d, want 700", res.TokensMinute)
	}
}

func TestRedisChargeAndRollback(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "gateway")
	ctx := context.Background()
	limits := Limits{RequestsPerMinute: 2, TokensPerMinute: 1000, TokensPerDay: 5000}

	for i := 0; i < 2; i++ {
		res, err := store.Charge(ctx, "key_a", 10, limits)
		if err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("charge %d refused", i)
		}
	}

	res, err := store.Charge(ctx, "key_a", 10, limits)
	if err != nil {
		t.Fatalf("third charge: %v", err)
	}
	if res.Allowed || res.Refused != BudgetRequestsPerMinute {
		t.Fatalf("want requests/minute refusal, got %+v", res)
	}

	// The refused increments must have been rolled back.
	reqKey := findKey(t, mr, ":q:req:")
	if got := mustGet(t, mr, reqKey); got != "2" {
		t.Errorf("request counter after rollback = %s, want 2", got)
	}
	tokKey := findKey(t, mr, ":q:tok:")
	if got := mustGet(t, mr, tokKey); got != "20" {
		t.Errorf("token counter after rollback = %s, want 20", got)
	}
}

func TestRedisTTLSetOnFirstWrite(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "gateway")
	ctx := context.Background()

	if _, err := store.Charge(ctx, "key_a", 10, testLimits()); err != nil {
		t.Fatalf("charge: %v", err)
	}

	minTTL := mr.TTL(findKey(t, mr, ":q:tok:"))
	if minTTL <= 0 || minTTL > 70*time.Second {
		t.Errorf("minute key TTL = %v, want (0, 70s]", minTTL)
	}
	dayTTL := mr.TTL(findKey(t, mr, ":q:tok_day:"))
	if dayTTL <= 0 || dayTTL > 86410*time.Second {
		t.Errorf("day key TTL = %v, want (0, 86410s]", dayTTL)
	}
	if dayTTL <= minTTL {
		t.Errorf("day TTL %v not longer than minute TTL %v", dayTTL, minTTL)
	}
}

func TestRedisReconcile(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "gateway")
	ctx := context.Background()

	store.Charge(ctx, "key_a", 500, testLimits())
	if err := store.Reconcile(ctx, "key_a", -350); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := mustGet(t, mr, findKey(t, mr, ":q:tok:")); got != "150" {
		t.Errorf("minute tokens after reconcile = %s, want 150", got)
	}
	if got := mustGet(t, mr, findKey(t, mr, ":q:tok_day:")); got != "150" {
		t.Errorf("day tokens after reconcile = %s, want 150", got)
	}
}

func TestManagerRateLimitedError(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), Limits{RequestsPerMinute: 1, TokensPerMinute: 1000, TokensPerDay: 5000}, true, nil, nil)
	ctx := context.Background()

	if _, err := mgr.Charge(ctx, "k", 10); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	_, err := mgr.Charge(ctx, "k", 10)
	if err == nil {
		t.Fatal("second charge allowed, want rate limited")
	}

	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("error type %T, want *apierr.Error", err)
	}
	if ae.Kind != apierr.KindRateLimited {
		t.Errorf("kind = %v, want rate limited", ae.Kind)
	}
	if ae.RetryAfterSeconds <= 0 || ae.RetryAfterSeconds > 60 {
		t.Errorf("retry_after_seconds = %d, want (0, 60]", ae.RetryAfterSeconds)
	}
}

func TestManagerSnapshotHeaders(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), testLimits(), true, nil, nil)

	snap, err := mgr.Charge(context.Background(), "k", 100)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if snap.RemainingRequests != 4 {
		t.Errorf("remaining requests = %d, want 4", snap.RemainingRequests)
	}
	if snap.RemainingTokens != 900 {
		t.Errorf("remaining tokens = %d, want 900", snap.RemainingTokens)
	}

	headers := snap.Headers()
	want := map[string]bool{
		"x-ratelimit-limit-requests":     false,
		"x-ratelimit-remaining-requests": false,
		"x-ratelimit-limit-tokens":       false,
		"x-ratelimit-remaining-tokens":   false,
		"x-ratelimit-reset":              false,
	}
	for _, h := range headers {
		if _, ok := want[h[0]]; !ok {
			t.Errorf("unexpected header %q", h[0])
		}
		want[h[0]] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing header %q", name)
		}
	}
}

func TestManagerFailOpenPolicy(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close() // store unreachable from the start

	t.Run("fail open admits", func(t *testing.T) {
		mgr := NewManager(NewRedisStore(rdb, "gateway"), testLimits(), true, nil, nil)
		snap, err := mgr.Charge(context.Background(), "k", 10)
		if err != nil {
			t.Fatalf("want admission on store failure, got %v", err)
		}
		if snap.RemainingRequests != testLimits().RequestsPerMinute {
			t.Errorf("degraded snapshot remaining = %d, want full budget", snap.RemainingRequests)
		}
	})

	t.Run("fail closed surfaces error", func(t *testing.T) {
		mgr := NewManager(NewRedisStore(rdb, "gateway"), testLimits(), false, nil, nil)
		_, err := mgr.Charge(context.Background(), "k", 10)
		if err == nil {
			t.Fatal("want error on store failure with fail-open disabled")
		}
		var ae *apierr.Error
		if !errors.As(err, &ae) || ae.Kind != apierr.KindInternal {
			t.Errorf("error = %v, want internal apierr", err)
		}
	})
}

func findKey(t *testing.T, mr *miniredis.Miniredis, fragment string) string {
	t.Helper()
	for _, k := range mr.Keys() {
		if strings.Contains(k, fragment) {
			return k
		}
	}
	t.Fatalf("no key containing %q (have %v)", fragment, mr.Keys())
	return ""
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return v
}
