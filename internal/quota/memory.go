package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps per-key window counters in a mutex-guarded map. It is
// the default store when no Redis URL is configured; budgets are then local
// to the process.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*keyUsage
}

type keyUsage struct {
	minuteBucket int64
	dayBucket    int64
	requests     int
	tokensMinute int
	tokensDay    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*keyUsage)}
}

func (s *MemoryStore) Charge(_ context.Context, key string, est int, limits Limits) (Result, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.keys[key]
	if u == nil {
		u = &keyUsage{minuteBucket: minuteBucket(now), dayBucket: dayBucket(now)}
		s.keys[key] = u
	}
	u.refresh(now)

	res := Result{Requests: u.requests, TokensMinute: u.tokensMinute, TokensDay: u.tokensDay}
	switch {
	case u.requests+1 > limits.RequestsPerMinute:
		res.Refused = BudgetRequestsPerMinute
	case u.tokensMinute+est > limits.TokensPerMinute:
		res.Refused = BudgetTokensPerMinute
	case u.tokensDay+est > limits.TokensPerDay:
		res.Refused = BudgetTokensPerDay
	default:
		u.requests++
		u.tokensMinute += est
		u.tokensDay += est
		res.Allowed = true
		res.Requests = u.requests
		res.TokensMinute = u.tokensMinute
		res.TokensDay = u.tokensDay
	}
	return res, nil
}

func (s *MemoryStore) Reconcile(_ context.Context, key string, diff int) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.keys[key]
	if u == nil {
		return nil
	}
	u.refresh(now)
	u.tokensMinute = nonNeg(u.tokensMinute + diff)
	u.tokensDay = nonNeg(u.tokensDay + diff)
	return nil
}

// refresh rolls the counters forward when a window boundary has passed.
// The day window keeps its own counter; it never collapses into the minute
// window.
func (u *keyUsage) refresh(now time.Time) {
	if mb := minuteBucket(now); mb != u.minuteBucket {
		u.minuteBucket = mb
		u.requests = 0
		u.tokensMinute = 0
	}
	if db := dayBucket(now); db != u.dayBucket {
		u.dayBucket = db
		u.tokensDay = 0
	}
}
