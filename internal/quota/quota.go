// Package quota enforces per-key request and token budgets over minute and
// day windows.
//
// Charges are estimates made before dispatch; Reconcile settles the
// difference once actual usage is known. Two stores exist: an in-process
// map for single-instance deployments and tests, and Redis for fleets that
// share budgets.
package quota

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/internal/metrics"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

// Window lengths in seconds. Counter TTLs get 10 extra seconds so a key
// charged at the very end of its window still expires after the window
// closes.
const (
	minuteWindowSecs = 60
	dayWindowSecs    = 86400
	ttlSlackSecs     = 10
)

// Limits is the per-key budget policy.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	TokensPerDay      int
}

// Budget identifies which budget refused a charge.
type Budget int

const (
	BudgetNone Budget = iota
	BudgetRequestsPerMinute
	BudgetTokensPerMinute
	BudgetTokensPerDay
)

func (b Budget) message() string {
	switch b {
	case BudgetRequestsPerMinute:
		return "requests per minute quota exceeded"
	case BudgetTokensPerMinute:
		return "tokens per minute quota exceeded"
	case BudgetTokensPerDay:
		return "tokens per day quota exceeded"
	default:
		return "quota exceeded"
	}
}

// Result is a store's view of a key's counters after a charge attempt.
// When the charge is refused the counters reflect pre-charge usage.
type Result struct {
	Allowed      bool
	Refused      Budget
	Requests     int
	TokensMinute int
	TokensDay    int
}

// Store performs the atomic window accounting for one key.
type Store interface {
	// Charge admits one request plus est tokens against limits, atomically
	// across all three budgets. A refused charge leaves counters unchanged.
	Charge(ctx context.Context, key string, est int, limits Limits) (Result, error)
	// Reconcile adjusts the minute and day token counters by diff
	// (actual minus estimated; may be negative). Best effort.
	Reconcile(ctx context.Context, key string, diff int) error
}

// Snapshot is the post-charge budget view rendered into response headers.
type Snapshot struct {
	LimitRequests     int
	RemainingRequests int
	LimitTokens       int
	RemainingTokens   int
	ResetSeconds      int
}

// Headers returns the x-ratelimit header pairs for the snapshot.
func (s Snapshot) Headers() [5][2]string {
	return [5][2]string{
		{"x-ratelimit-limit-requests", strconv.Itoa(s.LimitRequests)},
		{"x-ratelimit-remaining-requests", strconv.Itoa(s.RemainingRequests)},
		{"x-ratelimit-limit-tokens", strconv.Itoa(s.LimitTokens)},
		{"x-ratelimit-remaining-tokens", strconv.Itoa(s.RemainingTokens)},
		{"x-ratelimit-reset", strconv.Itoa(s.ResetSeconds)},
	}
}

// Manager applies the budget policy on top of a Store and owns the
// store-failure policy.
type Manager struct {
	store    Store
	limits   Limits
	failOpen bool
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewManager builds a Manager. When failOpen is true, store errors admit
// the request (availability over enforcement); when false they surface as
// internal errors.
func NewManager(store Store, limits Limits, failOpen bool, m *metrics.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, limits: limits, failOpen: failOpen, metrics: m, log: log.With("component", "quota")}
}

// Charge admits or refuses one request costing est tokens. On refusal the
// returned error is a 429 apierr carrying retry_after_seconds for the most
// constrained window; the snapshot is still valid for headers.
func (m *Manager) Charge(ctx context.Context, key string, est int) (Snapshot, error) {
	res, err := m.store.Charge(ctx, key, est, m.limits)
	now := time.Now()
	if err != nil {
		if m.failOpen {
			m.log.WarnContext(ctx, "quota store unavailable, admitting request", "error", err)
			if m.metrics != nil {
				m.metrics.QuotaDecision("failopen")
			}
			return emptySnapshot(m.limits, now), nil
		}
		return Snapshot{}, apierr.Wrap(apierr.KindInternal, "quota store unavailable", err)
	}

	snap := snapshotFrom(m.limits, res, now)
	if !res.Allowed {
		if m.metrics != nil {
			m.metrics.QuotaDecision("rejected")
		}
		retry := secondsToMinuteReset(now)
		if res.Refused == BudgetTokensPerDay {
			retry = secondsToDayReset(now)
		}
		return snap, apierr.RateLimited(res.Refused.message(), retry)
	}
	if m.metrics != nil {
		m.metrics.QuotaDecision("allowed")
	}
	return snap, nil
}

// Reconcile settles actual versus estimated token usage after completion.
// Failures are logged and swallowed; accounting drift is bounded by TTLs.
func (m *Manager) Reconcile(ctx context.Context, key string, est, actual int) {
	if est == actual {
		return
	}
	if err := m.store.Reconcile(ctx, key, actual-est); err != nil {
		m.log.WarnContext(ctx, "quota reconcile failed", "error", err, "estimated", est, "actual", actual)
	}
}

// EstimateTokens predicts a request's cost before dispatch: one token per
// four prompt bytes, rounded up, plus the full completion budget. Loose on
// purpose; Reconcile corrects it.
func EstimateTokens(req *backends.Request) int {
	chars := 0
	for _, msg := range req.Messages {
		chars += len(msg.Content)
	}
	return (chars+3)/4 + req.MaxTokens
}

func snapshotFrom(limits Limits, res Result, now time.Time) Snapshot {
	return Snapshot{
		LimitRequests:     limits.RequestsPerMinute,
		RemainingRequests: nonNeg(limits.RequestsPerMinute - res.Requests),
		LimitTokens:       limits.TokensPerMinute,
		RemainingTokens:   nonNeg(limits.TokensPerMinute - res.TokensMinute),
		ResetSeconds:      secondsToMinuteReset(now),
	}
}

func emptySnapshot(limits Limits, now time.Time) Snapshot {
	return Snapshot{
		LimitRequests:     limits.RequestsPerMinute,
		RemainingRequests: limits.RequestsPerMinute,
		LimitTokens:       limits.TokensPerMinute,
		RemainingTokens:   limits.TokensPerMinute,
		ResetSeconds:      secondsToMinuteReset(now),
	}
}

func minuteBucket(now time.Time) int64 { return now.Unix() / minuteWindowSecs }
func dayBucket(now time.Time) int64    { return now.Unix() / dayWindowSecs }

func secondsToMinuteReset(now time.Time) int {
	return int(minuteWindowSecs - now.Unix()%minuteWindowSecs)
}

func secondsToDayReset(now time.Time) int {
	return int(dayWindowSecs - now.Unix()%dayWindowSecs)
}

func nonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
