package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/internal/metrics"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

// DefaultRetries is how many extra attempts a transient failure earns.
const DefaultRetries = 2

// Router selects a healthy backend for each request, walking the rotation
// round-robin and skipping backends whose circuit breaker rejects them.
// Transient failures are retried against a freshly selected backend.
type Router struct {
	backends []backends.Backend
	cb       *CircuitBreaker
	retries  int
	metrics  *metrics.Registry
	log      *slog.Logger

	cursor atomic.Uint64
}

// New creates a Router over the given backends. retries < 0 falls back to
// DefaultRetries.
func New(list []backends.Backend, cb *CircuitBreaker, retries int, met *metrics.Registry, log *slog.Logger) *Router {
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Router{
		backends: list,
		cb:       cb,
		retries:  retries,
		metrics:  met,
		log:      log,
	}
}

// Breaker exposes the router's circuit breaker for the health prober and
// the health endpoint.
func (r *Router) Breaker() *CircuitBreaker { return r.cb }

// Backends returns the registered backends in rotation order.
func (r *Router) Backends() []backends.Backend { return r.backends }

// Execute runs a unary completion against a healthy backend, retrying
// transient failures up to the configured retry budget with re-selection
// on every attempt.
func (r *Router) Execute(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		b, err := r.pick()
		if err != nil {
			return nil, r.exhausted(lastErr, err)
		}

		start := time.Now()
		resp, err := b.ExecuteChat(ctx, req)
		dur := time.Since(start)

		if err == nil {
			resp.Backend = b.ID()
			r.recordSuccess(b.ID(), dur)
			return resp, nil
		}

		r.recordFailure(ctx, req.RequestID, b.ID(), attempt, err, dur)
		lastErr = err
		if !isTransient(err) {
			break
		}
	}

	return nil, toAPIError(lastErr)
}

// Stream opens a streaming completion against a healthy backend and
// returns the chunk channel together with the id of the backend serving
// it. Only the stream open is retried; once chunks are flowing, failures
// surface on the channel as terminal chunks.
func (r *Router) Stream(ctx context.Context, req *backends.Request) (<-chan backends.Chunk, string, error) {
	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		b, err := r.pick()
		if err != nil {
			return nil, "", r.exhausted(lastErr, err)
		}

		start := time.Now()
		ch, err := b.StreamChat(ctx, req)
		dur := time.Since(start)

		if err == nil {
			r.recordSuccess(b.ID(), dur)
			return ch, b.ID(), nil
		}

		r.recordFailure(ctx, req.RequestID, b.ID(), attempt, err, dur)
		lastErr = err
		if !isTransient(err) {
			break
		}
	}

	return nil, "", toAPIError(lastErr)
}

// pick returns the first backend in rotation order whose breaker admits a
// request. The scan starts one past the previous selection so healthy
// backends share load evenly.
func (r *Router) pick() (backends.Backend, error) {
	n := uint64(len(r.backends))
	if n == 0 {
		return nil, apierr.New(apierr.KindNoHealthyBackend, "no backends configured")
	}

	start := r.cursor.Add(1)
	for i := uint64(0); i < n; i++ {
		b := r.backends[(start+i)%n]
		if r.cb.Allow(b.ID()) {
			return b, nil
		}
	}

	return nil, apierr.New(apierr.KindNoHealthyBackend, "no healthy backend available")
}

func (r *Router) recordSuccess(backend string, dur time.Duration) {
	r.cb.RecordSuccess(backend)
	if r.metrics != nil {
		r.metrics.ObserveBackend(backend, "success", dur)
		r.metrics.SetCircuitBreaker(backend, int64(r.cb.State(backend)))
	}
}

func (r *Router) recordFailure(ctx context.Context, requestID, backend string, attempt int, err error, dur time.Duration) {
	r.cb.RecordFailure(backend)
	if r.metrics != nil {
		r.metrics.ObserveBackend(backend, classifyError(err), dur)
		r.metrics.SetCircuitBreaker(backend, int64(r.cb.State(backend)))
	}
	r.log.WarnContext(ctx, "backend_attempt_failed",
		slog.String("request_id", requestID),
		slog.String("backend", backend),
		slog.Int("attempt", attempt),
		slog.String("reason", classifyError(err)),
		slog.String("error", err.Error()),
	)
}

// exhausted picks the error to surface when no backend can be selected:
// the last upstream failure if there was one, otherwise the selection
// error itself.
func (r *Router) exhausted(lastErr, pickErr error) error {
	if lastErr != nil {
		return toAPIError(lastErr)
	}
	return pickErr
}

// isTransient reports whether an error should trigger re-selection.
//
//   - 5xx upstream errors → transient (infrastructure failure)
//   - deadline exceeded → transient (another backend may be faster)
//   - other upstream statuses → NOT transient (the request itself is the
//     problem and will not improve elsewhere)
//   - unknown errors → transient (conservative default)
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc backends.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into a short category used in log
// fields and metric labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc backends.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// toAPIError maps a backend failure onto the gateway error taxonomy.
func toAPIError(err error) error {
	if err == nil {
		return apierr.New(apierr.KindInternal, "router: no attempt made")
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindUpstreamTimeout, "backend timed out", err)
	}

	var upstream *backends.UpstreamError
	if errors.As(err, &upstream) {
		return apierr.Wrap(apierr.KindUpstreamError, fmt.Sprintf("%s returned status %d", upstream.Backend, upstream.StatusCode), err)
	}

	return apierr.Wrap(apierr.KindUpstreamError, "backend unreachable", err)
}
