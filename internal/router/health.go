package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/internal/metrics"
)

// DefaultProbeInterval is how often the prober checks every backend.
const DefaultProbeInterval = 10 * time.Second

const probeTimeout = 5 * time.Second

// Prober runs periodic health checks against every backend and feeds the
// results into the shared circuit breaker, so an opened breaker heals on
// its own once the backend recovers, without waiting for live traffic.
type Prober struct {
	backends []backends.Backend
	cb       *CircuitBreaker
	interval time.Duration
	metrics  *metrics.Registry
	log      *slog.Logger
	baseCtx  context.Context

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober and immediately starts probing. The first
// probe runs synchronously so health gauges are populated before the
// server accepts traffic.
func NewProber(ctx context.Context, list []backends.Backend, cb *CircuitBreaker, interval time.Duration, met *metrics.Registry, log *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	p := &Prober{
		backends:  list,
		cb:        cb,
		interval:  interval,
		metrics:   met,
		log:       log,
		baseCtx:   ctx,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	p.probe()

	p.wg.Add(1)
	go p.run()

	return p
}

// HealthSnapshot is the health endpoint's view of the rotation.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends"`
}

// Snapshot reports the breaker state of every backend. Status is "ok" when
// all breakers are closed, "degraded" otherwise.
func (p *Prober) Snapshot() HealthSnapshot {
	states := p.cb.States()

	overall := "ok"
	for _, s := range states {
		if s != "closed" {
			overall = "degraded"
			break
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Backends:      states,
	}
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

// probe checks every backend in parallel. Probes go through the same
// breaker admission as live traffic: an open breaker inside its cooldown
// is left alone, and a probe after cooldown occupies the single half-open
// slot, so a probe success is exactly the probe that closes the breaker.
func (p *Prober) probe() {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeBackend(b)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeBackend(b backends.Backend) {
	id := b.ID()

	if !p.cb.Allow(id) {
		if p.metrics != nil {
			p.metrics.SetBackendHealth(id, false)
			p.metrics.SetCircuitBreaker(id, int64(p.cb.State(id)))
		}
		return
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, probeTimeout)
	err := b.HealthCheck(ctx)
	cancel()

	if err != nil {
		p.cb.RecordFailure(id)
		p.log.WarnContext(p.baseCtx, "backend_probe_failed",
			slog.String("backend", id),
			slog.String("error", err.Error()),
		)
	} else {
		p.cb.RecordSuccess(id)
	}

	if p.metrics != nil {
		p.metrics.SetBackendHealth(id, err == nil)
		p.metrics.SetCircuitBreaker(id, int64(p.cb.State(id)))
	}
}
