// Package proxy is the HTTP request plane: it terminates client traffic,
// authenticates and rate-limits it, and drives the completion pipeline of
// cache, coalescers, batcher and router.
//
// One Gateway serves both response shapes. Non-streaming requests flow
// cache → unary coalescer → batcher → router and return a JSON body.
// Streaming requests flow stream coalescer → router and return SSE. All
// responses carry quota headers; non-streaming cache-eligible responses
// carry x-cache.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/quorixlabs/infergate/internal/backends"
	"github.com/quorixlabs/infergate/internal/batch"
	"github.com/quorixlabs/infergate/internal/cache"
	"github.com/quorixlabs/infergate/internal/coalesce"
	"github.com/quorixlabs/infergate/internal/fingerprint"
	"github.com/quorixlabs/infergate/internal/metrics"
	"github.com/quorixlabs/infergate/internal/quota"
	"github.com/quorixlabs/infergate/internal/router"
	"github.com/quorixlabs/infergate/internal/usage"
	"github.com/quorixlabs/infergate/pkg/apierr"
)

const (
	xCacheHit  = "hit"
	xCacheMiss = "miss"

	routeChat = "chat_completions"
)

// Config carries the request-plane settings. Zero values fall back to the
// documented defaults via withDefaults.
type Config struct {
	// APIKeys is the set of accepted x-api-key credentials. At least one
	// non-blank key is required.
	APIKeys []string

	// Defaults fill generation fields the client omitted.
	Defaults Defaults

	// RequestTimeout caps a completion end to end, streams included.
	RequestTimeout time.Duration

	// CacheTTL is how long a rendered response body stays servable.
	CacheTTL time.Duration

	// StreamReplay bounds the chunk replay buffer for late stream joiners.
	StreamReplay int

	// StreamSlowConsumer is how long a subscriber may stall before it is
	// evicted from a coalesced stream.
	StreamSlowConsumer time.Duration

	// Version is reported by the health endpoint.
	Version string

	// CORSOrigins, when non-empty, enables the CORS middleware.
	CORSOrigins []string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 90 * time.Second
	}
	if c.Defaults == (Defaults{}) {
		c.Defaults = Defaults{MaxTokens: 256, Temperature: 0.7, TopP: 1.0}
	}
	if c.StreamReplay <= 0 {
		c.StreamReplay = 1024
	}
	if c.StreamSlowConsumer <= 0 {
		c.StreamSlowConsumer = 5 * time.Second
	}
	return c
}

// Dependencies wires the pipeline into the gateway. Router is required;
// every other field is optional and nil-safe, disabling the matching
// feature.
type Dependencies struct {
	Router     *router.Router
	Prober     *router.Prober
	Quota      *quota.Manager
	Cache      cache.Cache
	Exclusions *cache.ExclusionList
	Batcher    *batch.Batcher
	Usage      usage.Sink
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

// unaryResult is what the unary coalescer shares between callers: the
// rendered body plus the attribution the leader observed.
type unaryResult struct {
	Body             []byte
	Backend          string
	PromptTokens     int
	CompletionTokens int
}

// Gateway is the HTTP ingress for the completion pipeline.
type Gateway struct {
	cfg     Config
	baseCtx context.Context

	router     *router.Router
	prober     *router.Prober
	quota      *quota.Manager
	cache      cache.Cache
	exclusions *cache.ExclusionList
	batcher    *batch.Batcher
	usage      usage.Sink
	metrics    *metrics.Registry
	log        *slog.Logger

	apiKeys map[string]struct{}

	unary   *coalesce.Group[unaryResult]
	streams *coalesce.StreamGroup

	srv *fasthttp.Server
}

// New builds a Gateway. baseCtx outlives individual requests; coalesced
// upstream work and quota reconciliation run on it.
func New(baseCtx context.Context, deps Dependencies, cfg Config) (*Gateway, error) {
	if deps.Router == nil {
		return nil, errors.New("proxy: router is required")
	}
	cfg = cfg.withDefaults()

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("proxy: at least one API key is required")
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := deps.Usage
	if sink == nil {
		sink = usage.Nop{}
	}

	g := &Gateway{
		cfg:        cfg,
		baseCtx:    baseCtx,
		router:     deps.Router,
		prober:     deps.Prober,
		quota:      deps.Quota,
		cache:      deps.Cache,
		exclusions: deps.Exclusions,
		batcher:    deps.Batcher,
		usage:      sink,
		metrics:    deps.Metrics,
		log:        log,
		apiKeys:    keys,
	}
	g.unary = coalesce.NewGroup[unaryResult](cfg.RequestTimeout)
	g.streams = coalesce.NewStreamGroup(cfg.StreamReplay, cfg.StreamSlowConsumer, cfg.RequestTimeout, func(string) {
		if g.metrics != nil {
			g.metrics.StreamEviction()
		}
	})
	g.srv = g.newServer()
	return g, nil
}

// handleChatCompletions is the POST /v1/chat/completions handler.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming responses are finalised by the SSE writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), false, time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate.
	apiKey, userID, err := g.authenticate(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	// 2. Parse and normalize the body.
	var in inboundRequest
	if uerr := json.Unmarshal(ctx.PostBody(), &in); uerr != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindBadRequest, "invalid JSON: %v", uerr))
		return
	}
	req, err := normalize(&in, g.cfg.Defaults, reqID, userID)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	// 3. Charge quota on the estimate. A refused request costs nothing;
	// an accepted one is trued up after the response.
	est := quota.EstimateTokens(req)
	if g.quota != nil {
		snap, qerr := g.quota.Charge(ctx, apiKey, est)
		if qerr != nil {
			if apierr.From(qerr).Kind == apierr.KindRateLimited {
				setQuotaHeaders(ctx, snap)
			}
			apierr.WriteError(ctx, qerr)
			return
		}
		setQuotaHeaders(ctx, snap)
	}

	g.log.InfoContext(ctx, "request_accepted",
		slog.String("request_id", reqID),
		slog.String("user_id", userID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Int("estimated_tokens", est),
	)

	fp := fingerprint.Hex(req)
	if req.Stream {
		streaming = g.streamCompletion(ctx, req, fp, start)
		return
	}
	g.unaryCompletion(ctx, req, apiKey, fp, est, start)
}

// authenticate checks x-api-key against the configured key set. The
// returned user id is a redacted form of the key, safe for logs and
// analytics rows.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (apiKey, userID string, err error) {
	key := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
	if key == "" {
		return "", "", apierr.New(apierr.KindUnauthorized, "missing x-api-key header")
	}
	if _, ok := g.apiKeys[key]; !ok {
		return "", "", apierr.New(apierr.KindUnauthorized, "invalid api key")
	}
	return key, userIDForKey(key), nil
}

// userIDForKey derives the public identity for a key. Only a short prefix
// survives, so the raw credential never reaches logs or the usage sink.
func userIDForKey(key string) string {
	if len(key) > 8 {
		key = key[:8]
	}
	return "key_" + key
}

func setQuotaHeaders(ctx *fasthttp.RequestCtx, snap quota.Snapshot) {
	for _, h := range snap.Headers() {
		ctx.Response.Header.Set(h[0], h[1])
	}
}

// unaryCompletion serves a non-streaming request: cache lookup first, then
// a coalesced backend call. The leader renders and caches the response
// body inside the coalesced call, so every caller replays identical bytes.
func (g *Gateway) unaryCompletion(ctx *fasthttp.RequestCtx, req *backends.Request, apiKey, fp string, est int, start time.Time) {
	reqID := req.RequestID
	cacheEligible := g.cache != nil && !g.exclusions.Matches(req.Model)

	// 1. Cache lookup.
	if cacheEligible {
		if body, ok := g.cache.Get(ctx, fp); ok {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			prompt, completion := usageFromEnvelope(body)
			if g.quota != nil {
				g.quota.Reconcile(g.baseCtx, apiKey, est, prompt+completion)
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("x-cache", xCacheHit)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)
			if g.metrics != nil {
				g.metrics.AddTokens("cache", prompt, completion, true)
			}
			g.recordUsage(req, "cache", true, prompt, completion, start, fasthttp.StatusOK)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 2. Coalesced backend call.
	id := newCompletionID()
	created := time.Now().Unix()
	res, shared, err := g.unary.Do(ctx, fp, func(runCtx context.Context) (unaryResult, error) {
		resp, derr := g.dispatch(runCtx, req)
		if derr != nil {
			return unaryResult{}, derr
		}
		body, merr := completionEnvelope(id, created, req.Model, resp)
		if merr != nil {
			return unaryResult{}, apierr.Wrap(apierr.KindInternal, "encode response", merr)
		}
		if cacheEligible {
			if cerr := g.cache.Set(runCtx, fp, body, g.cfg.CacheTTL); cerr != nil {
				if g.metrics != nil {
					g.metrics.CacheSetError()
				}
				g.log.WarnContext(ctx, "cache_set_failed",
					slog.String("request_id", reqID),
					slog.String("error", cerr.Error()),
				)
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
		return unaryResult{
			Body:             body,
			Backend:          resp.Backend,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}, nil
	})
	if g.metrics != nil {
		g.metrics.Coalesce("unary", roleLabel(shared))
	}
	if err != nil {
		g.log.ErrorContext(ctx, "request_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteError(ctx, err)
		g.recordUsage(req, "", false, 0, 0, start, apierr.From(err).Kind.HTTPStatus())
		return
	}

	// 3. True up the quota charge with the observed usage. Every caller
	// of a coalesced cell charged its own estimate, so every caller
	// reconciles its own difference.
	if g.quota != nil {
		g.quota.Reconcile(g.baseCtx, apiKey, est, res.PromptTokens+res.CompletionTokens)
	}
	if cacheEligible {
		ctx.Response.Header.Set("x-cache", xCacheMiss)
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(res.Body)
	if g.metrics != nil {
		g.metrics.AddTokens(res.Backend, res.PromptTokens, res.CompletionTokens, false)
	}
	g.recordUsage(req, res.Backend, false, res.PromptTokens, res.CompletionTokens, start, fasthttp.StatusOK)
}

// dispatch executes a unary completion through the batcher when one is
// configured, otherwise straight through the router.
func (g *Gateway) dispatch(ctx context.Context, req *backends.Request) (*backends.Response, error) {
	if g.batcher != nil {
		return g.batcher.Submit(ctx, req)
	}
	return g.router.Execute(ctx, req)
}

// streamCompletion serves a streaming request over SSE, attaching to an
// in-flight identical stream when one exists. Returns true once the SSE
// writer owns response finalization; on early refusal the caller's
// deferred metrics block still applies.
func (g *Gateway) streamCompletion(ctx *fasthttp.RequestCtx, req *backends.Request, fp string, start time.Time) bool {
	reqID := req.RequestID

	// servedBackend is written inside start, which JoinOrLead runs
	// synchronously in the leader's call.
	var servedBackend string
	sub, leader, err := g.streams.JoinOrLead(ctx, fp, func(runCtx context.Context) (<-chan backends.Chunk, error) {
		ch, backend, serr := g.router.Stream(runCtx, req)
		if serr != nil {
			return nil, serr
		}
		servedBackend = backend
		return ch, nil
	})
	if errors.Is(err, coalesce.ErrReplayOverflow) {
		if g.metrics != nil {
			g.metrics.Coalesce("stream", "overflow_fallback")
		}
		return g.directStream(ctx, req, start)
	}
	if err != nil {
		g.log.ErrorContext(ctx, "stream_start_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		g.recordUsage(req, "", false, 0, 0, start, apierr.From(err).Kind.HTTPStatus())
		return false
	}

	backendLabel := servedBackend
	if !leader {
		backendLabel = "coalesced"
	}
	if g.metrics != nil {
		g.metrics.Coalesce("stream", roleLabel(!leader))
		g.metrics.StreamSubscriberAttached()
	}

	g.writeSSE(ctx, req, sub.Next, sub.Close, func(completionTokens int) {
		if g.metrics != nil {
			g.metrics.StreamSubscriberDetached()
		}
		g.finishStream(ctx, req, backendLabel, completionTokens, start)
	})
	return true
}

// directStream serves a stream without coalescing. Used when the in-flight
// stream is past its replay window and cannot take new joiners.
func (g *Gateway) directStream(ctx *fasthttp.RequestCtx, req *backends.Request, start time.Time) bool {
	streamCtx, cancel := context.WithTimeout(g.baseCtx, g.cfg.RequestTimeout)

	ch, backend, err := g.router.Stream(streamCtx, req)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "stream_start_failed",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		g.recordUsage(req, "", false, 0, 0, start, apierr.From(err).Kind.HTTPStatus())
		return false
	}

	next := func(waitCtx context.Context) (backends.Chunk, error) {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return backends.Chunk{}, coalesce.ErrStreamDone
			}
			return chunk, nil
		case <-waitCtx.Done():
			return backends.Chunk{}, waitCtx.Err()
		}
	}

	g.writeSSE(ctx, req, next, cancel, func(completionTokens int) {
		g.finishStream(ctx, req, backend, completionTokens, start)
	})
	return true
}

// finishStream is the single completion point for streaming requests. It
// runs once per subscriber, after the SSE body writer has drained.
// Streamed usage is never reconciled against the quota charge; chunk
// deltas carry no token totals, so the estimate stands.
func (g *Gateway) finishStream(ctx *fasthttp.RequestCtx, req *backends.Request, backend string, completionTokens int, start time.Time) {
	g.recordUsage(req, backend, false, 0, completionTokens, start, fasthttp.StatusOK)
	if g.metrics != nil {
		g.metrics.AddTokens(backend, 0, completionTokens, false)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, true, time.Since(start))
	}
	g.log.InfoContext(ctx, "stream_complete",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.String("backend", backend),
		slog.Int("completion_tokens", completionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// recordUsage emits one analytics row for a completed request.
func (g *Gateway) recordUsage(req *backends.Request, backend string, cacheHit bool, prompt, completion int, start time.Time, status int) {
	g.usage.Record(usage.Entry{
		RequestID:        req.RequestID,
		APIKeyID:         req.UserID,
		Model:            req.Model,
		Backend:          backend,
		Stream:           req.Stream,
		CacheHit:         cacheHit,
		PromptTokens:     uint32(prompt),
		CompletionTokens: uint32(completion),
		LatencyMs:        uint32(time.Since(start).Milliseconds()),
		Status:           uint16(status),
	})
}

func roleLabel(shared bool) string {
	if shared {
		return "follower"
	}
	return "leader"
}
