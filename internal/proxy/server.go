package proxy

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler returns the fully middleware-wrapped HTTP handler. Exposed so
// tests can drive the gateway without a listening socket.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/healthz", g.handleHealthz)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.cfg.CORSOrigins),
		securityHeaders,
	)
}

// newServer builds the fasthttp server around the wrapped handler. The
// write deadline must outlast the stream cap so terminal SSE events still
// flush on streams that run to the timeout.
func (g *Gateway) newServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.RequestTimeout,
		WriteTimeout: g.cfg.RequestTimeout + 5*time.Second,
	}
}

// Start serves HTTP on addr (e.g. ":8080") until Shutdown is called.
func (g *Gateway) Start(addr string) error {
	return g.srv.ListenAndServe(addr)
}

// Serve serves HTTP on an existing listener. Tests use this with in-memory
// listeners.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.srv.Serve(ln)
}

// Shutdown gracefully drains open connections and stops the server.
func (g *Gateway) Shutdown() error {
	return g.srv.Shutdown()
}

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds,omitempty"`
	Backends      map[string]string `json:"backends,omitempty"`
}

// handleHealthz reports liveness plus the breaker state of every backend.
// Always 200; a degraded rotation shows in the body, not the status code.
func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	if g.prober == nil {
		writeJSON(ctx, healthResponse{Status: "ok", Version: g.cfg.Version})
		return
	}
	snap := g.prober.Snapshot()
	writeJSON(ctx, healthResponse{
		Status:        snap.Status,
		Version:       g.cfg.Version,
		UptimeSeconds: snap.UptimeSeconds,
		Backends:      snap.Backends,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
