// Package httpapi exposes the edge device over HTTP: scan intake for the
// capture process and buffer/sync operations for operators.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
	"edgeattend/internal/auth"
	"edgeattend/internal/httpmiddleware"
	"edgeattend/internal/queue"
	"edgeattend/internal/scan"
	"edgeattend/internal/syncengine"
)

// Scanner processes identification events.
type Scanner interface {
	Process(ctx context.Context, req scan.Request) (scan.Result, error)
	ConfirmTimeOut(ctx context.Context, worker attendance.WorkerID) (scan.Result, error)
}

// Syncer runs a synchronization pass on demand.
type Syncer interface {
	RunPass(ctx context.Context) syncengine.Result
}

// Buffer is the operator view of the local buffer.
type Buffer interface {
	ListByState(ctx context.Context, state attendance.SyncState) ([]attendance.PendingRecord, error)
	Requeue(ctx context.Context, bufferID int64) (bool, error)
	CountPending(ctx context.Context) (int, error)
}

// Connectivity reports the central store's last known state.
type Connectivity interface {
	IsConnected() bool
}

// Publisher enqueues scan events for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// HealthCheck is an optional dependency probe reported by /healthz.
type HealthCheck interface {
	Healthy(ctx context.Context) bool
}

type Options struct {
	Scans   Scanner
	Sync    Syncer
	Buffer  Buffer
	Central Connectivity
	// Events enables POST /v1/scans/events when set.
	Events Publisher
	// Redis is probed by /healthz when set.
	Redis HealthCheck

	Gatherer prometheus.Gatherer

	DeviceID        string
	JWTIssuer       string
	JWTSigningKey   string
	RateLimitPerMin int

	Clock  quartz.Clock
	Logger slog.Logger
}

// Handler serves the edge API.
type Handler struct {
	scans   Scanner
	sync    Syncer
	buffer  Buffer
	central Connectivity
	events  Publisher
	redis   HealthCheck
	logger  slog.Logger
}

func New(opts Options) *Handler {
	return &Handler{
		scans:   opts.Scans,
		sync:    opts.Sync,
		buffer:  opts.Buffer,
		central: opts.Central,
		events:  opts.Events,
		redis:   opts.Redis,
		logger:  opts.Logger.Named("httpapi"),
	}
}

// Router builds the gin engine with every route mounted.
func Router(opts Options) *gin.Engine {
	h := New(opts)
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger, "/healthz", "/metrics"))
	r.Use(securityHeaders())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	limiter := httpmiddleware.NewScanLimiter(opts.RateLimitPerMin, opts.RateLimitPerMin, opts.Clock)
	scans := r.Group("/v1/scans",
		auth.Require(opts.JWTSigningKey, opts.JWTIssuer, opts.DeviceID, auth.RoleScanner, auth.RoleOperator),
		limiter.Middleware(scanCaller),
	)
	scans.POST("", h.Scan)
	scans.POST("/confirm", h.ConfirmTimeOut)
	if opts.Events != nil {
		scans.POST("/events", h.PublishScan)
	}

	ops := r.Group("/v1", auth.Require(opts.JWTSigningKey, opts.JWTIssuer, opts.DeviceID, auth.RoleOperator))
	ops.POST("/sync", h.Sync)
	ops.GET("/buffer", h.ListBuffer)
	ops.POST("/buffer/:id/requeue", h.Requeue)

	return r
}

// scanCaller charges a scan to the token subject, or to the client address
// when the token has none.
func scanCaller(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}

// Server returns an http.Server for handler with bounded timeouts.
func Server(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A sync pass may run for a while on a large backlog.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}
