// Package httpapi implements the HTTP API gateway.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/agent"
	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/gateway"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/storage"
	"github.com/jkaninda/sanduku/internal/tokens"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Compile-time interface check.
var _ gateway.Gateway = (*Gateway)(nil)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string   // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted API keys. Empty = auth disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	Model          string   // Model name for cost estimates.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	runner    *agent.Runner
	store     storage.Store
	manager   *sandbox.Manager
	estimator *tokens.Estimator
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner *agent.Runner, store storage.Store, manager *sandbox.Manager, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		runner:    runner,
		store:     store,
		manager:   manager,
		estimator: tokens.NewEstimator(""),
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(maxRequestSize(cfg))),
	}
}

// maxRequestSize resolves the configured request body ceiling.
func maxRequestSize(cfg Config) int64 {
	if cfg.MaxRequestSize > 0 {
		return cfg.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// limitRequestBody caps request bodies at limit bytes. Reads past the limit
// fail with http.MaxBytesError inside the handler.
func limitRequestBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// WithRateLimiter attaches a per-client rate limiter.
func (g *Gateway) WithRateLimiter(l *ratelimit.Limiter) *Gateway {
	g.limiter = l
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Body size ceiling on every route.
	limit := maxRequestSize(g.config)
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitRequestBody(limit, next)
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/chats", g.handleChatCreate,
		okapi.DocSummary("Create a new chat session"),
		okapi.DocTags("Chats"),
		okapi.DocRequestBody(ChatCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, ChatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/chats", g.handleChatList,
		okapi.DocSummary("List chat sessions"),
		okapi.DocTags("Chats"),
		okapi.DocResponse([]ChatResponse{}),
	)
	g.group.Get("/chats/{id}", g.handleChatGet,
		okapi.DocSummary("Get a chat session"),
		okapi.DocTags("Chats"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse(ChatResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/chats/{id}/title", g.handleChatRename,
		okapi.DocSummary("Rename a chat session"),
		okapi.DocTags("Chats"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocRequestBody(ChatRenameRequest{}),
		okapi.DocResponse(ChatResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/chats/{id}", g.handleChatDelete,
		okapi.DocSummary("Delete a chat session and release its sandbox"),
		okapi.DocTags("Chats"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Post("/chats/{id}/messages", g.handleMessage,
		okapi.DocSummary("Send a message and run the agent turn"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(MessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/chats/{id}/messages/stream", g.handleMessageStream,
		okapi.DocSummary("Send a message and stream the turn via SSE"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/chats/{id}/messages", g.handleMessageList,
		okapi.DocSummary("List a chat's messages"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse([]MessageView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/chats/{id}/events", g.handleEvents,
		okapi.DocSummary("Get a chat's execution timeline"),
		okapi.DocTags("Messages"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse([]domain.Event{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/chats/{id}/files", g.handleFileList,
		okapi.DocSummary("List files saved from the chat's sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse([]FileView{}),
	)
	g.group.Get("/chats/{id}/files/content", g.handleFileGet,
		okapi.DocSummary("Download a saved file by path (query param: path)"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse(FileView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/chats/{id}/files/content", g.handleFileDelete,
		okapi.DocSummary("Delete a saved file by path (query param: path)"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Chat ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // agent turns can run long
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Chat handlers ---

// ChatCreateRequest is the JSON body for POST /v1/chats.
type ChatCreateRequest struct {
	Title string `json:"title,omitempty"` // Empty = "New Chat", renamed on first message.
}

// ChatRenameRequest is the JSON body for PUT /v1/chats/{id}/title.
type ChatRenameRequest struct {
	Title string `json:"title"`
}

// ChatResponse is the JSON view of a chat session.
type ChatResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	SandboxID    string    `json:"sandbox_id,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
}

func (g *Gateway) chatResponse(c *domain.Chat) ChatResponse {
	// Cost estimate treats the stored total as output-weighted; the stored
	// per-turn usage is folded into total_tokens.
	p := tokens.PricingFor(g.config.Model)
	return ChatResponse{
		ID:           c.ID.String(),
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		LastUpdated:  c.LastUpdated,
		MessageCount: c.MessageCount,
		TotalTokens:  c.TotalTokens,
		SandboxID:    c.SandboxID,
		CostUSD:      float64(c.TotalTokens) / 1e6 * p.OutputUSD,
	}
}

func (g *Gateway) handleChatCreate(c *okapi.Context) error {
	var req ChatCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	title := req.Title
	if title == "" {
		title = "New Chat"
	}

	chat := &domain.Chat{ID: uuid.New(), Title: title}
	if err := g.store.Chats().Create(c.Context(), chat); err != nil {
		g.logger.Error("chat creation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("chat creation failed")
	}
	return c.JSON(http.StatusCreated, g.chatResponse(chat))
}

func (g *Gateway) handleChatList(c *okapi.Context) error {
	chats, err := g.store.Chats().List(c.Context())
	if err != nil {
		g.logger.Error("chat listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("chat listing failed")
	}
	resp := make([]ChatResponse, 0, len(chats))
	for _, chat := range chats {
		resp = append(resp, g.chatResponse(chat))
	}
	return c.OK(resp)
}

func (g *Gateway) handleChatGet(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	return c.OK(g.chatResponse(chat))
}

func (g *Gateway) handleChatRename(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}
	var req ChatRenameRequest
	if err := c.Bind(&req); err != nil || req.Title == "" {
		return c.AbortBadRequest("title is required")
	}
	if err := g.store.Chats().UpdateTitle(c.Context(), chat.ID, req.Title); err != nil {
		return c.AbortInternalServerError("rename failed")
	}
	chat.Title = req.Title
	return c.OK(g.chatResponse(chat))
}

func (g *Gateway) handleChatDelete(c *okapi.Context) error {
	chat, err := g.loadChat(c)
	if err != nil {
		return err
	}

	// Close the live sandbox before dropping the records.
	g.manager.Release(c.Context(), chat.ID.String())

	if err := g.store.Chats().Delete(c.Context(), chat.ID); err != nil {
		g.logger.Error("chat deletion failed",
			slog.String("chat_id", chat.ID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("chat deletion failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

// loadChat resolves the {id} path param to a chat or writes the error response.
func (g *Gateway) loadChat(c *okapi.Context) (*domain.Chat, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.AbortBadRequest("invalid chat ID")
	}
	chat, err := g.store.Chats().Get(c.Context(), id)
	if err != nil {
		g.logger.Error("chat lookup failed", slog.String("error", err.Error()))
		return nil, c.AbortInternalServerError("chat lookup failed")
	}
	if chat == nil {
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "chat not found"})
	}
	return chat, nil
}

// --- Health handlers ---

// HealthResponse is the JSON response for the probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the Bearer API key with a constant-time comparison.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		ok := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				ok = true
			}
		}
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientKey", apiKey)
		return next(c)
	}
}
