package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/diagd/internal/audit"
	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
	"github.com/HyphaGroup/diagd/internal/schedule"
)

// limiterIdle is how long a caller's rate limiter survives without requests.
const limiterIdle = 10 * time.Minute

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server exposes the coordinator as MCP tools over streamable HTTP
type Server struct {
	coord     *coordinator.Coordinator
	registry  *Registry
	limiter   *RateLimiter
	audit     *audit.Logger
	schedules *schedule.Store  // nil when schedules are disabled
	scheduler *schedule.Runner // nil when this instance does not fire schedules
	version   string
	mcpServer *mcp.Server
	stop      chan struct{}

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerConfig holds API configuration
type ServerConfig struct {
	Version string
	Rate    float64 // requests per second per caller
	Burst   int
	Audit   *audit.Logger // default: JSON lines on stdout

	Schedules *schedule.Store
	Scheduler *schedule.Runner
}

// NewServer creates a new MCP server instance
func NewServer(coord *coordinator.Coordinator, cfg *ServerConfig) *Server {
	limiter := DefaultRateLimiter()
	auditLog := audit.Default()
	version := "dev"
	var schedules *schedule.Store
	var scheduler *schedule.Runner
	if cfg != nil {
		schedules, scheduler = cfg.Schedules, cfg.Scheduler
		if cfg.Rate > 0 && cfg.Burst > 0 {
			limiter = NewRateLimiter(cfg.Rate, cfg.Burst)
		}
		if cfg.Version != "" {
			version = cfg.Version
		}
		if cfg.Audit != nil {
			auditLog = cfg.Audit
		}
	}

	s := &Server{
		coord:     coord,
		registry:  NewRegistry(),
		limiter:   limiter,
		audit:     auditLog,
		schedules: schedules,
		scheduler: scheduler,
		version:   version,
		stop:      make(chan struct{}),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "diagd",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)

	return s
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handler builds the HTTP handler serving /mcp, /health, /ready and /metrics
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	// Wrap with request ID and logging middleware
	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		ctx = WithCaller(ctx, callerKey(r))
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, callerKey(r), requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	rateLimitedHandler := RateLimitMiddleware(s.limiter)(loggingHandler)

	mainMux := http.NewServeMux()

	// Health endpoints - no rate limiting
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)

	// Metrics endpoint (Prometheus scraping)
	mainMux.Handle("/metrics", metrics.Handler())

	mainMux.Handle("/mcp", metrics.Middleware(rateLimitedHandler))
	mainMux.Handle("/mcp/", metrics.Middleware(rateLimitedHandler))

	return mainMux
}

// Serve starts the HTTP server and blocks until it stops.
// It returns nil after Shutdown.
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	go s.sweepLimiters()

	logger.Info("🚀 diagd MCP server listening on %s (instance %s)", addr, s.coord.Instance())
	logger.Info("💚 Health check: http://localhost%s/health", addr)
	logger.Info("💚 Readiness check: http://localhost%s/ready", addr)
	logger.Info("📊 Metrics: http://localhost%s/metrics", addr)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) sweepLimiters() {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.limiter.Cleanup(limiterIdle)
		}
	}
}

// record writes an audit event for a session-changing call
func (s *Server) record(ctx context.Context, op audit.Operation, sessionID string, err error, details map[string]any) {
	requestID, _ := ctx.Value(logger.ContextKeyRequestID).(string)
	event := &audit.Event{
		Operation: op,
		Caller:    CallerFromContext(ctx),
		Instance:  s.coord.Instance(),
		SessionID: sessionID,
		RequestID: requestID,
		Success:   err == nil,
		Details:   details,
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.audit.Log(event)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the session store can be reached
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, err := s.coord.GetActive(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"session store unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
