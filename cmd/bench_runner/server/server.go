package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/abstractions"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/eval-hub/bench-runner/internal/executioncontext"
	"github.com/eval-hub/bench-runner/internal/handlers"
	"github.com/eval-hub/bench-runner/internal/http_wrappers"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/messages"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	mu            sync.Mutex
	httpServer    *http.Server
	port          int
	logger        *slog.Logger
	serviceConfig *config.Config
	runs          handlers.RunService
	catalog       abstractions.Catalog
}

// ServerClosedError is returned by Start once Shutdown has been called.
type ServerClosedError struct{}

func (e *ServerClosedError) Error() string {
	return "server closed"
}

func (e *ServerClosedError) Is(target error) bool {
	_, ok := target.(*ServerClosedError)
	return ok
}

// NewServer creates a new HTTP server instance with the provided logger and configuration.
// The server uses standard library net/http.ServeMux for routing without a web framework.
//
// The server implements the routing pattern where:
//   - Each route creates an ExecutionContext and the request/response wrappers
//   - Routes switch on the HTTP method and dispatch to the handlers
//   - Unsupported methods answer with the method_not_allowed message
//
// All routes are wrapped with Prometheus metrics middleware and with otelhttp
// for tracing.
//
// Parameters:
//   - logger: The structured logger for the server
//   - serviceConfig: The service configuration containing port and other settings
//   - runs: The run coordinator
//   - catalog: The benchmark catalog
//
// Returns:
//   - *Server: A configured server instance
//   - error: An error if a required dependency is nil
func NewServer(logger *slog.Logger,
	serviceConfig *config.Config,
	runs handlers.RunService,
	catalog abstractions.Catalog) (*Server, error) {

	if logger == nil {
		return nil, fmt.Errorf("logger is required for the server")
	}
	if (serviceConfig == nil) || (serviceConfig.Service == nil) {
		return nil, fmt.Errorf("service config is required for the server")
	}
	if runs == nil {
		return nil, fmt.Errorf("run service is required for the server")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required for the server")
	}

	return &Server{
		port:          serviceConfig.Service.Port,
		logger:        logger,
		serviceConfig: serviceConfig,
		runs:          runs,
		catalog:       catalog,
	}, nil
}

func (s *Server) GetPort() int {
	return s.port
}

// LoggerWithRequest enhances a logger with request-specific fields for distributed
// tracing and structured logging. This function is called when creating an ExecutionContext
// to automatically enrich all log entries for a given HTTP request with consistent metadata.
//
// The enhanced logger includes the following fields (when available):
//   - request_id: Extracted from X-Global-Transaction-Id header, or auto-generated UUID if missing
//   - method: HTTP method (GET, POST, etc.)
//   - uri: Request path (from URL.Path or RequestURI)
//   - user_agent: Client user agent from User-Agent header
//   - remote_addr: Client IP address
//   - remote_user: Authenticated user from URL user info or Remote-User header
//   - referer: HTTP referer header
func (s *Server) loggerWithRequest(r *http.Request) (string, *slog.Logger) {
	requestID := r.Header.Get("X-Global-Transaction-Id")
	if requestID == "" {
		requestID = uuid.New().String() // generate a UUID if not present
	}

	enhancedLogger := s.logger.With(constants.LOG_REQUEST_ID, requestID)

	// Extract and add HTTP method and URI if they exist
	method := r.Method
	if method != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_METHOD, method)
	}

	uri := ""
	if r.URL != nil {
		uri = r.URL.Path
	}
	if uri == "" {
		uri = r.RequestURI
	}
	if uri != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_URI, uri)
	}

	// Extract and add HTTP request fields to logger if they exist
	userAgent := r.Header.Get("User-Agent")
	if userAgent != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_USER_AGENT, userAgent)
	}

	remoteAddr := r.RemoteAddr
	if remoteAddr != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_REMOTE_ADR, remoteAddr)
	}

	// Extract remote_user from URL user info or header
	remoteUser := ""
	if r.URL != nil && r.URL.User != nil {
		remoteUser = r.URL.User.Username()
	}
	if remoteUser == "" {
		remoteUser = r.Header.Get("Remote-User")
	}
	if remoteUser != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_USER, remoteUser)
	}

	referer := r.Header.Get("Referer")
	if referer != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_REFERER, referer)
	}

	return requestID, enhancedLogger
}

type handlerFunc func(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper)

// route registers a path whose methods dispatch to the given handlers.
func (s *Server) route(router *http.ServeMux, path string, methods map[string]handlerFunc) {
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx := s.newExecutionContext(r)
		resp := NewRespWrapper(w, ctx)
		req := NewRequestWrapper(r)
		handler, ok := methods[r.Method]
		if !ok {
			resp.ErrorWithMessageCode(ctx.RequestID, messages.MethodNotAllowed, "Method", req.Method(), "Api", req.URI())
			return
		}
		logging.LogRequestStarted(ctx)
		handler(ctx, req, resp)
	})
}

func (s *Server) setupRoutes() (http.Handler, error) {
	router := http.NewServeMux()
	h := handlers.New(s.runs, s.catalog, s.serviceConfig)

	// Health and status endpoints
	s.route(router, "/api/v1/health", map[string]handlerFunc{http.MethodGet: h.HandleHealth})
	s.route(router, "/api/v1/status", map[string]handlerFunc{http.MethodGet: h.HandleStatus})

	// Run endpoints
	s.route(router, "/api/v1/runs", map[string]handlerFunc{
		http.MethodPost: h.HandleCreateRun,
		http.MethodGet:  h.HandleListRuns,
	})
	s.route(router, fmt.Sprintf("/api/v1/runs/{%s}", constants.PATH_PARAMETER_RUN_ID), map[string]handlerFunc{
		http.MethodGet:    h.HandleGetRun,
		http.MethodDelete: h.HandleCancelRun,
	})
	s.route(router, fmt.Sprintf("/api/v1/runs/{%s}/cancel", constants.PATH_PARAMETER_RUN_ID), map[string]handlerFunc{
		http.MethodPost: h.HandleCancelRun,
	})
	s.route(router, fmt.Sprintf("/api/v1/runs/{%s}/events", constants.PATH_PARAMETER_RUN_ID), map[string]handlerFunc{
		http.MethodGet: h.HandleRunEvents,
	})

	// Benchmark catalog endpoints
	s.route(router, "/api/v1/benchmarks", map[string]handlerFunc{http.MethodGet: h.HandleListBenchmarks})
	s.route(router, fmt.Sprintf("/api/v1/benchmarks/{%s}", constants.PATH_PARAMETER_BENCHMARK), map[string]handlerFunc{
		http.MethodGet: h.HandleGetBenchmark,
	})

	// OpenAPI documentation endpoints
	s.route(router, "/openapi.yaml", map[string]handlerFunc{http.MethodGet: h.HandleOpenAPI})
	s.route(router, "/docs", map[string]handlerFunc{http.MethodGet: h.HandleDocs})

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	handler := http.Handler(router)
	// Enable CORS in local mode only (for development/testing)
	if s.serviceConfig.Service.LocalMode {
		handler = CorsMiddleware(handler)
	}

	// Wrap with metrics middleware and then tracing (outermost for complete observability)
	handler = Middleware(handler)
	handler = otelhttp.NewHandler(handler, "bench-runner",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics"
		}),
	)

	return handler, nil
}

// SetupRoutes exposes the route setup for testing
func (s *Server) SetupRoutes() (http.Handler, error) {
	return s.setupRoutes()
}

// Start listens on the configured port and serves until Shutdown. It returns
// a ServerClosedError after a graceful shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	handler, err := s.setupRoutes()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no write timeout: event streams stay open for the whole run
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("Writing the server ready message", "file", s.serviceConfig.Service.ReadyFile)
	err = SetReady(s.serviceConfig, s.logger)
	if err != nil {
		return err
	}

	s.logger.Info("Server starting", "address", listener.Addr().String())
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return &ServerClosedError{}
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down server gracefully...")
	return httpServer.Shutdown(ctx)
}
