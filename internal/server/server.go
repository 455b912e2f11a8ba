// Package server is the hub's HTTP boundary: device management, telemetry
// submission and queries, the LoRa relay, and live streams over SSE and
// websockets.
package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/klauspost/compress/gzhttp"

	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/gate"
	"github.com/c3hub/fieldhub/internal/ledger"
	"github.com/c3hub/fieldhub/internal/lora"
	"github.com/c3hub/fieldhub/internal/registry"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Heartbeat is the interval between SSE keepalive comments.
	Heartbeat time.Duration
	// Production hides backing store error text from responses.
	Production bool
}

// Deps are the components the handlers call into.
type Deps struct {
	Registry    *registry.Registry
	Credentials *credential.Store
	Ledger      *ledger.Ledger
	Relay       *lora.Relay
	Gate        *gate.Gate
}

type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server

	// streams is cancelled when shutdown begins. Shutdown does not cancel
	// request contexts, and SSE and websocket streams never go idle.
	streams     context.Context
	stopStreams context.CancelFunc
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.streams, s.stopStreams = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.logRequests(cors(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	s.httpServer.RegisterOnShutdown(s.stopStreams)
	return s
}

// Handler returns the complete HTTP handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Annotate(err, "server listen")
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener. Open streams are ended when
// shutdown begins; other requests get ShutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Annotate(err, "server shutdown")
		}
		s.logger.Info("server shut down gracefully")
		return nil
	case err := <-errChan:
		s.stopStreams()
		return errors.Annotate(err, "server listen")
	}
}

// streamContext derives the context of a long-lived stream from its
// request. It also ends when the server begins shutting down.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	compress := func(h http.HandlerFunc) http.Handler { return gzhttp.GzipHandler(h) }

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /register-device", compress(s.handleRegister))
	mux.Handle("POST /devices/{id}/rotate-key", compress(s.handleRotateKey))
	mux.Handle("GET /devices", compress(s.handleListDevices))
	mux.Handle("GET /devices/search", compress(s.handleSearchDevices))
	mux.Handle("GET /devices/{id}", compress(s.handleGetDevice))
	mux.Handle("PUT /devices/{id}", compress(s.handleUpdateDevice))
	mux.Handle("DELETE /devices/{id}", compress(s.handleDeleteDevice))

	authenticated := s.deps.Gate.Middleware(s.writeError)
	mux.Handle("POST /telemetry", authenticated(compress(s.handleSubmitTelemetry)))
	mux.Handle("GET /telemetry/{device_id}", compress(s.handleTailTelemetry))
	mux.HandleFunc("GET /telemetry/stream/{device_id}", s.handleStreamTelemetry)
	mux.HandleFunc("GET /ws/telemetry/{device_id}", s.handleWSTelemetry)

	mux.Handle("POST /lora/message", compress(s.handleSendLora))
	mux.Handle("GET /lora/messages/{node_id}", compress(s.handleFetchLora))
	mux.HandleFunc("GET /lora/messages/stream/{node_id}", s.handleStreamLora)
	mux.HandleFunc("GET /ws/lora/{node_id}", s.handleWSLora)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cors allows any origin, and answers preflight requests itself.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+gate.HeaderAPIKey+", Last-Event-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status. It keeps flushing and
// hijacking available for streams and websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.NotSupportedf("hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
