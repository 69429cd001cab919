// Package server exposes the regeneration controller over HTTP: parameter
// edits, explicit generate actions, the viewer mesh, file exports, preset
// scripts and a websocket stream of generation events.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chazu/brickforge/pkg/config"
	"github.com/chazu/brickforge/pkg/kernel"
	"github.com/chazu/brickforge/pkg/metrics"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/chazu/brickforge/pkg/script"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Server serves one controller. Create it with New and release it with
// Close.
type Server struct {
	ctrl   *regen.Controller
	kernel kernel.Kernel
	log    *zap.Logger
	met    *metrics.Metrics
	script *script.Engine

	limits     config.LimitsConfig
	exportCfg  config.ExportConfig
	eventQueue int

	schema *jsonschema.Schema
	meshes meshMemo
	hub    *hub

	unsubscribe func()
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics enables /metrics and request counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// WithScriptEngine overrides the engine behind /api/script.
func WithScriptEngine(e *script.Engine) Option {
	return func(s *Server) { s.script = e }
}

func WithLimits(l config.LimitsConfig) Option {
	return func(s *Server) { s.limits = l }
}

// WithExportDefaults sets the format and compression used when a request
// names none.
func WithExportDefaults(c config.ExportConfig) Option {
	return func(s *Server) { s.exportCfg = c }
}

// WithEventQueue sets the per-client websocket buffer. A client that falls
// this many events behind is disconnected.
func WithEventQueue(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventQueue = n
		}
	}
}

// New returns a Server for ctrl. k must be the kernel ctrl's builder uses;
// it tessellates cached models.
func New(ctrl *regen.Controller, k kernel.Kernel, opts ...Option) (*Server, error) {
	schema, err := compileParamsSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		ctrl:       ctrl,
		kernel:     k,
		log:        zap.NewNop(),
		script:     script.NewEngine(),
		eventQueue: 16,
		schema:     schema,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log.Named("events"), s.met, s.eventQueue, s.helloMessage)
	s.unsubscribe = ctrl.Subscribe(s.hub.broadcast)
	return s, nil
}

// Close detaches from the controller and disconnects event clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.close()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/generate/candidate", s.handleGenerateCandidate)
	mux.HandleFunc("GET /api/candidate", s.handleGetCandidate)
	mux.HandleFunc("PUT /api/candidate", s.handlePutCandidate)
	mux.HandleFunc("GET /api/model", s.handleModel)
	mux.HandleFunc("GET /api/model/mesh", s.handleMesh)
	mux.HandleFunc("GET /api/model/export", s.handleExport)
	mux.HandleFunc("POST /api/script", s.handleScript)
	mux.Handle("GET /api/events", s.hub)
	if s.met != nil {
		mux.Handle("GET /metrics", s.met.Handler())
	}
	return s.logRequests(mux)
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
