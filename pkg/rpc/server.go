// Package rpc implements the JSON-RPC 2.0 inspector for tfxvm.
//
// The server exposes the loaded techniques, one-shot evaluations and the
// frame capture store to debugging tools.
//
// Supported methods:
//   - Server: getHealth, getVersion, getStats
//   - Techniques: listTechniques, getTechnique, disassemble
//   - Evaluation: evaluate, getExternErrors
//   - Capture: getCapture, verifyCapture
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/fortiblox/tfxvm/pkg/capture"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rpc")

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// MaxBatch caps the requests of one batch; each may be an evaluate.
	// Zero means no cap.
	MaxBatch int

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	// Externs are the "slot.field" overrides every evaluate request
	// starts from.
	Externs map[string][]float64
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 1 << 20, // 1MB
		MaxBatch:       64,
		EnableCORS:     true,
		LogRequests:    false,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config

	// Dependencies
	techniques *executor.Cache
	evaluator  *executor.FrameEvaluator
	captures   *capture.Store

	// State
	healthy  bool
	healthMu sync.RWMutex

	// HTTP server
	server *http.Server

	// Method handlers
	handlers map[string]handlerFunc

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server. A nil capture store disables the capture
// methods.
func New(config Config, techniques *executor.Cache, evaluator *executor.FrameEvaluator, captures *capture.Store) *Server {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	s := &Server{
		config:     config,
		techniques: techniques,
		evaluator:  evaluator,
		captures:   captures,
		healthy:    true,
		handlers:   make(map[string]handlerFunc),
	}

	// Register all method handlers
	s.registerHandlers()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Server methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getStats"] = s.getStats

	// Technique methods
	s.handlers["listTechniques"] = s.listTechniques
	s.handlers["getTechnique"] = s.getTechnique
	s.handlers["disassemble"] = s.disassemble

	// Evaluation methods
	s.handlers["evaluate"] = s.evaluate
	s.handlers["getExternErrors"] = s.getExternErrors

	// Capture methods
	s.handlers["getCapture"] = s.getCapture
	s.handlers["verifyCapture"] = s.verifyCapture
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(mux)
}

// Start starts the RPC server. It blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("inspector listening on %s", s.config.Addr)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.AllowedOrigins
	return len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// handleRPC serves one request or one batch per POST.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeJSON(w, errorResponse(nil, ErrInvalidRequest))
			return
		}
	}

	// One byte past the limit tells an oversized body from a full one.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		writeJSON(w, errorResponse(nil, NewRPCErrorWithData(InvalidRequest, "Request too large",
			map[string]int64{"limit": s.config.MaxRequestSize})))
		return
	}

	body = bytes.TrimLeft(body, " \t\r\n")
	if len(body) == 0 || body[0] != '[' {
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, errorResponse(nil, ErrParseError))
			return
		}
		writeJSON(w, s.call(r.Context(), &req))
		return
	}

	var batch []Request
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}
	switch {
	case len(batch) == 0:
		writeJSON(w, errorResponse(nil, ErrInvalidRequest))
		return
	case s.config.MaxBatch > 0 && len(batch) > s.config.MaxBatch:
		writeJSON(w, errorResponse(nil, NewRPCErrorWithData(InvalidRequest, "Batch too large",
			map[string]int{"limit": s.config.MaxBatch})))
		return
	}

	responses := make([]Response, len(batch))
	for i := range batch {
		responses[i] = s.call(r.Context(), &batch[i])
	}
	writeJSON(w, responses)
}

// call validates and dispatches one request.
func (s *Server) call(ctx context.Context, req *Request) Response {
	if req.JSONRPC != JSONRPCVersion {
		return errorResponse(req.ID, ErrInvalidRequest)
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		return errorResponse(req.ID, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method)))
	}

	start := time.Now()
	result, rpcErr := handler(ctx, req.Params)
	if s.config.LogRequests {
		log.Infof("%s id=%v took %s", req.Method, req.ID, time.Since(start))
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func errorResponse(id interface{}, err *RPCError) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}
