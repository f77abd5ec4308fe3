package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/metrics"
	"github.com/mysticmarks/llm-runner-router/internal/routing"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Auth           AuthConfig    `yaml:"auth"`
}

// Server is the thin HTTP gateway over the router kernel.
type Server struct {
	router     *routing.Router
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *logrus.Logger
	config     *Config
	auth       *authenticator
}

// NewServer creates a gateway for one router instance.
func NewServer(router *routing.Router, m *metrics.Metrics, config *Config, logger *logrus.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		// Streams hold the response open; the write timeout must cover them.
		config.WriteTimeout = 10 * time.Minute
	}
	if config.MaxHeaderBytes == 0 {
		config.MaxHeaderBytes = 1 << 20
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 10 << 20
	}
	return &Server{
		router:  router,
		metrics: m,
		logger:  logger,
		config:  config,
		auth:    newAuthenticator(&config.Auth, logger),
	}
}

// Start runs the HTTP server until Stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.logger.WithField("port", s.config.Port).Info("Starting LLM router gateway")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM router gateway")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the route table; exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.auth.middleware)
	api.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods("POST")
	api.HandleFunc("/models", s.handleModels).Methods("GET")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

// Middleware

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleGenerate serves the canonical request envelope, unary or SSE.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.UserTag == "" {
		req.UserTag = uuid.NewString()
	}

	if req.Stream {
		s.streamGenerate(w, r, &req)
		return
	}

	resp, err := s.router.Generate(r.Context(), &req)
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamGenerate writes SSE frames: data: {chunk}, terminated by [DONE].
func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, req *types.GenerationRequest) {
	reader, err := s.router.Stream(r.Context(), req)
	if err != nil {
		s.writeRouterError(w, err)
		return
	}
	defer reader.Abort()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range reader.Chunks() {
		// Raw provider payloads stay inside the kernel.
		chunk.Raw = nil
		data, marshalErr := json.Marshal(chunk)
		if marshalErr != nil {
			s.logger.WithError(marshalErr).Error("Failed to marshal stream chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleModels lists registered model descriptors.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.router.Registry().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   snap.Models,
	})
}

// handleHealthz reports gateway and per-model circuit health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, models := s.router.Healthz()
	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"models": models,
	})
}

// Helpers

func (s *Server) writeRouterError(w http.ResponseWriter, err error) {
	var re *types.Error
	if errors.As(err, &re) {
		writeJSON(w, re.Kind.HTTPStatus(), map[string]interface{}{
			"error": map[string]interface{}{
				"kind":        string(re.Kind),
				"message":     re.Message,
				"provider":    re.Provider,
				"model":       re.Model,
				"attempts":    re.AttemptCount,
				"cause_chain": re.CauseChain(),
			},
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}
