// Package api exposes the grading engine over REST/JSON and SSE for the
// web client.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/engine"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/metrics"
	"github.com/tiancizhou/teacher/internal/store"
)

// Server wires the grading engine, the result store and the HTTP surface.
type Server struct {
	engine  *engine.Engine
	store   *store.Store
	metrics *metrics.Metrics
	cfg     *config.Config
}

func NewServer(e *engine.Engine, st *store.Store, m *metrics.Metrics, cfg *config.Config) *Server {
	return &Server{
		engine:  e,
		store:   st,
		metrics: m,
		cfg:     cfg,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	h := r.PathPrefix("/api/homework").Subrouter()
	h.HandleFunc("/templates", s.handleTemplates).Methods("GET")
	h.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	h.HandleFunc("/analyze-stream", s.handleAnalyzeStream).Methods("POST")
	h.HandleFunc("/analyze-single", s.handleAnalyzeSingle).Methods("POST")
	h.HandleFunc("/analyze-single-stream", s.handleAnalyzeSingleStream).Methods("POST")
	h.HandleFunc("/history/{userId:[0-9]+}", s.handleHistory).Methods("GET")
	h.HandleFunc("/growth/{userId:[0-9]+}/{charName}", s.handleGrowth).Methods("GET")
	h.HandleFunc("/{taskId}", s.handleGetResult).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	addr := ":" + s.cfg.Server.Port
	slog.Info("grading service listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

// envelope is the non-stream response wrapper.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(envelope{Code: "OK", Message: "success", Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	message := "服务器内部错误"
	var e *errs.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatus(code))
	json.NewEncoder(w).Encode(envelope{Code: string(code), Message: message})
}

func httpStatus(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeExhausted:
		return http.StatusServiceUnavailable
	case errs.CodeImageError, errs.CodeAnalyzeFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
