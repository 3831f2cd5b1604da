// Package server exposes the operator control API: status, halt,
// resume, emergency close, and the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/engine"
)

// Controller is the engine surface the API drives.
type Controller interface {
	Status() engine.Status
	Halt(reason string)
	Resume()
	CloseAll(ctx context.Context)
}

// Server is the HTTP control plane.
type Server struct {
	ctrl Controller
	srv  *http.Server
	log  *zap.Logger
}

// New builds the server over the controller and metrics gatherer.
func New(cfg config.ServerConfig, ctrl Controller, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	s := &Server{ctrl: ctrl, log: log.Named("server")}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/halt", s.handleHalt).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/close-all", s.handleCloseAll).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           cors.Default().Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("control API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.Body != nil {
		// Empty body is a plain operator halt.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	s.ctrl.Halt(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"result": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"result": "running"})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.ctrl.CloseAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"result": "closing"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
