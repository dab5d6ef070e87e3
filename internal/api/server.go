// Package api exposes the relayer over HTTP/JSON: tree queries, deposit
// status, proof submission, fee quotes, and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shieldpool/relayer/internal/middleware"
	"github.com/shieldpool/relayer/internal/relayer"
	"github.com/shieldpool/relayer/internal/relayerr"
)

// Version is stamped at build time.
var Version = "dev"

// requestTimeout bounds a proof request end to end.
const requestTimeout = 120 * time.Second

// Server is the HTTP front of the relayer kernel.
type Server struct {
	svc    *relayer.Service
	hub    *wsHub
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the server and its router.
func NewServer(svc *relayer.Service, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		hub:    newWSHub(svc.Bus, logger),
		logger: logger.With("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS(svc.Cfg.CORSOrigin))
	if svc.Cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(svc.Cfg.RateLimit.MaxCallsPerMinute)
		r.Use(limiter.Middleware)
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/tree/root", s.handleTreeRoot).Methods("GET")
	r.HandleFunc("/tree/proof/{leafIndex}", s.handleTreeProof).Methods("GET")
	r.HandleFunc("/deposit/status/{commitment}", s.handleDepositStatus).Methods("GET")
	r.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	r.HandleFunc("/transfer", s.handleTransfer).Methods("POST")
	r.HandleFunc("/fee/quote", s.handleFeeQuote).Methods("GET")
	r.HandleFunc("/chains", s.handleChains).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleUpgrade).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.http = &http.Server{
		Addr:         ":" + svc.Cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving and the websocket broadcast loop.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto the wire: {error, message,
// retryable} with the kind's HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := relayerr.KindOf(err)
	if kind == relayerr.KindInternal {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, kind.Status(), map[string]interface{}{
		"error":     string(kind),
		"message":   err.Error(),
		"retryable": kind.Retryable(),
	})
}
