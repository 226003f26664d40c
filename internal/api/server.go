// Package api provides the operator-facing HTTP and WebSocket server: run
// status, broker positions, order cancellation, Prometheus metrics, and a
// live feed of run/trade/workflow events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

const websocketPath = "/api/v1/stream"

// Server exposes the engine's operator surface over HTTP and WebSocket.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	addr       string
	router     *mux.Router
	httpServer *http.Server

	store  runstate.Store
	broker broker.Adapter
	bus    *eventbus.Bus

	hub     *Hub
	metrics *Metrics
}

// NewServer wires an operator server over store, br, and bus. bus may be
// nil, in which case the WebSocket stream only ever emits heartbeats.
func NewServer(logger *zap.Logger, addr string, store runstate.Store, br broker.Adapter, bus *eventbus.Bus) *Server {
	s := &Server{
		logger:  logger,
		addr:    addr,
		router:  mux.NewRouter(),
		store:   store,
		broker:  br,
		bus:     bus,
		hub:     NewHub(logger),
		metrics: NewMetrics(),
	}
	s.setupRoutes()
	return s
}

// Router exposes the configured mux.Router, mainly for tests.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{run_id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleCancelOrder).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc(websocketPath, s.handleWebSocket)
}

// RunHub drives the WebSocket client hub (registration, heartbeats, and
// event-bus fan-out) until ctx is canceled. Start calls this in the
// background automatically; tests that only need the hub running can call it
// directly instead of standing up a full HTTP listener.
func (s *Server) RunHub(ctx context.Context) {
	if s.bus != nil {
		s.bus.SubscribeAll(s.broadcastEnvelope)
	}
	s.hub.Run(ctx)
}

// Start runs the hub and the HTTP server. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	go s.RunHub(ctx)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      corsHandler.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("operator server starting", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) broadcastEnvelope(_ context.Context, env eventbus.Envelope) error {
	s.hub.BroadcastEnvelope(env)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if _, ok := err.(*runstate.ErrNotFound); ok {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.GetPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	if err := s.broker.CancelOrder(r.Context(), orderID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "cancel_requested"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeClient(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
