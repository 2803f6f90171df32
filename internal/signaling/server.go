package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultAddr is the signaling port clients connect to.
const DefaultAddr = ":5555"

// Server is the rendezvous server: a TCP listener for signaling connections
// plus an HTTP admin surface that also accepts signaling over WebSocket.
type Server struct {
	registry *Registry
	handler  *Handler
	metrics  *Metrics
	router   chi.Router

	// Configuration
	Addr          string
	AdminAddr     string
	MaxRecordSize int

	// Lifecycle
	mu         sync.Mutex
	cancels    map[int]context.CancelFunc
	nextCancel int
	conns      sync.WaitGroup

	// Logging
	Logger logrus.FieldLogger
}

// Config holds server configuration options.
type Config struct {
	Addr          string // signaling listener
	AdminAddr     string // HTTP admin + WebSocket listener; empty disables it
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxRecordSize int
	Metrics       *Metrics
	Logger        logrus.FieldLogger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:          DefaultAddr,
		AdminAddr:     ":8080",
		WriteTimeout:  DefaultWriteTimeout,
		MaxRecordSize: DefaultMaxRecordSize,
		Logger:        logrus.StandardLogger(),
	}
}

// NewServer creates a new signaling server with the given configuration.
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	registry := NewRegistry()
	registry.OnRegistered = func(_ Registration, added bool) {
		if added {
			cfg.Metrics.LivePeers.Inc()
		}
	}
	registry.OnRemoved = func(Registration) {
		cfg.Metrics.LivePeers.Dec()
	}

	handler := NewHandler(registry, cfg.Metrics)
	handler.IdleTimeout = cfg.IdleTimeout
	if cfg.WriteTimeout > 0 {
		handler.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.MaxRecordSize > 0 {
		handler.MaxRecordSize = cfg.MaxRecordSize
	}
	handler.Logger = cfg.Logger
	handler.SetUpgrader(NewGorillaUpgrader())

	s := &Server{
		registry:      registry,
		handler:       handler,
		metrics:       cfg.Metrics,
		Addr:          cfg.Addr,
		AdminAddr:     cfg.AdminAddr,
		MaxRecordSize: handler.MaxRecordSize,
		Logger:        cfg.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	// WebSocket endpoint
	r.Handle("/ws", s.handler)

	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/peers", s.handlePeers)
	r.Get("/api/peers/{username}", s.handlePeer)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.NotFound(s.handleNotFound)
	s.router = r
}

// ListenAndServe binds the signaling and admin listeners and serves until
// ctx is cancelled or either listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, untrack := s.trackContext(ctx)
	defer untrack()

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})

	if s.AdminAddr != "" {
		httpServer := &http.Server{
			Addr:              s.AdminAddr,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			s.log().WithField("addr", s.AdminAddr).Info("admin http listening")
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Serve accepts signaling connections on ln until ctx is cancelled, then
// closes every open connection and waits for their handlers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, untrack := s.trackContext(ctx)
	defer untrack()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log().WithField("addr", ln.Addr().String()).Info("signaling listening")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				closedByCaller := ctx.Err() != nil
				cancel()
				s.conns.Wait()
				if closedByCaller {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			// Back off on transient failures such as fd exhaustion.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.log().WithError(err).Warnf("accept error; retrying in %v", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if ctx.Err() != nil {
			conn.Close()
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handler.ServeConn(ctx, NewLineConn(conn, s.MaxRecordSize))
		}()
	}
}

// Shutdown stops accepting, closes every connection and waits for the
// handlers to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log().Info("shutting down...")

	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackContext derives a context that Shutdown cancels. The returned func
// cancels it and forgets it; callers defer it until they return.
func (s *Server) trackContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	id := s.nextCancel
	s.nextCancel++
	s.cancels[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns server statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": map[string]interface{}{
			"total": stats.TotalPeers,
		},
		"pairings": map[string]interface{}{
			"total": stats.TotalPairings,
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

type peerView struct {
	Username     string `json:"username"`
	IP           string `json:"ip"`
	UDPPort      int    `json:"udp_port"`
	ConnID       string `json:"conn_id"`
	RegisteredAt int64  `json:"registered_at"`
}

func newPeerView(reg Registration) peerView {
	v := peerView{
		Username:     reg.Username,
		IP:           reg.IP,
		UDPPort:      reg.UDPPort,
		RegisteredAt: reg.At.UnixMilli(),
	}
	if reg.Peer != nil {
		v.ConnID = reg.Peer.ID
	}
	return v
}

// handlePeers lists live registrations.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	regs := s.registry.All()
	views := make([]peerView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, newPeerView(reg))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": views,
		"count": len(views),
	})
}

// handlePeer returns one registration.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	reg, ok := s.registry.Lookup(username)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "peer not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, newPeerView(reg))
}

// handleNotFound handles unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// log returns the configured logger tagged with this component.
func (s *Server) log() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger().WithField("component", "server")
	}
	return s.Logger.WithField("component", "server")
}

// Handler returns the connection handler for configuration.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Registry returns the peer registry for external access.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Router returns the admin HTTP handler.
// Useful for embedding in custom routers.
func (s *Server) Router() http.Handler {
	return s.router
}
