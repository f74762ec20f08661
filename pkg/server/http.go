package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/transport"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// HTTPServer exposes a Gate over HTTP:
//
//	GET  /ws                                 WebSocket session endpoint
//	*    /lp/...                             long-poll session endpoint
//	POST /upload                             multipart upload, returns {"uuid": token}
//	GET  /session-resources/{http}/{ui}/{n}  per-session resources
//	GET  /icons/{theme}/...                  icon themes installed on disk
//	GET  /metrics                            when a metrics handler is configured
//	GET  /healthz                            gate metrics snapshot
type HTTPServer struct {
	gate       *Gate
	hub        *transport.Hub
	config     *ServerConfig
	store      *upload.DiskStore
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewHTTPServer creates the HTTP surface of gate. hub must be the transport
// the gate was created with.
func NewHTTPServer(gate *Gate, hub *transport.Hub, config *ServerConfig) (*HTTPServer, error) {
	config = config.withDefaults()

	dir := config.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "uxcore-uploads")
	}
	store, err := upload.NewDiskStore(dir, config.Upload.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("server: upload store: %w", err)
	}

	s := &HTTPServer{
		gate:        gate,
		hub:         hub,
		config:      config,
		store:       store,
		logger:      config.Logger.With("component", "http"),
		stopCleanup: make(chan struct{}),
	}
	s.router = s.routes()
	return s, nil
}

func (s *HTTPServer) routes() chi.Router {
	clientIP := ClientIPFunc(s.config.TrustedProxies, s.logger)
	epOpts := []transport.EndpointOption{
		transport.WithClientIP(clientIP),
		transport.WithEndpointLogger(s.config.Logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/ws", transport.NewWebSocketEndpoint(s.hub, s.gate, s.config.WebSocket, epOpts...))
	r.Mount("/lp", transport.NewLongPollEndpoint(s.hub, s.gate, s.config.LongPoll, epOpts...).Routes())
	r.Method(http.MethodPost, "/upload", upload.HandlerWithConfig(s.store, s.gate, s.config.Upload, s.config.Logger))
	r.Get(session.ResourcePrefix+"{httpID}/{uiID}/{name}", s.serveResource)

	for _, theme := range s.gate.Icons().Themes() {
		if theme.Dir == "" {
			continue
		}
		base := theme.BasePath()
		r.Handle(base+"*", http.StripPrefix(base, http.FileServer(http.Dir(theme.Dir))))
	}

	if s.config.MetricsHandler != nil {
		r.Handle("/metrics", s.config.MetricsHandler)
	}
	r.Get("/healthz", s.serveHealth)
	return r
}

// Router returns the configured router, for mounting into another server.
func (s *HTTPServer) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the upload store.
func (s *HTTPServer) Store() *upload.DiskStore {
	return s.store
}

func (s *HTTPServer) serveResource(w http.ResponseWriter, r *http.Request) {
	id := protocol.SessionID{
		HTTPSessionID: chi.URLParam(r, "httpID"),
		UISessionID:   chi.URLParam(r, "uiID"),
	}
	sess, ok := s.gate.SessionByID(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	name := chi.URLParam(r, "name")
	res, ok := sess.Resource(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	rc, err := res.Open()
	if err != nil {
		s.logger.Warn("resource open failed", "session_id", id.String(), "name", name, "error", err)
		http.Error(w, "resource unavailable", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if ct := res.ContentType(); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, name, time.Time{}, rc)
}

func (s *HTTPServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gate.Metrics())
}

// cleanupUploads removes expired uploads from disk and from the gate's table.
func (s *HTTPServer) cleanupUploads() {
	tokens, err := s.store.Cleanup(s.config.Upload.TempExpiry)
	if err != nil {
		s.logger.Warn("upload cleanup failed", "error", err)
	}
	for _, token := range tokens {
		s.gate.Uploads().Remove(token)
	}
	if len(tokens) > 0 {
		s.logger.Debug("expired uploads removed", "count", len(tokens))
	}
}

func (s *HTTPServer) cleanupLoop() {
	interval := s.config.Upload.TempExpiry / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupUploads()
		case <-s.stopCleanup:
			return
		}
	}
}

// Run starts the server and blocks until an interrupt or SIGTERM triggers a
// graceful shutdown, or the listener fails.
func (s *HTTPServer) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	go s.cleanupLoop()

	// Set up graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

func (s *HTTPServer) stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Shutdown closes every session, then stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.stop()

	if err := s.gate.Shutdown(ctx); err != nil {
		s.logger.Error("gate shutdown error", "error", err)
	}
	s.hub.CloseAll(protocol.ReasonServerShutdown)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
