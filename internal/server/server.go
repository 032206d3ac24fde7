// Package server exposes the recognition controller over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Controller is what the HTTP surface drives. engine.Controller implements it.
type Controller interface {
	Train(ctx context.Context, identity string, manual bool) error
	CaptureNow(ctx context.Context) error
	CancelTraining(ctx context.Context) error
	StartRecognition(ctx context.Context) error
	SetThreshold(v float64) error
	Threshold() float64
	ClearAll(ctx context.Context) error
	Counts() map[string]int
	History() []matcher.Result
	Stats() history.Stats
	Enrollment() enroll.Progress
	Running() bool
	Exit(ctx context.Context) error
	Subscribe(buffer int) *engine.Subscription
	Unsubscribe(sub *engine.Subscription)
}

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Server wraps a chi router and the latest captured frame.
type Server struct {
	router chi.Router
	ctrl   Controller
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	frame engine.Event
}

// New creates a Server. The frame watcher runs until ctx is done.
func New(ctx context.Context, cfg Config, ctrl Controller) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", s.routes)
	s.router = r

	go s.watchFrames(ctx)
	return s, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}

	// No write timeout: the event stream is long-lived.
	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

// watchFrames keeps the newest frame for GET /frame.
func (s *Server) watchFrames(ctx context.Context) {
	sub := s.ctrl.Subscribe(1)
	defer s.ctrl.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Frames():
			if !ok {
				return
			}
			s.mu.Lock()
			s.frame = ev
			s.mu.Unlock()
		case <-sub.Events():
			// Only frames are cached here.
		}
	}
}

func (s *Server) latestFrame() engine.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}
