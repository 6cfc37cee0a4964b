package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"realtimeService/pkg/api"
)

type Options struct {
	AllowedOrigins  []string
	SendBufferSize  int
	AuthTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	router   *chi.Mux
	hub      *api.Hub
	chat     *api.ChatService
	calls    *api.CallCoordinator
	gateway  *api.Gateway
	log      *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	options  Options

	// Sessions outlive the upgrade request, so they run on this context.
	baseCtx context.Context
}

func NewServer(router *chi.Mux, hub *api.Hub, chat *api.ChatService, calls *api.CallCoordinator, gateway *api.Gateway, log *slog.Logger, options Options) *Server {
	if options.AuthTimeout <= 0 {
		options.AuthTimeout = 5 * time.Second
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		router:   router,
		hub:      hub,
		chat:     chat,
		calls:    calls,
		gateway:  gateway,
		log:      log,
		validate: validator.New(),
		options:  options,
		baseCtx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8092,
			WriteBufferSize: 8092,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.Routes()
	return s
}

// Handler returns the root handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully and closes
// every open session.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	server := &http.Server{Addr: addr, Handler: s.router}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("Listening", "addr", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// Shutdown signal with a grace period
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("Server stopped")
	return nil
}
