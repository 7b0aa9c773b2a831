package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"careflow/internal/actions"
	"careflow/internal/api"
	"careflow/internal/auth"
	"careflow/internal/config"
	"careflow/internal/database"
	"careflow/internal/hub"
	"careflow/internal/logging"
	"careflow/internal/membership"
	"careflow/internal/router"
	"careflow/internal/websocket"
)

// Application owns every component and their start/stop order.
type Application struct {
	config     *config.Config
	log        *zap.Logger
	store      *database.Manager
	gateway    *hub.Hub
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// NewApplication builds the component graph:
// database → authenticator → membership/router/registry → hub → service → API/websocket → HTTP.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.Component(logger, "app")

	mapping, err := cfg.DepartmentRoles()
	if err != nil {
		return nil, err
	}

	store, err := database.NewManager(cfg.DatabaseConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	gateway := hub.NewHub(
		websocket.NewRegistry(),
		membership.NewManager(logger),
		router.NewRouter(mapping, logger),
		hub.Options{QueueSize: cfg.Hub.QueueSize, ControlRateLimit: cfg.Hub.ControlRateLimit},
		logger,
	)

	service := actions.NewService(store, gateway, mapping, logger)
	apiServer := api.NewServer(service, authenticator, store, gateway, logger)
	wsHandler := websocket.NewHandler(authenticator, gateway, websocket.Settings{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		MaxMessage:   cfg.WebSocket.MaxMessageSize,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	return &Application{
		config:  cfg,
		log:     log,
		store:   store,
		gateway: gateway,
		handler: mux,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		serveErr: make(chan error, 1),
	}, nil
}

// Handler exposes the routed HTTP handler, e.g. for httptest servers.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// StartGateway starts only the event loop. Start calls it.
func (app *Application) StartGateway(ctx context.Context) error {
	// The gateway outlives ctx; Stop is what ends it and closes the sockets.
	if err := app.gateway.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start event gateway: %w", err)
	}
	return nil
}

// Start runs the gateway and begins serving HTTP. It returns once the
// listener is bound; serve errors are reported by Errors.
func (app *Application) Start(ctx context.Context) error {
	if err := app.StartGateway(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.gateway.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.log.Info("careflow started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Errors reports a fatal serve error after Start.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP, then the gateway (closing every
// websocket), then the database.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down")
	var errs []error

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}
	if err := app.gateway.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.log.Info("shutdown complete")
	return errors.Join(errs...)
}

// Addr is the bound address once started, the configured one before.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
