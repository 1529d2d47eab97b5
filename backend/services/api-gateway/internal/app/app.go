package app

import (
	"context"

	"go.uber.org/zap"

	"evpay/backend/services/api-gateway/internal/clients"
	"evpay/backend/services/api-gateway/internal/config"
	httpserver "evpay/backend/services/api-gateway/internal/http"
	"evpay/backend/services/api-gateway/internal/http/handlers"
	"evpay/backend/services/api-gateway/internal/http/middleware"
)

// App wires API gateway dependencies.
type App struct {
	server *httpserver.Server
	logger *zap.Logger
}

// New constructs application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	upstream, err := cfg.ChargingURL()
	if err != nil {
		return nil, err
	}
	httpClient := clients.NewDefaultHTTPClient(cfg.HTTPTimeout())
	chargingClient := clients.NewChargingClient(upstream.String(), httpClient, uint(cfg.HTTPClient.MaxTries))

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Charging:      handlers.NewChargingHandlers(chargingClient, upstream, logger),
		HealthHandler: handlers.NewHealthHandler(),
	}, middleware.AuthMiddleware(cfg.JWT.Secret))

	server := httpserver.NewServer(
		cfg.HTTPAddress(),
		router,
		logger,
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)

	return &App{
		server: server,
		logger: logger,
	}, nil
}

// Run starts serving HTTP traffic.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources (none yet).
func (a *App) Close() {}
