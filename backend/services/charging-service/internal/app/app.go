package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "evpay/backend/libs/db"
	libredis "evpay/backend/libs/redis"
	"evpay/backend/services/charging-service/internal/clients"
	"evpay/backend/services/charging-service/internal/clock"
	"evpay/backend/services/charging-service/internal/config"
	httpserver "evpay/backend/services/charging-service/internal/http"
	"evpay/backend/services/charging-service/internal/http/handlers"
	"evpay/backend/services/charging-service/internal/monitor"
	"evpay/backend/services/charging-service/internal/payment"
	"evpay/backend/services/charging-service/internal/payment/gateway"
	"evpay/backend/services/charging-service/internal/points"
	"evpay/backend/services/charging-service/internal/pricing"
	redisstore "evpay/backend/services/charging-service/internal/redis"
	"evpay/backend/services/charging-service/internal/repository"
	"evpay/backend/services/charging-service/internal/repository/memory"
	"evpay/backend/services/charging-service/internal/repository/postgres"
	"evpay/backend/services/charging-service/internal/sessions"
	"evpay/backend/services/charging-service/internal/telemetry"
	"evpay/backend/services/charging-service/internal/wallet"
	"evpay/backend/services/charging-service/internal/ws"
)

// App wires charging-service dependencies.
type App struct {
	cfg         *config.Config
	server      *httpserver.Server
	scheduler   *monitor.Scheduler
	hub         *ws.Hub
	payments    *payment.Orchestrator
	db          *sql.DB
	redisClient *redis.Client
	stopWS      context.CancelFunc
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	clk := clock.System{}
	store, err := a.openStore(clk)
	if err != nil {
		return nil, err
	}

	rules, err := cfg.PricingRules()
	if err != nil {
		return nil, err
	}
	engine := pricing.NewEngine(rules, clk)
	telemetrySvc := telemetry.NewService(store, telemetry.NewEstimator(engine, cfg.Sessions.BatteryKWh), clk, logger)
	ledger := wallet.NewLedger(store, clk, logger)

	httpClient := clients.NewDefaultHTTPClient(cfg.Clients.Timeout)
	tries := uint(cfg.Clients.MaxTries)

	var (
		notifier  sessions.Notifier
		alerts    monitor.AlertSink
		incidents sessions.IncidentReporter
	)
	if cfg.Clients.NotificationURL != "" {
		nc := clients.NewNotificationClient(cfg.Clients.NotificationURL, httpClient, tries)
		notifier, alerts = nc, nc
	} else {
		logger.Warn("notification service not configured, events are dropped")
	}
	if cfg.Clients.IncidentURL != "" {
		incidents = clients.NewIncidentClient(cfg.Clients.IncidentURL, httpClient, tries)
	} else {
		logger.Warn("incident service not configured, emergency stops are not reported")
	}

	a.hub = ws.NewHub(logger)
	publishers := fanout{a.hub}
	if cfg.RedisEnabled() {
		a.redisClient, err = libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, redisstore.NewStore(a.redisClient, cfg.Redis.TTL))
	}

	a.scheduler = monitor.NewScheduler(monitor.Config{
		Interval:       cfg.Monitor.Interval,
		Workers:        cfg.Monitor.Workers,
		MaxTemperature: cfg.Monitor.MaxTemperature,
		LowPowerKW:     cfg.Monitor.LowPowerKW,
		LowPowerFor:    cfg.Monitor.LowPowerFor,
		MaxDuration:    cfg.Monitor.MaxDuration,
	}, telemetrySvc, alerts, publishers, clk, logger)

	sessionsSvc := sessions.NewService(sessions.Deps{
		Store:           store,
		Pricing:         engine,
		Clock:           clk,
		Monitor:         a.scheduler,
		Notifier:        notifier,
		Incidents:       incidents,
		Publisher:       publishers,
		BatteryKWh:      cfg.Sessions.BatteryKWh,
		DefaultMaxPause: cfg.Sessions.DefaultMaxPause,
	}, logger)
	a.scheduler.SetController(sessionsSvc)

	a.payments = payment.NewOrchestrator(payment.Deps{
		Store:      store,
		Ledger:     ledger,
		Gateways:   a.gateways(clk, httpClient),
		Clock:      clk,
		PendingTTL: cfg.Payments.PendingTTL,
	}, logger)

	wsCtx, stopWS := context.WithCancel(context.Background())
	a.stopWS = stopWS
	wsServer := ws.NewServer(wsCtx, a.hub, sessionsSvc, cfg.WS.WriteTimeout, logger)

	router := httpserver.NewRouter(httpserver.Routes{
		Sessions: handlers.NewSessionsHandler(sessionsSvc, telemetrySvc, logger),
		Payments: handlers.NewPaymentsHandler(a.payments, logger),
		Wallet:   handlers.NewWalletHandler(ledger, logger),
		Points:   handlers.NewPointsHandler(points.NewService(store, logger), logger),
		WS:       wsServer.HandleWS,
		Health:   handlers.NewHealthHandler(),
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	logger.Info("charging service wired",
		zap.String("storage", cfg.StorageDriver()),
		zap.Bool("redis", cfg.RedisEnabled()),
		zap.Any("gateways", a.payments.Gateways().Methods()),
	)
	ok = true
	return a, nil
}

func (a *App) openStore(clk clock.Clock) (repository.Store, error) {
	if a.cfg.StorageDriver() == config.DriverMemory {
		store := memory.New()
		if a.cfg.Storage.SeedDemo {
			if err := seedDemo(context.Background(), store, clk.Now()); err != nil {
				return nil, err
			}
		}
		a.logger.Warn("using in-memory storage, data is lost on restart")
		return store, nil
	}

	sqlDB, err := libdb.NewPostgresDB(a.cfg.Database.DSN, libdb.PoolOptions{MaxOpenConns: a.cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	a.db = sqlDB
	store := postgres.NewStore(sqlDB)
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// gateways registers every provider that has credentials configured.
func (a *App) gateways(clk clock.Clock, httpClient *http.Client) *gateway.Registry {
	pc := a.cfg.Payments
	reg := gateway.NewRegistry()
	if pc.VNPay.TmnCode != "" {
		reg.Register(gateway.NewVNPay(gateway.VNPayConfig{
			TmnCode:    pc.VNPay.TmnCode,
			HashSecret: pc.VNPay.HashSecret,
			PayURL:     pc.VNPay.PayURL,
			ReturnURL:  pc.VNPay.ReturnURL,
		}, clk))
	}
	if pc.MoMo.PartnerCode != "" {
		reg.Register(gateway.NewMoMo(gateway.MoMoConfig{
			PartnerCode: pc.MoMo.PartnerCode,
			AccessKey:   pc.MoMo.AccessKey,
			SecretKey:   pc.MoMo.SecretKey,
			Endpoint:    pc.MoMo.Endpoint,
			RedirectURL: pc.MoMo.RedirectURL,
			IPNURL:      pc.MoMo.IPNURL,
			MaxTries:    uint(pc.MoMo.MaxTries),
		}, httpClient))
	}
	if pc.Stripe.SecretKey != "" {
		reg.Register(gateway.NewStripe(gateway.StripeConfig{
			SecretKey:     pc.Stripe.SecretKey,
			WebhookSecret: pc.Stripe.WebhookSecret,
			SuccessURL:    pc.Stripe.SuccessURL,
			CancelURL:     pc.Stripe.CancelURL,
			Currency:      pc.Stripe.Currency,
		}, httpClient))
	}
	if pc.Mock.Enabled {
		reg.Register(gateway.NewMock(gateway.MockConfig{
			Secret:    pc.Mock.Secret,
			PayURL:    pc.Mock.PayURL,
			ReturnURL: pc.Mock.ReturnURL,
		}))
	}
	return reg
}

// Run starts the HTTP server, the session scheduler, the websocket hub and the
// pending-payment sweeper. The first failure stops the rest.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.payments.RunExpiry(gctx, a.cfg.Payments.ExpiryInterval) })
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.stopWS != nil {
		a.stopWS()
	}
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
