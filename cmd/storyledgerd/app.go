package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/storyledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/storyledger/internal/config"
	"github.com/MarkoPoloResearchLab/storyledger/internal/dispatch"
	"github.com/MarkoPoloResearchLab/storyledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/storyledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storyledger/internal/mirror/redismirror"
	"github.com/MarkoPoloResearchLab/storyledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/storyledger/internal/providers"
	"github.com/MarkoPoloResearchLab/storyledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storyledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	dispatchBufferPerWorker = 64
	dispatchCloseTimeout    = 10 * time.Second
)

// application holds the opened stores and the domain services built on them.
type application struct {
	cfg         config.Config
	logger      *zap.Logger
	database    *gormstore.Database
	pool        *pgxpool.Pool
	redis       *redis.Client
	engine      string
	ledger      *ledger.Service
	gate        *payments.Gate
	jobs        *jobs.Service
	maintenance *dispatch.Maintenance
}

// openApplication opens storage, brings the schema up to date and wires the services.
// SQLite always runs on GORM; Postgres runs on pgx unless the gorm engine is selected.
func openApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	database, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app := &application{cfg: cfg, logger: logger, database: database, engine: config.EngineGORM}
	if err := app.prepare(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) prepare(ctx context.Context) error {
	var (
		ledgerStore  ledger.Store
		paymentStore payments.Store
		jobStore     jobs.Store
	)
	switch app.database.Driver {
	case gormstore.DriverSQLite:
		if err := app.database.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	case gormstore.DriverPostgres:
		if err := pgstore.Migrate(app.cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if app.database.Driver == gormstore.DriverPostgres && app.cfg.PostgresEngine == config.EnginePGX {
		pool, err := pgxpool.New(ctx, app.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		app.pool = pool
		app.engine = config.EnginePGX
		if err := dispatch.MigrateRiver(ctx, pool); err != nil {
			return err
		}
		ledgerStore = pgstore.New(pool)
		paymentStore = pgstore.NewPaymentStore(pool)
		jobStore = pgstore.NewJobStore(pool)
	} else {
		ledgerStore = gormstore.New(app.database.DB)
		paymentStore = gormstore.NewPaymentStore(app.database.DB)
		jobStore = gormstore.NewJobStore(app.database.DB)
	}

	operationLogger := oplog.New(app.logger)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerOptions := []ledger.ServiceOption{ledger.WithOperationLogger(operationLogger)}
	if app.cfg.RedisAddr != "" {
		client, err := redismirror.Dial(ctx, app.cfg.RedisAddr, app.cfg.RedisPassword, app.cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		app.redis = client
		mirror, err := redismirror.New(client)
		if err != nil {
			return err
		}
		ledgerOptions = append(ledgerOptions, ledger.WithBalanceMirror(mirror))
	}
	ledgerService, err := ledger.NewService(ledgerStore, clock, ledgerOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	products, err := catalog.Load(app.cfg.CatalogPath)
	if err != nil {
		return err
	}
	gate, err := payments.NewGate(paymentStore, ledgerService, products, clock,
		payments.WithEventLogger(operationLogger),
		payments.WithDedupWindow(app.cfg.DedupWindow),
	)
	if err != nil {
		return fmt.Errorf("payment gate init: %w", err)
	}
	jobService, err := jobs.NewService(jobStore, ledgerService, clock)
	if err != nil {
		return fmt.Errorf("job service init: %w", err)
	}

	app.ledger = ledgerService
	app.gate = gate
	app.jobs = jobService
	app.maintenance = dispatch.NewMaintenance(ledgerService, gate, dispatch.MaintenanceOptions{
		Sweep:          app.cfg.SweepOptions(),
		ReprocessAfter: app.cfg.ReprocessAfter,
		ReprocessLimit: app.cfg.SweepBatchSize,
		EventRetention: app.cfg.EventRetention,
	}, app.logger)
	return nil
}

func (app *application) ready(ctx context.Context) error {
	if app.pool != nil {
		return app.pool.Ping(ctx)
	}
	return app.database.DB.WithContext(ctx).Exec("select 1").Error
}

func (app *application) Close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.pool != nil {
		app.pool.Close()
	}
	if err := app.database.Close(); err != nil {
		app.logger.Warn("database close", zap.Error(err))
	}
}

// dispatcher returns River on the pgx engine, which also schedules maintenance.
// Otherwise it returns the in-process pool and starts the maintenance ticker itself.
func (app *application) dispatcher(ctx context.Context) (dispatch.Dispatcher, error) {
	if app.pool != nil {
		return dispatch.NewRiverDispatcher(ctx, app.pool, app.gate, dispatch.RiverConfig{
			Workers:             app.cfg.DispatchWorkers,
			Maintenance:         app.maintenance,
			MaintenanceInterval: app.cfg.SweepInterval,
		}, app.logger)
	}
	go app.maintenance.RunEvery(ctx, app.cfg.SweepInterval)
	return dispatch.NewPool(app.gate, dispatch.PoolConfig{
		Workers:     app.cfg.DispatchWorkers,
		Buffer:      app.cfg.DispatchWorkers * dispatchBufferPerWorker,
		TaskTimeout: app.cfg.RequestTimeout,
	}, app.logger), nil
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := openApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	dispatcher, err := app.dispatcher(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), dispatchCloseTimeout)
		defer cancel()
		if closeErr := dispatcher.Close(closeCtx); closeErr != nil {
			logger.Warn("dispatcher close", zap.Error(closeErr))
		}
	}()

	var sessionValidator *sessionvalidator.Validator
	if cfg.WalletEnabled() {
		sessionValidator, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
	}
	registry := providers.NewRegistry(cfg.Providers, time.Now)
	if len(registry.Providers()) == 0 {
		logger.Warn("no payment provider secrets configured; webhooks will be rejected")
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins:   cfg.AllowedOrigins,
		AdminJWTSecret:   cfg.AdminJWTSecret,
		AdminJWTIssuer:   cfg.AdminJWTIssuer,
		SessionValidator: sessionValidator,
		InitialCredits:   cfg.InitialCredits,
		RequestTimeout:   cfg.RequestTimeout,
	}, httpapi.Dependencies{
		Ledger:     app.ledger,
		Gate:       app.gate,
		Providers:  registry,
		Dispatcher: dispatcher,
		Logger:     logger,
		Ready:      app.ready,
	})
	if err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpapi.Serve(serveCtx, cfg.HTTPListenAddr, router, logger)
	}()
	grpcDone := make(chan error, 1)
	var grpcServer *grpc.Server
	if cfg.GRPCListenAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			cancel()
			<-httpDone
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		grpcserver.Register(grpcServer, grpcserver.NewCreditServiceServer(app.ledger, app.jobs, logger))
		go func() {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			grpcDone <- grpcServer.Serve(listener)
		}()
	}

	var serveErr error
	httpRunning := true
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-httpDone:
		httpRunning = false
	case serveErr = <-grpcDone:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			serveErr = nil
		}
	}
	cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpRunning {
		if httpErr := <-httpDone; serveErr == nil {
			serveErr = httpErr
		}
	}
	return serveErr
}
