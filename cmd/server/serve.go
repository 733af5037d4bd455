package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"funnel-automation/backend/internal/api"
	"funnel-automation/backend/internal/auth"
	"funnel-automation/backend/internal/config"
	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/internal/events"
	"funnel-automation/backend/internal/logging"
	"funnel-automation/backend/internal/mcp"
	"funnel-automation/backend/internal/metrics"
	"funnel-automation/backend/internal/reconciler"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/internal/services"
	"funnel-automation/backend/internal/telemetry"
	"funnel-automation/backend/internal/tls"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook ingress and MCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"engine_url", cfg.Engine.URL,
	)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	repo, err := initRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Metrics and the transition bus
	m := metrics.New()
	bus := events.NewBus(logger.Entry())
	bus.Subscribe(m.HandleTransition)
	if err := bus.Boot(ctx); err != nil {
		return fmt.Errorf("event bus failed to start: %w", err)
	}
	defer bus.Close()

	// Service layer
	engineClient := engine.NewClient(cfg.Engine.URL,
		engine.WithToken(cfg.Engine.APIKey),
		engine.WithTimeout(cfg.Engine.Timeout),
	)
	validator := services.NewValidator(repo, repo, engineClient,
		services.WithFailureThreshold(cfg.Validation.FailureWindow, cfg.Validation.FailureThreshold),
		services.WithValidatorLogger(logger.With("component", "validator")),
	)
	orchestrator := services.NewOrchestrator(repo, engineClient, validator,
		services.WithPublisher(bus),
		services.WithRecorder(m),
		services.WithLogger(logger.With("component", "orchestrator")),
	)
	ingress := services.NewIngress(repo, orchestrator, m, logger.With("component", "ingress"))
	stats := services.NewStatsAggregator(repo)

	logger.Info("Service layer initialized")

	var sweeper *reconciler.Sweeper
	if cfg.Reconciler.Enabled {
		sweeper, err = reconciler.NewSweeper(repo, orchestrator, cfg.Reconciler.Schedule, cfg.Reconciler.BatchSize, logger.Entry())
		if err != nil {
			return fmt.Errorf("reconciler initialization failed: %w", err)
		}
		sweeper.Start()
		logger.Info("Reconciler started", "schedule", cfg.Reconciler.Schedule)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))

	authz, err := auth.New(ctx, cfg, repo, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiServer := api.NewServer(repo, orchestrator, ingress, stats, logger.With("component", "api"))
	api.RegisterPublicHandlers(e, apiServer)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, apiServer)

	logger.Info("REST API handlers mounted")

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}

	mcpServer := mcp.NewServer(orchestrator, ingress, stats)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpGroup := e.Group("/mcp")
	mcpGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	mcpGroup.Any("", echo.WrapHandler(mcpHandlers))
	mcpGroup.Any("/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			serverErrors <- fmt.Errorf("tls setup failed: %w", err)
			return
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sweeper != nil {
			sweeper.Stop(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
	return nil
}

func initRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	if cfg.DB.Driver == "memory" {
		logger.Warn("Using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}
	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("Database connected")
	return store, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "database", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
