package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"flowbit.dev/internal/audit"
	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/config"
	"flowbit.dev/internal/httpapi"
	"flowbit.dev/internal/limiter"
	"flowbit.dev/internal/obs"
	"flowbit.dev/internal/registry"
	"flowbit.dev/internal/store/pg"
	"flowbit.dev/internal/tickets"
	"flowbit.dev/internal/workflow"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health and workflow watchdog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgPath)
		},
	}

	root := &cobra.Command{
		Use:           "flowbit-api",
		Short:         "Multi-tenant support ticket API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "optional config file (yaml, json or toml)")
	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowbit-api %s (%s)\n", version, commit)
		},
	})
	return root
}

type stores struct {
	users   auth.UserStore
	tickets tickets.Store
	audit   audit.Store
	ready   httpapi.ReadyProbe
	close   func() error
}

func openStores(cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn("database.dsn not set, using in-memory stores")
		return stores{
			users:   auth.NewInMemoryUsers(),
			tickets: tickets.NewInMemory(),
			audit:   audit.NewInMemory(),
			close:   func() error { return nil },
		}, nil
	}
	db, err := pg.Open(cfg.DatabaseDSN)
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	return stores{
		users:   db,
		tickets: db,
		audit:   db.Audit(),
		ready:   httpapi.ReadyProbe{DB: db.DB()},
		close:   db.Close,
	}, nil
}

func openLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (limiter.Limiter, func() error) {
	policy := limiter.Policy{
		MaxFailures: cfg.Login.MaxFailures,
		Window:      cfg.Login.Window,
		BlockFor:    cfg.Login.BlockFor,
	}
	if cfg.RedisAddr == "" {
		return limiter.NewMemory(policy), func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, login limiter will retry per request",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return limiter.NewRedis(client, policy), client.Close
}

func warnInsecureDefaults(cfg config.Config, logger *zap.Logger) {
	if cfg.UsesDefaultWebhookSecret() {
		logger.Warn("webhook.secret is not set, callbacks accept the built-in default secret; set WEBHOOK_SECRET")
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	restore := obs.SetLogger(logger)
	defer restore()
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	warnInsecureDefaults(cfg, logger)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	lim, closeLimiter := openLimiter(ctx, cfg, logger)
	defer func() { _ = closeLimiter() }()

	authSvc, err := auth.NewService(st.users, cfg.Auth.JWTSecret,
		auth.WithRefreshSecret(cfg.Auth.JWTRefreshSecret),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithMaxRefreshTokens(cfg.Auth.MaxRefreshTokens),
		auth.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	engine, err := workflow.NewClient(cfg.Workflow.EngineURL,
		workflow.WithAPIKey(cfg.Workflow.APIKey),
		workflow.WithTimeout(cfg.Workflow.Timeout),
	)
	if err != nil {
		return err
	}
	dispatcher := workflow.NewDispatcher(st.tickets, engine,
		workflow.WithCallbackURL(cfg.Workflow.CallbackURL),
		workflow.WithTriggerTimeout(cfg.Workflow.Timeout),
		workflow.WithMaxAttempts(cfg.Workflow.MaxAttempts),
		workflow.WithDispatcherLogger(logger),
	)
	callbacks, err := workflow.NewCallbacks(cfg.Webhook.Secret, st.tickets, logger)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:      authSvc,
		Tickets:   tickets.NewService(st.tickets, tickets.WithNotifier(dispatcher)),
		Audit:     audit.NewRecorder(st.audit, logger),
		Registry:  registry.LoadOrDefault(cfg.Registry.Path, logger),
		Callbacks: callbacks,
		Workflow:  dispatcher,
		Limiter:   lim,
		Ready:     st.ready,
		Logger:    logger,
	},
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithTrustedProxies(cfg.TrustedProxies...),
		httpapi.WithVersion(version),
	)
	if err != nil {
		return err
	}

	watchdog := workflow.NewWatchdog(st.tickets, dispatcher,
		workflow.WithSchedule(cfg.Workflow.WatchdogSpec),
		workflow.WithCallbackTimeout(cfg.Workflow.CallbackTimeout),
	)
	if err := watchdog.Start(ctx); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}
	defer watchdog.Stop()

	health := httpapi.NewHealthServer(st.ready, logger)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go health.Watch(healthCtx, 10*time.Second)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	logger.Info("flowbit-api started",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.Bool("postgres", cfg.DatabaseDSN != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	stopHealth()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return runErr
}
