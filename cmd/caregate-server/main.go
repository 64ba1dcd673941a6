package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caregate/caregate/internal/config"
	"github.com/caregate/caregate/internal/domain/account"
	"github.com/caregate/caregate/internal/domain/oracle"
	"github.com/caregate/caregate/internal/domain/queue"
	"github.com/caregate/caregate/internal/domain/risk"
	"github.com/caregate/caregate/internal/domain/verification"
	"github.com/caregate/caregate/internal/platform/apperr"
	"github.com/caregate/caregate/internal/platform/auth"
	"github.com/caregate/caregate/internal/platform/clock"
	"github.com/caregate/caregate/internal/platform/db"
	"github.com/caregate/caregate/internal/platform/middleware"
	"github.com/caregate/caregate/internal/platform/notification"
	"github.com/caregate/caregate/internal/platform/websocket"
	"github.com/caregate/caregate/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "caregate-server",
		Short: "Doctor verification and clinic queue API server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verificationCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// connect loads and validates config and opens the database pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						at = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	})
	return cmd
}

func verificationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verification",
		Short: "Doctor verification maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Time out stalled automated checks and run due risk reassessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env)
			a := buildApp(ctx, cfg, pool, notification.NewDispatcher(logger, notification.NewLogSink(logger)), logger)
			defer a.close()

			res, err := a.verification.SweepStale(ctx)
			if err != nil {
				return err
			}
			reassessed, err := a.verification.ReassessDue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("timed out: %d, retriggered: %d, reassessed: %d\n", res.TimedOut, res.Retriggered, reassessed)
			return nil
		},
	})
	return cmd
}

// resolveSigningKey returns the HS256 key from AUTH_SIGNING_KEY (hex when it
// decodes, raw bytes otherwise). In development an empty value yields a
// random key that does not survive restarts.
func resolveSigningKey(envValue string, dev bool) ([]byte, bool, error) {
	if envValue != "" {
		if key, err := hex.DecodeString(envValue); err == nil && len(key) >= 32 {
			return key, false, nil
		}
		if len(envValue) < 32 {
			return nil, false, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
		}
		return []byte(envValue), false, nil
	}
	if !dev {
		return nil, false, fmt.Errorf("AUTH_SIGNING_KEY is required")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}

// oracleLimiter shares the per-authority window through Redis when it is
// configured and falls back to a process-local window.
func oracleLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (oracle.RateLimiter, func()) {
	if cfg.RedisURL == "" {
		return oracle.NewMemoryLimiter(cfg.OracleRateLimitPerMinute, time.Minute, nil), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL; using in-memory oracle rate limit")
		return oracle.NewMemoryLimiter(cfg.OracleRateLimitPerMinute, time.Minute, nil), func() {}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable; oracle rate limit checks will fall back to manual review until it recovers")
	}
	return oracle.NewRedisLimiter(client, cfg.OracleRateLimitPerMinute, time.Minute), func() { _ = client.Close() }
}

type app struct {
	accounts     *account.Service
	verification *verification.Service
	queue        *queue.Service
	close        func()
}

func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, notifier notification.Notifier, logger zerolog.Logger) *app {
	clk := clock.New()

	accountSvc := account.NewService(account.NewRepoPG(pool), account.Defaults{
		ConsultationMinutes: cfg.DefaultConsultationMinutes,
		MaxQueueSize:        cfg.QueueMaxSize,
	})

	limiter, closeLimiter := oracleLimiter(ctx, cfg, logger)
	adapter := oracle.NewAdapter(
		oracle.NewHTTPRegistry(cfg.OracleBaseURL, nil),
		limiter,
		oracle.Config{APIKeys: cfg.OracleKeys(), Timeout: cfg.OracleTimeout, Now: clk.Now},
		logger,
	)
	engine := risk.NewEngine(risk.Config{
		RiskLocations: cfg.RiskLocations,
		LicenseFormat: oracle.CheckFormat,
		Now:           clk.Now,
	})

	verificationSvc := verification.NewService(verification.NewRepoPG(pool), verification.Deps{
		Accounts: accountSvc,
		Risk:     engine,
		Oracle:   adapter,
		Notifier: notifier,
		Clock:    clk,
	}, verification.Config{
		AutoVerifyDelay: cfg.AutoVerifyDelay,
		StaleAfter:      cfg.AutoVerifyStaleAfter,
		PipelineTimeout: cfg.AutoVerifyStaleAfter,
	}, logger)

	queueSvc := queue.NewService(queue.NewRepoPG(pool), accountSvc, notifier, clk, queue.Config{
		DefaultConsultationMinutes: cfg.DefaultConsultationMinutes,
		MaxQueueSize:               cfg.QueueMaxSize,
	}, logger)

	return &app{
		accounts:     accountSvc,
		verification: verificationSvc,
		queue:        queueSvc,
		close: func() {
			verificationSvc.Close()
			closeLimiter()
		},
	}
}

// runSweeper periodically times out stalled automated checks and runs due
// reassessments until ctx is done.
func runSweeper(ctx context.Context, svc *verification.Service, every time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := svc.SweepStale(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("verification sweep failed")
			} else if res.TimedOut+res.Retriggered > 0 {
				logger.Info().Int("timed_out", res.TimedOut).Int("retriggered", res.Retriggered).Msg("verification sweep")
			}
			if n, err := svc.ReassessDue(ctx); err != nil {
				logger.Error().Err(err).Msg("risk reassessment failed")
			} else if n > 0 {
				logger.Info().Int("reassessed", n).Msg("risk reassessment")
			}
		}
	}
}

func runServer() error {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     "caregate@" + version,
		}); err != nil {
			logger.Error().Err(err).Msg("sentry init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	hub := websocket.NewHub(logger)
	dispatcher := notification.NewDispatcher(logger,
		notification.NewHubSink(hub),
		notification.NewLogSink(logger),
	)
	a := buildApp(ctx, cfg, pool, dispatcher, logger)
	defer a.close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = apperr.NewValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(pool, db.PoolStatsFunc(pool), version))

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		key, _, err := resolveSigningKey(cfg.AuthSigningKey, false)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid signing key")
		}
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: key,
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))

	websocket.NewHandler(hub).RegisterRoutes(e.Group("", authMW))
	notification.NewHandler(dispatcher).RegisterRoutes(apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin)))
	account.NewHandler(a.accounts).RegisterRoutes(apiV1)
	oracle.NewHandler().RegisterRoutes(apiV1)
	verification.NewHandler(a.verification).RegisterRoutes(apiV1)
	queue.NewHandler(a.queue).RegisterRoutes(apiV1)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go runSweeper(sweepCtx, a.verification, time.Minute, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
