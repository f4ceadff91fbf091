package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medbookings/medbookings/internal/config"
	"github.com/medbookings/medbookings/internal/domain/booking"
	"github.com/medbookings/medbookings/internal/platform/db"
	"github.com/medbookings/medbookings/internal/platform/idempotency"
	"github.com/medbookings/medbookings/internal/platform/middleware"
	"github.com/medbookings/medbookings/internal/platform/telemetry"
	"github.com/medbookings/medbookings/internal/platform/validation"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// backend is the storage side of the server: the slot store plus the
// health check and cleanup that go with it.
type backend struct {
	store     booking.SlotStore
	health    echo.HandlerFunc
	poolStats telemetry.PoolStatsFunc
	close     func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("using in-memory slot store; data is lost on restart")
		return &backend{
			store: booking.NewMemoryStore(cfg.LockTimeout),
			health: func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "driver": config.DriverMemory})
			},
			close: func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &backend{
		store:  booking.NewSlotStorePG(pool, cfg.LockTimeout),
		health: db.PoolHealthHandler(pool),
		poolStats: func() (int64, int64) {
			st := pool.Stat()
			return int64(st.AcquiredConns()), int64(st.IdleConns())
		},
		close: pool.Close,
	}, nil
}

func openIdempotency(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (idempotency.Store, func()) {
	if cfg.RedisURL == "" {
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), func() {}
	}
	rdb, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, idempotency keys are per-instance")
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), func() {}
	}
	logger.Info().Msg("idempotency keys stored in redis")
	return idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL), func() { _ = rdb.Close() }
}

// newServer builds the echo instance with middleware and routes.
func newServer(cfg *config.Config, logger zerolog.Logger, be *backend, idem idempotency.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	metrics := telemetry.New()
	if be.poolStats != nil {
		metrics.SetPoolStats(be.poolStats)
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader, booking.IdempotencyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After", "Link"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", be.health)
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	arbiter := booking.NewArbiter(be.store, logger, booking.Options{
		LockRetries:  effectiveRetries(cfg.LockRetries),
		RetryBackoff: cfg.LockRetryBackoff,
		AutoConfirm:  cfg.BookingAutoConfirm,
		Observer:     metrics,
	})
	producer := booking.NewProducer(be.store, logger)
	booking.NewHandler(arbiter, producer, idem, logger).RegisterRoutes(apiV1)

	return e
}

// effectiveRetries maps LOCK_RETRIES=0 onto the arbiter's "no retries"
// setting; the arbiter reads zero as "use the default".
func effectiveRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		l := newLogger(os.Getenv("ENV"))
		l.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open slot store")
		return err
	}
	defer be.close()

	idem, closeIdem := openIdempotency(ctx, cfg, logger)
	defer closeIdem()

	e := newServer(cfg, logger, be, idem)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
