package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/notification"
	"github.com/ehr/intake/internal/platform/session"
	"github.com/ehr/intake/internal/platform/webhook"
	"github.com/ehr/intake/internal/platform/websocket"
)

const version = "0.1.0"

// sweepInterval is how often controllers of expired sessions are released.
const sweepInterval = time.Minute

// runtime holds the process-wide dependencies shared by serve and fill.
type runtime struct {
	pool      *pgxpool.Pool
	records   intake.RecordRepository
	store     intake.SessionStore
	redis     *redis.Client
	publisher *notification.Publisher
	sink      intake.Sink
}

func (r *runtime) Close() {
	if r.publisher != nil {
		r.publisher.Close()
	}
	if r.redis != nil {
		r.redis.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// openRuntime connects the optional record storage, the session store and
// the downstream sinks selected by cfg.
func openRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if cfg.HasRecordStorage() {
		rt.pool, err = db.NewPool(ctx, poolConfig(cfg, db.DefaultApplicationName))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.records = intake.NewRecordRepoPG(rt.pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, submitted records are only logged")
	}

	rt.store, rt.redis, err = openSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MQTTBroker != "" {
		client, err := notification.Dial(notification.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
		})
		if err != nil {
			return nil, err
		}
		rt.publisher = notification.NewPublisher(client, cfg.MQTTTopic, logger)
		logger.Info().Str("broker", cfg.MQTTBroker).Str("topic", rt.publisher.Topic()).Msg("publishing records over MQTT")
	}

	rt.sink, err = buildSink(cfg, logger, rt.records, rt.publisher)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// openSessionStore selects the in-memory or Redis session store.
func openSessionStore(ctx context.Context, cfg *config.Config) (intake.SessionStore, *redis.Client, error) {
	switch cfg.SessionStore {
	case "redis":
		client, err := session.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return session.NewRedisStore(client, session.DefaultKeyPrefix), client, nil
	case "memory", "":
		return session.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
}

// buildSink fans a record out to storage, the log, the webhook and MQTT, in
// that order. Storage and notification sinks are optional.
func buildSink(cfg *config.Config, logger zerolog.Logger, records intake.RecordRepository, publisher *notification.Publisher) (intake.Sink, error) {
	var sinks []intake.NamedSink
	if records != nil {
		sinks = append(sinks, intake.NamedSink{Name: "storage", Sink: intake.RepositorySink(records)})
	}
	sinks = append(sinks, intake.NamedSink{Name: "log", Sink: intake.LogSink(logger)})
	if cfg.WebhookURL != "" {
		hook, err := webhook.NewSink(cfg.WebhookURL, cfg.WebhookSecret, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, intake.NamedSink{Name: "webhook", Sink: hook})
	}
	if publisher != nil {
		sinks = append(sinks, intake.NamedSink{Name: "mqtt", Sink: publisher})
	}
	return intake.FanOut(sinks...), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	now := func() time.Time { return time.Now().In(loc) }

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	feed := intake.NewPhaseFeed(websocket.NewHub(logger))
	svc := intake.NewService(
		intake.NewReducer(intake.DefaultCatalog(), now),
		rt.store, rt.sink, rt.records, logger,
		intake.ServiceOptions{SessionTTL: cfg.SessionTTL, AckDelay: cfg.AckDelay, Now: now, Listener: feed},
	)
	defer svc.Shutdown()

	e := newEcho(cfg, logger, rt.pool, svc, feed)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepSessions(sweepCtx, svc, logger)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting intake server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newEcho assembles the HTTP surface. pool may be nil, in which case
// requests are not pinned to a clinic schema. feed may be nil.
func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, svc *intake.Service, feed *intake.PhaseFeed) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{"Authorization", "Content-Type", db.ClinicHeader, middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		body := map[string]interface{}{"status": "ok", "version": version}
		if feed != nil {
			body["feed_clients"] = feed.Followers()
		}
		return c.JSON(http.StatusOK, body)
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, cfg.DefaultClinic))
	}

	limiter := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	h := intake.NewHandler(svc)
	if devAuth(cfg) {
		logger.Warn().Msg("development auth enabled, every request acts as admin")
	}
	api := e.Group("/api")
	if feed != nil {
		feedGroup := api.Group("/v1", authMiddleware(cfg, auth.TokenQueryParam), limiter, db.ClinicScope(cfg.DefaultClinic))
		h.RegisterFeed(feedGroup, feed, cfg.CORSOrigins...)
	}

	apiV1 := api.Group("/v1")
	apiV1.Use(authMiddleware(cfg, ""))
	apiV1.Use(limiter)
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if pool != nil {
		apiV1.Use(db.ClinicMiddleware(pool, cfg.DefaultClinic))
	} else {
		apiV1.Use(db.ClinicScope(cfg.DefaultClinic))
	}

	h.RegisterRoutes(apiV1)
	return e
}

func devAuth(cfg *config.Config) bool {
	return cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == ""
}

// authMiddleware selects development or JWT authentication. queryParam, when
// set, also accepts the token as a query parameter.
func authMiddleware(cfg *config.Config, queryParam string) echo.MiddlewareFunc {
	if devAuth(cfg) {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		QueryParam: queryParam,
	})
}

func sweepSessions(ctx context.Context, svc *intake.Service, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.Sweep(ctx); n > 0 {
				logger.Debug().Int("released", n).Msg("released expired intake sessions")
			}
		}
	}
}

func poolConfig(cfg *config.Config, app string) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: app,
	}
}
