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
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/teaching-identity/idp/api"
	"github.com/teaching-identity/idp/claims"
	"github.com/teaching-identity/idp/config"
	"github.com/teaching-identity/idp/internal/metrics"
	"github.com/teaching-identity/idp/internal/otp"
	"github.com/teaching-identity/idp/internal/ratelimit"
	"github.com/teaching-identity/idp/journey"
	"github.com/teaching-identity/idp/matching"
	"github.com/teaching-identity/idp/mongodb"
	"github.com/teaching-identity/idp/registry"
	"github.com/teaching-identity/idp/services"
	"github.com/teaching-identity/idp/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	tp, err := tracing.InitTracerProvider("teaching-identity-idp")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracer provider")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracer provider")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, db, err := mongodb.Connect(connectCtx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect from MongoDB")
		}
	}()

	journeyRepo, err := mongodb.NewJourneyRepository(connectCtx, db, cfg.JourneyTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize journey repository")
	}
	pinRepo, err := mongodb.NewPinRepository(connectCtx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pin repository")
	}
	userRepo, err := mongodb.NewUserRepository(connectCtx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize user repository")
	}

	policies := ratelimit.Policies{
		ratelimit.OpPinGeneration:   {Limit: int64(cfg.PinGenerateLimit), Window: cfg.PinRateWindow()},
		ratelimit.OpPinVerification: {Limit: int64(cfg.PinVerifyLimit), Window: cfg.PinRateWindow()},
		ratelimit.OpStaffSignIn:     {Limit: int64(cfg.StaffSignInLimit), Window: cfg.PinRateWindow()},
	}
	limiter, err := buildLimiter(connectCtx, cfg, policies, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rate limiter")
	}

	pins := otp.NewService(pinRepo, limiter, otp.LogSender{}, cfg.PinLength, cfg.PinLifetime())

	registryClient := registry.NewHTTPClient(cfg.RegistryBaseURL, cfg.RegistryAPIKey, cfg.RegistryTimeout())
	matcher := matching.NewMatcher(registryClient, userRepo)

	steps := journey.DefaultRegistry(journey.Options{InstitutionDomains: cfg.InstitutionDomains()})
	engine := journey.NewEngine(steps, cfg.BaseURL, cfg.LandingPath)

	journeys := services.NewJourneyService(journeyRepo, engine)
	users := services.NewUserService(userRepo, limiter)

	metrics.Register(prometheus.DefaultRegisterer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handlers := api.NewHandlers(journeys, users, engine, pins, matcher, claims.NewIssuer())
	handlers.Register(e)

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting identity provider")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func setupLogging(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// buildLimiter selects the attempt-counter backend. In-process counters are
// only correct for a single instance; anything horizontally scaled needs
// redis or mongo, or the per-address budgets multiply by the instance count.
func buildLimiter(ctx context.Context, cfg *config.ServerConfig, policies ratelimit.Policies, db *mongo.Database) (ratelimit.Limiter, error) {
	switch cfg.RateLimitBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis rate limiter")
		return ratelimit.NewRedisLimiter(client, "idp", policies), nil
	case "mongo":
		log.Info().Msg("Using MongoDB rate limiter")
		return mongodb.NewRateLimitStore(ctx, db, policies)
	default:
		log.Info().Msg("Using in-process rate limiter")
		return ratelimit.NewMemoryLimiter(policies), nil
	}
}
