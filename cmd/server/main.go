package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dztow/backend/internal/ai"
	"github.com/dztow/backend/internal/config"
	"github.com/dztow/backend/internal/db"
	"github.com/dztow/backend/internal/geocode"
	httpapi "github.com/dztow/backend/internal/http"
	"github.com/dztow/backend/internal/messaging"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/notify"
	"github.com/dztow/backend/internal/presence"
	"github.com/dztow/backend/internal/pubsub"
	"github.com/dztow/backend/internal/ratelimit"
	"github.com/dztow/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "dztow-backend").Logger()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer store.Close()

	publisher := openPublisher(ctx, cfg, logger)
	defer publisher.Close()

	policy, err := notify.ParsePermission(cfg.NotifyDefaultGrant)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid NOTIFY_DEFAULT_GRANT, using default")
		policy = notify.PermissionDefault
	}
	registry := notify.NewRegistry(publisher, policy)
	gateway := notify.NewGateway(publisher, registry, logger, 0)
	gateway.Start()

	model := presence.NewModel(store, logger, cfg.SubscriptionRetryDelay)
	go model.Run(ctx)

	var geocoder geocode.Reverser
	if cfg.GeocodeEnabled {
		geocoder = &geocode.NominatimGeocoder{BaseURL: cfg.GeocoderURL, MinInterval: time.Second}
		logger.Info().Str("url", cfg.GeocoderURL).Msg("reverse geocoding enabled")
	}

	coordinator := &service.Coordinator{
		Store:      store,
		Presence:   model,
		Geocoder:   geocoder,
		Events:     gateway,
		Logger:     logger,
		RetryDelay: cfg.SubscriptionRetryDelay,
	}
	channel := &messaging.Channel{
		Store:      store,
		Events:     gateway,
		Logger:     logger,
		RetryDelay: cfg.SubscriptionRetryDelay,
		Fallback: models.LocationPayload{
			Lat:   cfg.FallbackLat,
			Lng:   cfg.FallbackLng,
			Label: messaging.DefaultFallback.Label,
		},
	}

	var assistant ai.Assistant
	switch {
	case cfg.AIURL == "":
		assistant = ai.MockAdapter{}
		logger.Info().Msg("using mock AI assistant")
	case cfg.AIModel != "":
		assistant = ai.OpenAICompatAssistant{BaseURL: cfg.AIURL, Model: cfg.AIModel, APIKey: cfg.AIAPIKey}
	default:
		assistant = ai.HTTPAdapter{BaseURL: cfg.AIURL}
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rl, err := ratelimit.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "dztow:support", cfg.SupportRateLimit, cfg.SupportRateWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure rate limiter")
		}
		defer rl.Close()
		limiter = rl
	} else {
		limiter = ratelimit.NewMemory(cfg.SupportRateLimit, cfg.SupportRateWindow)
		logger.Info().Msg("using in-memory support rate limiter")
	}
	support := &service.Support{Assistant: assistant, Limiter: limiter, Logger: logger}

	router := httpapi.Router(cfg, store, model, coordinator, channel, registry, support, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Request contexts derive from ctx: ending it lets open event streams return.
	stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	gateway.Close()
	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (db.Store, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return db.NewMemoryStore(), nil
	case "postgres":
		store, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "firestore":
		return db.NewFirestore(ctx, cfg.FirestoreProject)
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func openPublisher(ctx context.Context, cfg config.Config, logger zerolog.Logger) pubsub.Publisher {
	if cfg.AMQPURL == "" {
		logger.Info().Msg("AMQP_URL not set, events are logged only")
		return pubsub.NewFallback(logger)
	}
	conn, err := pubsub.DialWithRetry(ctx, pubsub.ConnectionOptions{
		URL:           cfg.AMQPURL,
		RetryAttempts: 5,
		Delay:         time.Second,
		Logger:        logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("rabbit unreachable, events are logged only")
		return pubsub.NewFallback(logger)
	}
	pub, err := pubsub.New(conn, cfg.AMQPExchange, logger)
	if err != nil {
		_ = conn.Close()
		logger.Warn().Err(err).Msg("rabbit publisher setup failed, events are logged only")
		return pubsub.NewFallback(logger)
	}
	return pub
}
