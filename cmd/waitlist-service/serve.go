package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"qms/waitlist-service/internal/cache"
	"qms/waitlist-service/internal/config"
	"qms/waitlist-service/internal/events"
	"qms/waitlist-service/internal/geofence"
	"qms/waitlist-service/internal/httpapi"
	"qms/waitlist-service/internal/hub"
	"qms/waitlist-service/internal/notify"
	"qms/waitlist-service/internal/store"
	"qms/waitlist-service/internal/store/memory"
	"qms/waitlist-service/internal/store/postgres"
	"qms/waitlist-service/internal/telemetry"
	"qms/waitlist-service/internal/waitlist"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the waitlist HTTP and realtime server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c.cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	shutdownTelemetry := telemetry.Setup(serviceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	backend, closeBackend, err := openBackend(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer closeBackend()

	publisher := openPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("close event publishers")
		}
	}()

	snapshotCache, closeCache := openCache(ctx, cfg)
	defer closeCache()

	queue := waitlist.New(backend, waitlist.Options{
		CallTimeout:    cfg.CallTimeout,
		HistorySize:    cfg.HistorySize,
		MaxPartySize:   cfg.MaxPartySize,
		Location:       cfg.Location(),
		ResyncInterval: cfg.ResyncInterval,
		WriteTimeout:   cfg.WriteTimeout,
		Fence: geofence.Fence{
			Center:       geofence.Point{Latitude: cfg.RestaurantLat, Longitude: cfg.RestaurantLng},
			RadiusMeters: cfg.GeofenceRadiusMeters,
		},
		Events: publisher,
		Cache:  snapshotCache,
	})
	if err := queue.Start(ctx); err != nil {
		return errors.Wrap(err, "start waitlist")
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn().Err(err).Msg("close waitlist")
		}
	}()

	auth := httpapi.NewAuthenticator(httpapi.AuthConfig{
		Username:     cfg.AdminUsername,
		PasswordHash: cfg.AdminPasswordHash,
		Secret:       jwtSecret(cfg),
		TTL:          cfg.JWTTTL,
	})
	if cfg.AdminPasswordHash == "" {
		log.Warn().Msg("ADMIN_PASSWORD_HASH not set; admin login disabled")
	}

	realtime := httpapi.NewRealtime(hub.New(), auth)
	detach := realtime.Attach(queue)
	defer detach()

	handler := httpapi.NewHandler(queue, httpapi.Options{Auth: auth, Realtime: realtime})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	// WriteTimeout stays unset so SockJS streaming responses are not cut off.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("waitlist-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}

// openBackend connects to PostgreSQL when DB_DSN is set and falls back to the
// in-memory store otherwise.
func openBackend(ctx context.Context, cfg config.Config, migrate bool) (store.Backend, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DB_DSN not set; using in-memory store")
		return memory.NewStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db connect")
	}
	if migrate {
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Strs("applied", applied).Msg("migrations applied")
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func openPublisher(cfg config.Config) events.Publisher {
	notifier := notify.New(notify.Config{
		Provider:    notify.NewProvider(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken),
		Language:    cfg.NotifyLanguage,
		CallTimeout: cfg.CallTimeout,
	})
	publishers := events.Multi{notifier}

	if cfg.NATSURL == "" {
		return publishers
	}
	bus, err := events.NewNATSBus(cfg.NATSURL)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats unavailable; lifecycle events not published")
		return publishers
	}
	log.Info().Str("url", cfg.NATSURL).Msg("publishing lifecycle events to nats")
	return append(publishers, bus)
}

func openCache(ctx context.Context, cfg config.Config) (waitlist.SnapshotCache, func()) {
	if cfg.RedisAddr == "" {
		return nil, func() {}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := cache.NewRedisClient(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable; snapshot cache disabled")
		return nil, func() {}
	}
	return cache.NewRedisCache(client, cfg.CacheKey, cfg.CacheTTL), func() { _ = client.Close() }
}

func jwtSecret(cfg config.Config) []byte {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Error().Err(err).Msg("generate jwt secret")
		return nil
	}
	log.Warn().Msg("JWT_SECRET not set; admin tokens will not survive a restart")
	return secret
}
