package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"crmpulse/config"
	controller "crmpulse/controllers"
	"crmpulse/crm"
	"crmpulse/crm/amocrm"
	"crmpulse/crm/hubspot"
	"crmpulse/crm/salesforce"
	"crmpulse/locker"
	"crmpulse/middleware"
	"crmpulse/pixel"
	"crmpulse/routes"
	"crmpulse/services"
	"crmpulse/store"
	"crmpulse/utils"
	"crmpulse/worker"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("service", "crmpulse")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Environment != "production" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.WithError(err).Warn("sentry disabled")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	st := store.New(db)

	cipher, err := utils.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		log.WithError(err).Fatal("invalid encryption key")
	}

	// Redis shares refresh locks and rate-limit counters between replicas.
	var (
		lock           locker.Locker = locker.NewLocal()
		limiterStorage fiber.Storage
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer rdb.Close()
		lock = locker.NewRedisLocker(rdb, "crmpulse:lock:")
		limiterStorage = middleware.NewRedisStorage(rdb, "crmpulse:limiter:")
	}

	httpOpts := crm.HTTPOptions{Timeout: cfg.Sync.HTTPTimeout}
	oauthCfg := amocrm.OAuthConfig{
		ClientID:     cfg.AmoCRM.ClientID,
		ClientSecret: cfg.AmoCRM.ClientSecret,
		RedirectURI:  cfg.AmoCRM.RedirectURI,
	}
	registry := crm.NewRegistry()
	registry.Register(crm.ProviderAmoCRM, amocrm.Factory(amocrm.Options{
		OAuth:             oauthCfg,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		QueueDepth:        cfg.Sync.QueueDepth,
		HTTP:              httpOpts,
		Lookahead:         cfg.Sync.RefreshLookahead,
		Locker:            lock,
		Logger:            log,
	}))
	registry.Register(crm.ProviderHubSpot, hubspot.Factory(hubspot.Options{
		BaseURL:           cfg.HubSpotBaseURL,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		QueueDepth:        cfg.Sync.QueueDepth,
		HTTP:              httpOpts,
		Logger:            log,
	}))
	registry.Register(crm.ProviderSalesforce, salesforce.Factory(salesforce.Options{
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		QueueDepth:        cfg.Sync.QueueDepth,
		HTTP:              httpOpts,
		Logger:            log,
	}))

	sink := pixel.New(pixel.Config{
		GraphURL:      cfg.Pixel.GraphURL,
		Version:       cfg.Pixel.Version,
		PixelID:       cfg.Pixel.PixelID,
		AccessToken:   cfg.Pixel.AccessToken,
		TestEventCode: cfg.Pixel.TestEventCode,
	}, &http.Client{Timeout: cfg.Sync.HTTPTimeout}, log)
	if !sink.Enabled() {
		log.Info("conversion pixel not configured, won deals and lead events will not be forwarded")
	}

	hub := services.NewProgressHub()
	importer := services.NewImportService(st, log)
	syncSvc := services.NewSyncService(services.SyncConfig{
		Store:       st,
		Registry:    registry,
		Cipher:      cipher,
		Importer:    importer,
		Sink:        sink,
		Progress:    hub,
		Logger:      log,
		Concurrency: cfg.Sync.Concurrency,
		BatchSize:   cfg.Sync.BatchSize,
	})

	webhooks, err := controller.NewWebhookController(st, cfg.AmoCRM.ClientID, cfg.AmoCRM.ClientSecret, cfg.WebhookSecret, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build webhook controller")
	}
	oauth := controller.NewOAuthController(st, cipher, oauthCfg, cfg.AmoCRM.Subdomain, cfg.FrontendURL, log)
	oauth.HTTP = httpOpts
	handlers := routes.Handlers{
		Integrations: controller.NewIntegrationController(st, registry, cipher, syncSvc, log),
		OAuth:        oauth,
		Import:       controller.NewImportController(importer, hub, int64(cfg.ImportMaxUploadSize), log),
		Sync:         controller.NewSyncController(st, syncSvc, hub, log),
		Webhooks:     webhooks,
		Conversions:  controller.NewConversionController(sink, st, log),
	}

	app := fiber.New(fiber.Config{
		AppName:   "crmpulse",
		BodyLimit: cfg.ImportMaxUploadSize + 1<<20,
	})
	app.Use(recover.New())
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.AllowedOrigins
	app.Use(middleware.CORS(corsCfg))

	routes.SetupRoutes(app, handlers, routes.Options{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitAPIPerMin,
		LimiterStorage:  limiterStorage,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.NewSyncWorker(syncSvc, cfg.Sync.Interval, log).Start(ctx)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("shutting down")
		cancel()
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	log.WithField("port", cfg.ServerPort).Info("server starting")
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
}
