package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "crmpulse/controllers"
	"crmpulse/middleware"
)

// Handlers bundles the controllers mounted by SetupRoutes.
type Handlers struct {
	Integrations *controller.IntegrationController
	OAuth        *controller.OAuthController
	Import       *controller.ImportController
	Sync         *controller.SyncController
	Webhooks     *controller.WebhookController
	Conversions  *controller.ConversionController
}

// Options carries the settings the route table needs from config.
type Options struct {
	JWTSecret string
	// RateLimitPerMin caps authenticated API calls per user and route.
	RateLimitPerMin int
	// LimiterStorage shares limiter counters between instances. Nil keeps
	// them in memory.
	LimiterStorage fiber.Storage
}

var requestLog = logger.Config{
	Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
}

func SetupAPIRoutes(app *fiber.App, h Handlers, opts Options) {
	api := app.Group("/api/v1",
		middleware.Protected(opts.JWTSecret),
		logger.New(requestLog),
		middleware.APIRateLimiter(opts.RateLimitPerMin, time.Minute, opts.LimiterStorage),
	)

	integrations := api.Group("/integrations")
	integrations.Get("/", h.Integrations.ListIntegrations)
	integrations.Post("/", h.Integrations.CreateIntegration)
	integrations.Delete("/:id", h.Integrations.DeleteIntegration)
	integrations.Post("/:id/test", h.Integrations.TestIntegration)
	integrations.Post("/:id/sync", h.Integrations.SyncIntegration)

	oauth := api.Group("/oauth")
	oauth.Get("/amocrm", h.OAuth.StartAmoCRM)
	oauth.Get("/amocrm/callback", h.OAuth.AmoCRMCallback)

	imports := api.Group("/import")
	imports.Post("/csv/analyze", h.Import.AnalyzeCSV)
	imports.Post("/csv", h.Import.ImportCSV)

	conversions := api.Group("/conversions")
	conversions.Post("/", h.Conversions.SendConversion)
	conversions.Post("/lead-status", h.Conversions.UpdateLeadStatus)
	conversions.Get("/test", h.Conversions.TestPixel)

	sync := api.Group("/sync")
	sync.Post("/manual", h.Sync.ManualSync)
	sync.Get("/runs", h.Sync.ListRuns)
	sync.Get("/progress/ws", controller.RequireUpgrade, websocket.New(h.Sync.ProgressWS))

	logrus.Info("API routes initialized")
}

// SetupWebhookRoutes mounts the unauthenticated inbound hooks. Each handler
// checks its own signature.
func SetupWebhookRoutes(app *fiber.App, h Handlers) {
	hooks := app.Group("/webhooks", logger.New(requestLog))
	hooks.Get("/amocrm/disconnect", h.Webhooks.AmoCRMDisconnect)
	hooks.Post("/crm-events", h.Webhooks.CRMEvent)
}

func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupWebhookRoutes(app, h)
	SetupAPIRoutes(app, h, opts)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
