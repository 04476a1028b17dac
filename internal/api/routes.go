package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/api/handlers"
	"github.com/whadgest/whadgest-backend/internal/api/middleware"
	"github.com/whadgest/whadgest-backend/internal/config"
)

// Deps are the collaborators the HTTP layer is built from
type Deps struct {
	Devices  middleware.DeviceAuthenticator
	Tokens   middleware.TokenValidator
	Health   handlers.HealthChecker
	Ingest   *handlers.IngestHandler
	Summary  *handlers.SummaryHandlers
	Admin    *handlers.AdminHandlers
	Logger   *logrus.Logger
	Server   config.ServerConfig
	LogStdio bool
}

// NewApp creates the fiber application with all routes
func NewApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "whadgest backend",
		ErrorHandler: handlers.ErrorHandler(deps.Logger),
		BodyLimit:    8 * 1024 * 1024,
	})

	app.Use(recover.New())
	if deps.LogStdio {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: deps.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	SetupRoutes(app, deps)
	return app
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps Deps) {
	api := app.Group("/api/v1")

	// ========================================
	// Public routes
	// ========================================

	api.Get("/health", handlers.Health(deps.Health))
	api.Get("/health/ready", handlers.Ready(deps.Health))
	api.Get("/health/live", handlers.Live)
	api.Post("/admin/login", middleware.LoginRateLimit(), deps.Admin.Login)

	// ========================================
	// Device routes
	// ========================================

	deviceAuth := middleware.DeviceAuth(deps.Devices, false, deps.Logger)

	api.Post("/messages/ingest", deviceAuth, middleware.IngestRateLimit(deps.Server.IngestRate), deps.Ingest.Ingest)

	summaries := api.Group("/summaries")
	// The feed accepts ?token= since browsers cannot set headers on websockets.
	summaries.Get("/feed",
		middleware.DeviceAuth(deps.Devices, true, deps.Logger),
		deps.Summary.FeedUpgrade,
		websocket.New(deps.Summary.Feed),
	)
	summaries.Use(deviceAuth)
	summaries.Get("/chats", deps.Summary.ListChats)
	summaries.Get("/stats", deps.Summary.Stats)
	summaries.Post("/trigger", deps.Summary.Trigger)
	summaries.Get("/:chatId/markdown", deps.Summary.Digest)
	summaries.Get("/:chatId", deps.Summary.ListSummaries)

	// ========================================
	// Operator routes
	// ========================================

	admin := api.Group("/admin", middleware.OperatorAuth(deps.Tokens), middleware.OperatorAudit(deps.Logger))
	admin.Get("/devices", deps.Admin.ListDevices)
	admin.Post("/devices", deps.Admin.RegisterDevice)
	admin.Post("/devices/:id/token", deps.Admin.RotateDeviceToken)
	admin.Get("/jobs", deps.Admin.ListJobs)
	admin.Get("/jobs/stats", deps.Admin.QueueStats)
	admin.Post("/jobs/:id/requeue", deps.Admin.RequeueJob)
	admin.Post("/rescan", deps.Admin.Rescan)
	admin.Get("/metrics", deps.Admin.Metrics)
}
