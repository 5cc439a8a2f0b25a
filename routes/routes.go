package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "athletereach/controllers"
	"athletereach/config"
	"athletereach/middleware"
	"athletereach/outreach"
)

// Dependencies are the shared services handlers are built from.
type Dependencies struct {
	DB        *gorm.DB
	Lifecycle *outreach.Lifecycle
	Hub       *controller.EventHub
	Config    *config.Config
	// RateLimitStorage backs the send limiter; nil keeps counters in memory.
	RateLimitStorage fiber.Storage
}

func Setup(app *fiber.App, deps Dependencies) {
	app.Use(middleware.CORSForOrigins(deps.Config.AllowedOrigins))

	health := controller.NewHealthController(deps.DB)
	app.Get("/health", health.Health)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// One limiter so every sending route shares the per-user budget.
	sendLimit := middleware.SendRateLimiter(deps.Config.SendRateLimit, deps.RateLimitStorage)

	SetupTrackingRoutes(api, deps)
	SetupMessageRoutes(api, deps, sendLimit)
	SetupTaskRoutes(api, deps, sendLimit)
	SetupRecipientRoutes(api, deps)
	SetupAccountRoutes(api, deps)
	SetupEventRoutes(app, deps)
}

// SetupTrackingRoutes are public: the pixel is fetched by mail clients and
// webhooks are authenticated by signature.
func SetupTrackingRoutes(api fiber.Router, deps Dependencies) {
	tracking := controller.NewTrackingController(deps.Lifecycle, deps.Config.WebhookSecret)
	api.Get("/track/open/:id/:token", tracking.OpenPixel)
	api.Post("/webhooks/delivery", tracking.DeliveryWebhook)
}

func SetupMessageRoutes(api fiber.Router, deps Dependencies, sendLimit fiber.Handler) {
	messages := controller.NewMessageController(deps.Lifecycle)

	group := api.Group("/messages", middleware.Protected())
	group.Post("/", sendLimit, messages.SendMessage)
	group.Post("/draft", messages.SaveDraft)
	group.Post("/import", messages.ImportMessages)
	group.Put("/:id/send", sendLimit, messages.SendDraft)
	group.Post("/:id/cancel", messages.CancelFollowUp)
	group.Delete("/:id", messages.DeleteMessage)
}

func SetupTaskRoutes(api fiber.Router, deps Dependencies, sendLimit fiber.Handler) {
	tasks := controller.NewTaskController(deps.Lifecycle)

	group := api.Group("/tasks", middleware.Protected())
	group.Get("/", tasks.ListTasks)
	group.Post("/:id/complete", tasks.CompleteTask)
	group.Post("/:id/skip", tasks.SkipTask)
	group.Post("/:id/send", sendLimit, tasks.SendTaskFollowUp)
}

func SetupRecipientRoutes(api fiber.Router, deps Dependencies) {
	recipients := controller.NewRecipientController(outreach.NewGormDirectory(deps.DB))
	messages := controller.NewMessageController(deps.Lifecycle)

	group := api.Group("/recipients", middleware.Protected())
	group.Get("/", recipients.ListRecipients)
	group.Get("/:id", recipients.GetRecipient)
	group.Get("/:id/messages", messages.RecipientHistory)
}

func SetupAccountRoutes(api fiber.Router, deps Dependencies) {
	mailbox := controller.NewMailboxController(deps.DB)
	profile := controller.NewProfileController(deps.DB)

	api.Get("/mailbox", middleware.Protected(), mailbox.GetMailbox)
	api.Put("/mailbox", middleware.Protected(), mailbox.UpdateMailbox)
	api.Post("/mailbox/verify", middleware.Protected(), mailbox.VerifyFromAddress)
	api.Get("/profile", middleware.Protected(), profile.GetProfile)
	api.Put("/profile", middleware.Protected(), profile.UpdateProfile)
}

func SetupEventRoutes(app *fiber.App, deps Dependencies) {
	app.Get("/api/v1/ws/messages", controller.RequireUpgrade, middleware.Protected(), deps.Hub.Stream())
}
