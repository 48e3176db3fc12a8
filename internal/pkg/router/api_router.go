package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/keyportapp/keyport/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")

	// Catalog
	v1.Get("/catalog", controllers.HandleCatalog)
	v1.Get("/catalog/:brandID/availability", controllers.HandlePlanAvailability)

	// Checkout
	v1.Post("/orders", controllers.HandleCreateOrder)
	v1.Get("/orders/:orderID", controllers.HandleGetOrder)
	v1.Post("/orders/:orderID/intent", controllers.HandleOpenPaymentIntent)
	v1.Post("/payments/verify", controllers.HandleVerifyPayment)

	// Gateway webhooks (no CSRF, signature-verified in controller)
	v1.Post("/webhooks/gateway", controllers.HandleGatewayWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
