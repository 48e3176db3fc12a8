package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/csrf"

	"github.com/keyportapp/keyport/app/controllers"
	"github.com/keyportapp/keyport/internal/pkg/env"
	"github.com/keyportapp/keyport/internal/pkg/middleware"
	"github.com/keyportapp/keyport/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerAdminRoutes(app)
	h.registerCSRFProtectedRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func loggedInMiddleware(c *fiber.Ctx) error {
	// UserContextMiddleware already set all user context; this middleware just
	// passes through.
	return c.Next()
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	adminGroup := app.Group("/admin", middleware.RequireAdmin)
	adminGroup.Get("/", controllers.HandleAdminDashboard)
	adminGroup.Get("/orders", controllers.HandleAdminOrders)
	adminGroup.Post("/snapshot", controllers.HandleAdminSnapshotExport)
}

func (h HttpRouter) registerCSRFProtectedRoutes(app *fiber.App) {
	csrfConf := csrf.Config{
		KeyLookup:      "form:_csrf",
		ContextKey:     "csrf",
		CookieName:     "csrf_",
		CookieSameSite: "Lax",
		Expiration:     1 * time.Hour,
		CookieSecure:   !env.IsDev(),
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/")
		},
	}

	group := app.Group("", cors.New(), csrf.New(csrfConf))
	group.Get("/", loggedInMiddleware, controllers.HandleStart)
	group.Get("/login", loggedInMiddleware, controllers.HandleAuthLogin)
	group.Post("/login", loggedInMiddleware, controllers.HandleAuthLogin)
	group.Post("/logout", middleware.RequireAuth, controllers.HandleAuthLogout)

	// Admin forms that need the CSRF token
	group.Get("/admin/brands", middleware.RequireAdmin, controllers.HandleAdminBrands)
	group.Post("/admin/brands", middleware.RequireAdmin, controllers.HandleAdminBrandCreate)
	group.Post("/admin/plans", middleware.RequireAdmin, controllers.HandleAdminPlanCreate)
	group.Get("/admin/keys", middleware.RequireAdmin, controllers.HandleAdminKeys)
	group.Post("/admin/keys/import", middleware.RequireAdmin, controllers.HandleAdminKeysImport)
	group.Post("/admin/keys/delete/:id", middleware.RequireAdmin, controllers.HandleAdminKeyDelete)
}
