package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"

	"github.com/keyportapp/keyport/app/repository"
)

// HandleStart renders the storefront landing page with the active catalog.
func HandleStart(c *fiber.Ctx) error {
	brands, err := repository.GetGlobalRepositories().Brand.GetActive()
	if err != nil {
		brands = nil
	}

	return c.Render("index", fiber.Map{
		"Title":      "Activation Keys",
		"Flash":      flash.Get(c),
		"IsLoggedIn": isLoggedIn(c),
		"Username":   ExtractUsername(c),
		"Brands":     brands,
	}, "layouts/main")
}
