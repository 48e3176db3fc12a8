package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportapp/keyport/app/repository"
)

// HandleCatalog returns the active brands and their plans.
// GET /api/v1/catalog
func HandleCatalog(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()
	brands, err := repos.Brand.GetActive()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "catalog unavailable")
	}

	catalog := make([]fiber.Map, 0, len(brands))
	for _, brand := range brands {
		plans := make([]fiber.Map, 0, len(brand.Plans))
		for _, plan := range brand.Plans {
			available, cerr := repos.Key.CountAvailable(brand.ID, plan.Name)
			if cerr != nil {
				available = 0
			}
			plans = append(plans, fiber.Map{
				"name":      plan.Name,
				"price":     plan.Price,
				"available": available,
			})
		}
		catalog = append(catalog, fiber.Map{
			"id":    brand.ID,
			"name":  brand.Name,
			"plans": plans,
		})
	}

	return jsonSuccess(c, fiber.Map{"brands": catalog})
}

// HandlePlanAvailability reports how many keys are left for one brand/plan.
// GET /api/v1/catalog/:brandID/availability?plan=...
func HandlePlanAvailability(c *fiber.Ctx) error {
	brandID, err := strconv.ParseUint(c.Params("brandID"), 10, 32)
	if err != nil || brandID == 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid brand id")
	}
	planName := c.Query("plan")
	if planName == "" {
		return jsonError(c, fiber.StatusBadRequest, "plan query parameter is required")
	}

	repos := repository.GetGlobalRepositories()
	if _, err := repos.Brand.GetPlan(uint(brandID), planName); err != nil {
		return jsonError(c, fiber.StatusNotFound, "unknown brand or plan")
	}

	available, err := repos.Key.CountAvailable(uint(brandID), planName)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "availability lookup failed")
	}

	return jsonSuccess(c, fiber.Map{
		"brand_id":  uint(brandID),
		"plan_name": planName,
		"available": available,
		"in_stock":  available > 0,
	})
}
