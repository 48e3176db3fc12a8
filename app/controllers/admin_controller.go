package controllers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"

	"github.com/keyportapp/keyport/app/models"
	"github.com/keyportapp/keyport/app/repository"
	"github.com/keyportapp/keyport/internal/pkg/database"
	"github.com/keyportapp/keyport/internal/pkg/snapshot"
	"github.com/keyportapp/keyport/internal/pkg/statistics"
)

const adminPageSize = 50

// HandleAdminDashboard renders the sales and inventory overview.
func HandleAdminDashboard(c *fiber.Ctx) error {
	stats := statistics.GetStatisticsData()

	return c.Render("admin/dashboard", fiber.Map{
		"Title":    "Dashboard",
		"Flash":    flash.Get(c),
		"Username": ExtractUsername(c),
		"Stats":    stats,
	}, "layouts/main")
}

// HandleAdminBrands lists brands with their plans.
func HandleAdminBrands(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()
	brands, err := repos.Brand.GetAll()
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Brands could not be loaded"}).Redirect("/admin")
	}

	return c.Render("admin/brands", fiber.Map{
		"Title":     "Brands",
		"Flash":     flash.Get(c),
		"Username":  ExtractUsername(c),
		"Brands":    brands,
		"CSRFToken": c.Locals("csrf"),
	}, "layouts/main")
}

// HandleAdminBrandCreate creates a brand from the form submission.
func HandleAdminBrandCreate(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.FormValue("name"))
	if name == "" {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Brand name is required"}).Redirect("/admin/brands")
	}

	brand := &models.Brand{Name: name, IsActive: c.FormValue("is_active") == "on"}
	if err := repository.GetGlobalRepositories().Brand.Create(brand); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Brand could not be created"}).Redirect("/admin/brands")
	}

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": fmt.Sprintf("Brand %q created", name)}).Redirect("/admin/brands")
}

// HandleAdminPlanCreate adds a plan to a brand.
func HandleAdminPlanCreate(c *fiber.Ctx) error {
	brandID, err := strconv.ParseUint(c.FormValue("brand_id"), 10, 32)
	if err != nil || brandID == 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Invalid brand"}).Redirect("/admin/brands")
	}
	name := strings.TrimSpace(c.FormValue("name"))
	price, err := strconv.ParseFloat(c.FormValue("price"), 64)
	if name == "" || err != nil || price <= 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Plan name and a positive price are required"}).Redirect("/admin/brands")
	}

	plan := &models.Plan{BrandID: uint(brandID), Name: name, Price: price}
	if err := repository.GetGlobalRepositories().Brand.AddPlan(plan); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Plan could not be created"}).Redirect("/admin/brands")
	}

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": fmt.Sprintf("Plan %q added", name)}).Redirect("/admin/brands")
}

// HandleAdminKeys lists license keys with optional filters.
func HandleAdminKeys(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	brandID, _ := strconv.ParseUint(c.Query("brand_id", "0"), 10, 32)
	planName := c.Query("plan")
	status := c.Query("status")
	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}

	keys, err := repos.Key.List(uint(brandID), planName, status, (page-1)*adminPageSize, adminPageSize)
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Keys could not be loaded"}).Redirect("/admin")
	}
	brands, _ := repos.Brand.GetAll()

	return c.Render("admin/keys", fiber.Map{
		"Title":     "License Keys",
		"Flash":     flash.Get(c),
		"Username":  ExtractUsername(c),
		"Keys":      keys,
		"Brands":    brands,
		"Page":      page,
		"CSRFToken": c.Locals("csrf"),
	}, "layouts/main")
}

// HandleAdminKeysImport bulk-inserts keys, one key value per line.
func HandleAdminKeysImport(c *fiber.Ctx) error {
	brandID, err := strconv.ParseUint(c.FormValue("brand_id"), 10, 32)
	if err != nil || brandID == 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Invalid brand"}).Redirect("/admin/keys")
	}
	planName := strings.TrimSpace(c.FormValue("plan_name"))
	if planName == "" {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Plan name is required"}).Redirect("/admin/keys")
	}

	repos := repository.GetGlobalRepositories()
	if _, err := repos.Brand.GetPlan(uint(brandID), planName); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Unknown brand or plan"}).Redirect("/admin/keys")
	}

	var keys []models.LicenseKey
	for _, line := range strings.Split(c.FormValue("keys"), "\n") {
		value := strings.TrimSpace(line)
		if value == "" {
			continue
		}
		keys = append(keys, models.LicenseKey{
			BrandID:  uint(brandID),
			PlanName: planName,
			KeyValue: value,
			Status:   models.KeyStatusAvailable,
		})
	}
	if len(keys) == 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "No key values submitted"}).Redirect("/admin/keys")
	}

	if err := repos.Key.CreateBatch(keys); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Keys could not be imported (duplicate values?)"}).Redirect("/admin/keys")
	}

	statistics.ResetCacheUpdateTimer()
	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": fmt.Sprintf("%d key(s) imported", len(keys))}).Redirect("/admin/keys")
}

// HandleAdminKeyDelete removes one unsold key from the pool.
func HandleAdminKeyDelete(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Invalid key id"}).Redirect("/admin/keys")
	}

	repos := repository.GetGlobalRepositories()
	key, err := repos.Key.GetByID(uint(id))
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Key not found"}).Redirect("/admin/keys")
	}
	if key.Status == models.KeyStatusSold {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Sold keys cannot be deleted"}).Redirect("/admin/keys")
	}

	if err := repos.Key.Delete(key.ID); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Key could not be deleted"}).Redirect("/admin/keys")
	}

	statistics.ResetCacheUpdateTimer()
	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Key deleted"}).Redirect("/admin/keys")
}

// HandleAdminOrders lists orders, optionally filtered by status.
func HandleAdminOrders(c *fiber.Ctx) error {
	status := c.Query("status")
	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}

	orders, err := repository.GetGlobalRepositories().Order.List(status, (page-1)*adminPageSize, adminPageSize)
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Orders could not be loaded"}).Redirect("/admin")
	}

	return c.Render("admin/orders", fiber.Map{
		"Title":    "Orders",
		"Flash":    flash.Get(c),
		"Username": ExtractUsername(c),
		"Orders":   orders,
		"Page":     page,
		"Status":   status,
	}, "layouts/main")
}

// HandleAdminSnapshotExport writes a snapshot of orders and keys to S3.
func HandleAdminSnapshotExport(c *fiber.Ctx) error {
	exporter, err := snapshot.NewExporter(database.GetDB())
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": fmt.Sprintf("Snapshot export failed: %s", err)}).Redirect("/admin")
	}
	if exporter == nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Snapshot export is disabled"}).Redirect("/admin")
	}

	objectKey, err := exporter.Export(c.Context())
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": fmt.Sprintf("Snapshot export failed: %s", err)}).Redirect("/admin")
	}

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": fmt.Sprintf("Snapshot written to %s", objectKey)}).Redirect("/admin")
}
