package statistics

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/keyportapp/keyport/app/models"
	"github.com/keyportapp/keyport/internal/pkg/cache"
	"github.com/keyportapp/keyport/internal/pkg/database"
)

const (
	CacheKeyOrdersTotal   = "statistics:orders:total"
	CacheKeyOrdersDaily   = "statistics:orders:daily:%s" // Format with date YYYY-MM-DD
	CacheKeyRevenueDaily  = "statistics:revenue:daily:%s"
	CacheKeyKeysAvailable = "statistics:keys:available"
	CacheKeyKeysSold      = "statistics:keys:sold"
	CacheExpiration       = 30 * time.Minute
)

// StatisticsData holds the numbers shown on the admin dashboard.
type StatisticsData struct {
	TodayOrders   int
	TodayRevenue  float64
	TotalOrders   int
	AvailableKeys int
	SoldKeys      int
}

var (
	lastCacheUpdate     time.Time
	cacheUpdateMutex    sync.Mutex
	cacheUpdateInterval = 5 * time.Minute
)

// ShouldUpdateCache reports whether the cached statistics are stale.
func ShouldUpdateCache() bool {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	return time.Since(lastCacheUpdate) > cacheUpdateInterval
}

// UpdateCacheIfNeeded refreshes the statistics cache when it is stale.
func UpdateCacheIfNeeded() {
	if ShouldUpdateCache() {
		cacheUpdateMutex.Lock()
		defer cacheUpdateMutex.Unlock()

		if err := UpdateStatisticsCache(); err != nil {
			log.Printf("Error updating statistics cache: %v", err)
		} else {
			lastCacheUpdate = time.Now()
		}
	}
}

// ResetCacheUpdateTimer forces the next read to refresh the cache.
func ResetCacheUpdateTimer() {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	lastCacheUpdate = time.Time{}
}

// UpdateStatisticsCache recomputes all statistics and stores them in Redis.
func UpdateStatisticsCache() error {
	db := database.GetDB()
	today := time.Now().Format("2006-01-02")
	todayStart, _ := time.Parse("2006-01-02", today)
	todayEnd := todayStart.Add(24 * time.Hour)

	var totalOrders int64
	if err := db.Model(&models.Order{}).
		Where("status = ?", models.OrderStatusCompleted).
		Count(&totalOrders).Error; err != nil {
		return err
	}

	var todayOrders int64
	if err := db.Model(&models.Order{}).
		Where("status = ? AND completed_at BETWEEN ? AND ?", models.OrderStatusCompleted, todayStart, todayEnd).
		Count(&todayOrders).Error; err != nil {
		return err
	}

	var todayRevenue float64
	if err := db.Model(&models.Order{}).
		Where("status = ? AND completed_at BETWEEN ? AND ?", models.OrderStatusCompleted, todayStart, todayEnd).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&todayRevenue).Error; err != nil {
		return err
	}

	var availableKeys int64
	if err := db.Model(&models.LicenseKey{}).
		Where("status = ?", models.KeyStatusAvailable).
		Count(&availableKeys).Error; err != nil {
		return err
	}

	var soldKeys int64
	if err := db.Model(&models.LicenseKey{}).
		Where("status = ?", models.KeyStatusSold).
		Count(&soldKeys).Error; err != nil {
		return err
	}

	if err := cache.Set(CacheKeyOrdersTotal, strconv.FormatInt(totalOrders, 10), CacheExpiration); err != nil {
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyOrdersDaily, today), strconv.FormatInt(todayOrders, 10), CacheExpiration); err != nil {
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyRevenueDaily, today), strconv.FormatFloat(todayRevenue, 'f', 2, 64), CacheExpiration); err != nil {
		return err
	}
	if err := cache.Set(CacheKeyKeysAvailable, strconv.FormatInt(availableKeys, 10), CacheExpiration); err != nil {
		return err
	}
	if err := cache.Set(CacheKeyKeysSold, strconv.FormatInt(soldKeys, 10), CacheExpiration); err != nil {
		return err
	}

	return nil
}

func cachedInt(key string, compute func() (int64, error)) int {
	val, err := cache.Get(key)
	if err == nil {
		count, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return 0
		}
		return int(count)
	}

	count, err := compute()
	if err != nil {
		log.Printf("Error computing statistic %s: %v", key, err)
		return 0
	}
	if err := cache.Set(key, strconv.FormatInt(count, 10), CacheExpiration); err != nil {
		log.Printf("Error caching statistic %s: %v", key, err)
	}
	return int(count)
}

// GetTotalOrders returns the number of completed orders from cache or database.
func GetTotalOrders() int {
	return cachedInt(CacheKeyOrdersTotal, func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.Order{}).
			Where("status = ?", models.OrderStatusCompleted).
			Count(&count).Error
		return count, err
	})
}

// GetTodayOrders returns the number of orders completed today.
func GetTodayOrders() int {
	today := time.Now().Format("2006-01-02")
	todayStart, _ := time.Parse("2006-01-02", today)
	todayEnd := todayStart.Add(24 * time.Hour)

	return cachedInt(fmt.Sprintf(CacheKeyOrdersDaily, today), func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.Order{}).
			Where("status = ? AND completed_at BETWEEN ? AND ?", models.OrderStatusCompleted, todayStart, todayEnd).
			Count(&count).Error
		return count, err
	})
}

// GetTodayRevenue returns the sum of amounts on orders completed today.
func GetTodayRevenue() float64 {
	today := time.Now().Format("2006-01-02")
	key := fmt.Sprintf(CacheKeyRevenueDaily, today)

	val, err := cache.Get(key)
	if err == nil {
		revenue, perr := strconv.ParseFloat(val, 64)
		if perr != nil {
			return 0
		}
		return revenue
	}

	todayStart, _ := time.Parse("2006-01-02", today)
	todayEnd := todayStart.Add(24 * time.Hour)

	var revenue float64
	if err := database.GetDB().Model(&models.Order{}).
		Where("status = ? AND completed_at BETWEEN ? AND ?", models.OrderStatusCompleted, todayStart, todayEnd).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&revenue).Error; err != nil {
		log.Printf("Error computing today's revenue: %v", err)
		return 0
	}
	if err := cache.Set(key, strconv.FormatFloat(revenue, 'f', 2, 64), CacheExpiration); err != nil {
		log.Printf("Error caching today's revenue: %v", err)
	}
	return revenue
}

// GetAvailableKeys returns the size of the unsold key pool.
func GetAvailableKeys() int {
	return cachedInt(CacheKeyKeysAvailable, func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.LicenseKey{}).
			Where("status = ?", models.KeyStatusAvailable).
			Count(&count).Error
		return count, err
	})
}

// GetSoldKeys returns the number of keys dispensed to buyers.
func GetSoldKeys() int {
	return cachedInt(CacheKeyKeysSold, func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.LicenseKey{}).
			Where("status = ?", models.KeyStatusSold).
			Count(&count).Error
		return count, err
	})
}

// GetStatisticsData returns all dashboard statistics, refreshing the cache
// when it is stale.
func GetStatisticsData() StatisticsData {
	UpdateCacheIfNeeded()

	return StatisticsData{
		TodayOrders:   GetTodayOrders(),
		TodayRevenue:  GetTodayRevenue(),
		TotalOrders:   GetTotalOrders(),
		AvailableKeys: GetAvailableKeys(),
		SoldKeys:      GetSoldKeys(),
	}
}
