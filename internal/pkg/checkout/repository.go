package checkout

import (
	"context"
	"time"

	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// Repository provides the DB operations used by the checkout service. Every
// status transition is a conditional update (compare-and-swap on the current
// status) so concurrent requests can never both win the same row.
type Repository interface {
	GetPlan(ctx context.Context, brandID uint, planName string) (*models.Plan, error)

	FindAvailableKey(ctx context.Context, brandID uint, planName string) (*models.LicenseKey, error)
	FindKeyByOrder(ctx context.Context, orderID string) (*models.LicenseKey, error)
	HoldKey(ctx context.Context, keyID uint, orderID string, until time.Time) (bool, error)
	ReleaseHold(ctx context.Context, keyID uint, orderID string) (bool, error)
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error)
	MarkKeySold(ctx context.Context, keyID uint, fromStatus, orderID string, at time.Time) (bool, error)
	ReleaseSoldKey(ctx context.Context, keyID uint, orderID string) (bool, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error
	CompleteOrder(ctx context.Context, orderID, gatewayOrderID, paymentID, method string, keyID uint, at time.Time) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a checkout repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetPlan(ctx context.Context, brandID uint, planName string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("brand_id = ? AND name = ?", brandID, planName).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) FindAvailableKey(ctx context.Context, brandID uint, planName string) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := r.db.WithContext(ctx).
		Where("brand_id = ? AND plan_name = ? AND status = ?", brandID, planName, models.KeyStatusAvailable).
		Limit(1).
		First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *gormRepository) FindKeyByOrder(ctx context.Context, orderID string) (*models.LicenseKey, error) {
	var key models.LicenseKey
	// Sold beats held so repeated fulfillment attempts observe the final
	// assignment first.
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("status = 'sold' DESC").
		First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *gormRepository) HoldKey(ctx context.Context, keyID uint, orderID string, until time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("id = ? AND status = ?", keyID, models.KeyStatusAvailable).
		Updates(map[string]interface{}{
			"status":     models.KeyStatusHeld,
			"order_id":   orderID,
			"held_until": until,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ReleaseHold(ctx context.Context, keyID uint, orderID string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("id = ? AND status = ? AND order_id = ?", keyID, models.KeyStatusHeld, orderID).
		Updates(map[string]interface{}{
			"status":     models.KeyStatusAvailable,
			"order_id":   nil,
			"held_until": nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("status = ? AND held_until IS NOT NULL AND held_until < ?", models.KeyStatusHeld, now).
		Updates(map[string]interface{}{
			"status":     models.KeyStatusAvailable,
			"order_id":   nil,
			"held_until": nil,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) MarkKeySold(ctx context.Context, keyID uint, fromStatus, orderID string, at time.Time) (bool, error) {
	query := r.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("id = ? AND status = ?", keyID, fromStatus)
	if fromStatus == models.KeyStatusHeld {
		// A held key may only be consumed by the order that holds it.
		query = query.Where("order_id = ?", orderID)
	}
	tx := query.Updates(map[string]interface{}{
		"status":     models.KeyStatusSold,
		"order_id":   orderID,
		"held_until": nil,
		"sold_at":    at,
	})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ReleaseSoldKey(ctx context.Context, keyID uint, orderID string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("id = ? AND status = ? AND order_id = ?", keyID, models.KeyStatusSold, orderID).
		Updates(map[string]interface{}{
			"status":   models.KeyStatusAvailable,
			"order_id": nil,
			"sold_at":  nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *gormRepository) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) AttachGatewayOrder(ctx context.Context, orderID, gatewayOrderID string) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Update("gateway_order_id", gatewayOrderID).Error
}

// CompleteOrder flips the order to completed and stamps the winning key id,
// making the order row authoritative about which key the buyer was sold.
func (r *gormRepository) CompleteOrder(ctx context.Context, orderID, gatewayOrderID, paymentID, method string, keyID uint, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND status = ?", orderID, models.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":             models.OrderStatusCompleted,
			"gateway_order_id":   gatewayOrderID,
			"license_key_id":     keyID,
			"gateway_payment_id": paymentID,
			"signature_method":   method,
			"completed_at":       at,
		})
	return tx.RowsAffected > 0, tx.Error
}
