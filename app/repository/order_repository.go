package repository

import (
	"time"

	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// orderRepository implements OrderRepository interface
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) GetByOrderID(orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) List(status string, offset, limit int) ([]models.Order, error) {
	query := r.db.Model(&models.Order{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var orders []models.Order
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&orders).Error
	return orders, err
}

func (r *orderRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Order{}).Count(&count).Error
	return count, err
}

func (r *orderRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.Order{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (r *orderRepository) CountCompletedSince(since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.Order{}).
		Where("status = ? AND completed_at >= ?", models.OrderStatusCompleted, since).
		Count(&count).Error
	return count, err
}

func (r *orderRepository) RevenueSince(since time.Time) (float64, error) {
	var total *float64
	err := r.db.Model(&models.Order{}).
		Select("SUM(amount)").
		Where("status = ? AND completed_at >= ?", models.OrderStatusCompleted, since).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}
