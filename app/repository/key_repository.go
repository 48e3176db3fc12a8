package repository

import (
	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// keyRepository implements KeyRepository interface
type keyRepository struct {
	db *gorm.DB
}

// NewKeyRepository creates a new license key repository
func NewKeyRepository(db *gorm.DB) KeyRepository {
	return &keyRepository{db: db}
}

func (r *keyRepository) Create(key *models.LicenseKey) error {
	return r.db.Create(key).Error
}

func (r *keyRepository) CreateBatch(keys []models.LicenseKey) error {
	if len(keys) == 0 {
		return nil
	}
	return r.db.Create(&keys).Error
}

func (r *keyRepository) GetByID(id uint) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := r.db.First(&key, id).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *keyRepository) GetByOrderID(orderID string) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := r.db.Where("order_id = ?", orderID).First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *keyRepository) List(brandID uint, planName, status string, offset, limit int) ([]models.LicenseKey, error) {
	query := r.db.Model(&models.LicenseKey{})
	if brandID != 0 {
		query = query.Where("brand_id = ?", brandID)
	}
	if planName != "" {
		query = query.Where("plan_name = ?", planName)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var keys []models.LicenseKey
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&keys).Error
	return keys, err
}

func (r *keyRepository) Delete(id uint) error {
	return r.db.Delete(&models.LicenseKey{}, id).Error
}

func (r *keyRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.LicenseKey{}).Count(&count).Error
	return count, err
}

func (r *keyRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.LicenseKey{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (r *keyRepository) CountAvailable(brandID uint, planName string) (int64, error) {
	var count int64
	err := r.db.Model(&models.LicenseKey{}).
		Where("brand_id = ? AND plan_name = ? AND status = ?", brandID, planName, models.KeyStatusAvailable).
		Count(&count).Error
	return count, err
}
