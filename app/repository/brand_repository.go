package repository

import (
	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// brandRepository implements BrandRepository interface
type brandRepository struct {
	db *gorm.DB
}

// NewBrandRepository creates a new brand repository
func NewBrandRepository(db *gorm.DB) BrandRepository {
	return &brandRepository{db: db}
}

func (r *brandRepository) Create(brand *models.Brand) error {
	return r.db.Create(brand).Error
}

func (r *brandRepository) GetByID(id uint) (*models.Brand, error) {
	var brand models.Brand
	err := r.db.Preload("Plans").First(&brand, id).Error
	if err != nil {
		return nil, err
	}
	return &brand, nil
}

func (r *brandRepository) GetByName(name string) (*models.Brand, error) {
	var brand models.Brand
	err := r.db.Preload("Plans").Where("name = ?", name).First(&brand).Error
	if err != nil {
		return nil, err
	}
	return &brand, nil
}

func (r *brandRepository) GetAll() ([]models.Brand, error) {
	var brands []models.Brand
	err := r.db.Preload("Plans").Order("name ASC").Find(&brands).Error
	return brands, err
}

func (r *brandRepository) GetActive() ([]models.Brand, error) {
	var brands []models.Brand
	err := r.db.Preload("Plans").Where("is_active = ?", true).Order("name ASC").Find(&brands).Error
	return brands, err
}

func (r *brandRepository) AddPlan(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

func (r *brandRepository) GetPlan(brandID uint, planName string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.Where("brand_id = ? AND name = ?", brandID, planName).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *brandRepository) Update(brand *models.Brand) error {
	return r.db.Save(brand).Error
}

func (r *brandRepository) Delete(id uint) error {
	return r.db.Delete(&models.Brand{}, id).Error
}

func (r *brandRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Brand{}).Count(&count).Error
	return count, err
}
