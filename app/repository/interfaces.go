package repository

import (
	"time"

	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// BrandRepository defines the interface for catalog-related database operations
type BrandRepository interface {
	Create(brand *models.Brand) error
	GetByID(id uint) (*models.Brand, error)
	GetByName(name string) (*models.Brand, error)
	GetAll() ([]models.Brand, error)
	GetActive() ([]models.Brand, error)
	AddPlan(plan *models.Plan) error
	GetPlan(brandID uint, planName string) (*models.Plan, error)
	Update(brand *models.Brand) error
	Delete(id uint) error
	Count() (int64, error)
}

// KeyRepository defines the interface for license key inventory operations
type KeyRepository interface {
	Create(key *models.LicenseKey) error
	CreateBatch(keys []models.LicenseKey) error
	GetByID(id uint) (*models.LicenseKey, error)
	GetByOrderID(orderID string) (*models.LicenseKey, error)
	List(brandID uint, planName, status string, offset, limit int) ([]models.LicenseKey, error)
	Delete(id uint) error
	Count() (int64, error)
	CountByStatus(status string) (int64, error)
	CountAvailable(brandID uint, planName string) (int64, error)
}

// OrderRepository defines the interface for order ledger operations
type OrderRepository interface {
	GetByOrderID(orderID string) (*models.Order, error)
	List(status string, offset, limit int) ([]models.Order, error)
	Count() (int64, error)
	CountByStatus(status string) (int64, error)
	CountCompletedSince(since time.Time) (int64, error)
	RevenueSince(since time.Time) (float64, error)
}

// UserRepository defines the interface for console account operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	Update(user *models.User) error
	Count() (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Brand BrandRepository
	Key   KeyRepository
	Order OrderRepository
	User  UserRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Brand: NewBrandRepository(db),
		Key:   NewKeyRepository(db),
		Order: NewOrderRepository(db),
		User:  NewUserRepository(db),
	}
}
