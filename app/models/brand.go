package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Brand is a catalog entry (product line) with its own set of plans.
// Keys and orders reference a brand by id and a plan by its name; the
// plan name on those rows is a denormalized match key, not a foreign key.
type Brand struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"type:varchar(100);uniqueIndex" json:"name" validate:"required,min=2,max=100"`
	Description string         `gorm:"type:text" json:"description" validate:"max=2000"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	Plans       []Plan         `gorm:"foreignKey:BrandID" json:"plans"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Plan is a named pricing tier scoped to a brand (e.g. "1 Month").
type Plan struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BrandID   uint      `gorm:"not null;index:ux_plans_brand_name,unique,priority:1" json:"brand_id" validate:"required"`
	Name      string    `gorm:"type:varchar(100);not null;index:ux_plans_brand_name,unique,priority:2" json:"name" validate:"required,min=1,max=100"`
	Price     float64   `gorm:"not null" json:"price" validate:"required,gt=0"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b *Brand) Validate() error {
	v := validator.New()

	return v.Struct(b)
}

func (p *Plan) Validate() error {
	v := validator.New()

	return v.Struct(p)
}
