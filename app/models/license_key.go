package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	KeyStatusAvailable = "available"
	KeyStatusHeld      = "held"
	KeyStatusSold      = "sold"
)

// LicenseKey is one sellable activation key. Its status only ever moves
// available -> held -> sold (or held back to available when a checkout is
// abandoned); sold is terminal and carries the winning order id.
type LicenseKey struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	BrandID   uint           `gorm:"not null;index:idx_license_keys_pool,priority:1" json:"brand_id" validate:"required"`
	PlanName  string         `gorm:"type:varchar(100);not null;index:idx_license_keys_pool,priority:2" json:"plan_name" validate:"required"`
	KeyValue  string         `gorm:"type:varchar(255);not null;uniqueIndex" json:"key_value" validate:"required,min=8,max=255"`
	Status    string         `gorm:"type:varchar(20);not null;default:'available';index:idx_license_keys_pool,priority:3" json:"status" validate:"oneof=available held sold"`
	OrderID   *string        `gorm:"type:varchar(64);default:null;index" json:"order_id,omitempty"`
	HeldUntil *time.Time     `gorm:"type:timestamp;default:null" json:"held_until,omitempty"`
	SoldAt    *time.Time     `gorm:"type:timestamp;default:null" json:"sold_at,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (k *LicenseKey) Validate() error {
	v := validator.New()

	return v.Struct(k)
}

// IsAvailable reports whether the key can still be reserved.
func (k *LicenseKey) IsAvailable() bool {
	return k.Status == KeyStatusAvailable
}
