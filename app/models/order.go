package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
)

// SignatureMethodHMACSHA256 is recorded on completed orders so the
// verification method used at fulfillment time stays auditable.
const SignatureMethodHMACSHA256 = "hmac-sha256"

// Order is one purchase attempt. OrderID is supplied by the caller and is
// globally unique; a duplicate creation attempt fails instead of overwriting.
// Status only ever moves pending -> completed, exactly once.
type Order struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	OrderID          string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_id" validate:"required,min=4,max=64"`
	BrandID          uint       `gorm:"not null;index" json:"brand_id" validate:"required"`
	PlanName         string     `gorm:"type:varchar(100);not null" json:"plan_name" validate:"required"`
	Amount           float64    `gorm:"not null" json:"amount" validate:"required,gt=0"`
	Status           string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status" validate:"oneof=pending completed"`
	GatewayOrderID   string     `gorm:"type:varchar(128);default:null;index" json:"gateway_order_id,omitempty"`
	LicenseKeyID     *uint      `gorm:"default:null" json:"-"`
	GatewayPaymentID string     `gorm:"type:varchar(128);default:null" json:"gateway_payment_id,omitempty"`
	SignatureMethod  string     `gorm:"type:varchar(32);default:null" json:"signature_method,omitempty"`
	CompletedAt      *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *Order) Validate() error {
	v := validator.New()

	return v.Struct(o)
}

// IsCompleted reports whether the order has already been fulfilled.
func (o *Order) IsCompleted() bool {
	return o.Status == OrderStatusCompleted
}
