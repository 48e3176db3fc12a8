package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
)

// Document is the JSON structure written to S3. It captures the full order
// ledger and the state of the key pool at export time.
type Document struct {
	SnapshotID string          `json:"snapshot_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Orders     []OrderRecord   `json:"orders"`
	Keys       []KeyPoolRecord `json:"keys"`
}

// OrderRecord is the snapshot view of one order.
type OrderRecord struct {
	OrderID          string     `json:"order_id"`
	BrandID          uint       `json:"brand_id"`
	PlanName         string     `json:"plan_name"`
	Amount           float64    `json:"amount"`
	Status           string     `json:"status"`
	GatewayOrderID   string     `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string     `json:"gateway_payment_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// KeyPoolRecord is the snapshot view of one key. The key value itself is not
// exported; snapshots are for auditing counts and assignments, not for
// duplicating the pool.
type KeyPoolRecord struct {
	ID       uint       `json:"id"`
	BrandID  uint       `json:"brand_id"`
	PlanName string     `json:"plan_name"`
	Status   string     `json:"status"`
	OrderID  *string    `json:"order_id,omitempty"`
	SoldAt   *time.Time `json:"sold_at,omitempty"`
}

// Exporter builds snapshot documents from the database and writes them to S3.
type Exporter struct {
	db     *gorm.DB
	client *Client
	config *Config
}

// NewExporter wires an exporter from the environment. Returns a nil exporter
// without error when snapshot export is disabled.
func NewExporter(db *gorm.DB) (*Exporter, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled() {
		return nil, nil
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Exporter{db: db, client: client, config: cfg}, nil
}

// Export writes one snapshot of the current orders and key pool to S3 and
// returns the object key it was stored under.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	doc, err := e.buildDocument()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	now := doc.CreatedAt
	objectKey := e.config.GetObjectKey(doc.SnapshotID, now.Year(), int(now.Month()))
	if _, err := e.client.Upload(ctx, objectKey, data); err != nil {
		return "", err
	}
	return objectKey, nil
}

func (e *Exporter) buildDocument() (*Document, error) {
	var orders []models.Order
	if err := e.db.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}

	var keys []models.LicenseKey
	if err := e.db.Order("id ASC").Find(&keys).Error; err != nil {
		return nil, err
	}

	doc := &Document{
		SnapshotID: uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Orders:     make([]OrderRecord, 0, len(orders)),
		Keys:       make([]KeyPoolRecord, 0, len(keys)),
	}

	for _, o := range orders {
		doc.Orders = append(doc.Orders, OrderRecord{
			OrderID:          o.OrderID,
			BrandID:          o.BrandID,
			PlanName:         o.PlanName,
			Amount:           o.Amount,
			Status:           o.Status,
			GatewayOrderID:   o.GatewayOrderID,
			GatewayPaymentID: o.GatewayPaymentID,
			CreatedAt:        o.CreatedAt,
			CompletedAt:      o.CompletedAt,
		})
	}
	for _, k := range keys {
		doc.Keys = append(doc.Keys, KeyPoolRecord{
			ID:       k.ID,
			BrandID:  k.BrandID,
			PlanName: k.PlanName,
			Status:   k.Status,
			OrderID:  k.OrderID,
			SoldAt:   k.SoldAt,
		})
	}

	return doc, nil
}
