package checkout

import (
	"strings"
	"time"

	"github.com/keyportapp/keyport/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GatewayProvider tags webhook events from the payment gateway in the event
// ledger.
const GatewayProvider = "gateway"

// WebhookEventInput describes one webhook delivery to be recorded.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// EventStore persists webhook deliveries exactly once so redeliveries can be
// detected before any side effect runs.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// RecordWebhookEvent inserts the delivery if its (provider, event id) pair
// has not been seen. It returns created=false and the stored row for a
// redelivery.
func (s *EventStore) RecordWebhookEvent(in WebhookEventInput) (bool, *models.PaymentEvent, error) {
	event := &models.PaymentEvent{
		Provider:        strings.TrimSpace(in.Provider),
		ProviderEventID: strings.TrimSpace(in.ProviderEventID),
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}

	tx := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, event, nil
	}

	var existing models.PaymentEvent
	err := s.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&existing).Error
	if err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

// MarkWebhookProcessed stamps the event with the outcome of its processing.
func (s *EventStore) MarkWebhookProcessed(eventID uint, procErr error) error {
	updates := map[string]interface{}{
		"processed_at": time.Now(),
	}
	if procErr != nil {
		updates["processing_error"] = procErr.Error()
	}
	return s.db.Model(&models.PaymentEvent{}).
		Where("id = ?", eventID).
		Updates(updates).Error
}
