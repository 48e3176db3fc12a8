package controllers

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportapp/keyport/internal/pkg/checkout"
	"github.com/keyportapp/keyport/internal/pkg/database"
	"github.com/keyportapp/keyport/internal/pkg/env"
	"github.com/keyportapp/keyport/internal/pkg/payment"
)

// HandleCreateOrder creates a pending order and reserves a key for it.
// POST /api/v1/orders
func HandleCreateOrder(c *fiber.Ctx) error {
	var in checkout.CreateOrderInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	svc := checkout.NewServiceFromDB(database.GetDB())
	order, err := svc.CreateOrder(c.Context(), in)
	if err != nil {
		return mapCheckoutError(c, err, false)
	}

	log.Printf("order %s created for brand %d plan %q from %s", order.OrderID, order.BrandID, order.PlanName, GetClientIP(c))
	return jsonSuccess(c, fiber.Map{
		"order_id": order.OrderID,
		"status":   order.Status,
		"amount":   order.Amount,
	})
}

// HandleOpenPaymentIntent opens a gateway payment intent for a pending order.
// POST /api/v1/orders/:orderID/intent
func HandleOpenPaymentIntent(c *fiber.Ctx) error {
	var in checkout.OpenIntentInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	in.OrderID = c.Params("orderID")

	svc := checkout.NewServiceFromDB(database.GetDB())
	result, err := svc.OpenPaymentIntent(c.Context(), in)
	if err != nil {
		return mapCheckoutError(c, err, false)
	}

	return jsonSuccess(c, fiber.Map{
		"gateway_order_id": result.GatewayOrderID,
		"amount_minor":     result.AmountMinor,
		"currency":         result.Currency,
		"gateway_key_id":   result.GatewayKeyID,
	})
}

// HandleVerifyPayment checks the client-presented payment proof and dispenses
// the key on success.
// POST /api/v1/payments/verify
func HandleVerifyPayment(c *fiber.Ctx) error {
	var in checkout.VerifyPaymentInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	svc := checkout.NewServiceFromDB(database.GetDB())
	result, err := svc.VerifyPayment(c.Context(), in)
	if err != nil {
		return mapCheckoutError(c, err, true)
	}

	return jsonSuccess(c, fiber.Map{
		"key":        result.KeyValue,
		"payment_id": result.PaymentID,
	})
}

// gatewayWebhookPayload is the slice of the webhook body the handler needs.
type gatewayWebhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
				Notes   struct {
					OrderID string `json:"order_id"`
				} `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// HandleGatewayWebhook processes asynchronous payment notifications from the
// gateway. Deliveries are recorded exactly once; redeliveries return 200
// without re-processing.
// POST /api/v1/webhooks/gateway
func HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Gateway-Signature"))
	eventID := strings.TrimSpace(c.Get("X-Gateway-Event-ID"))
	secret := env.GetEnv("GATEWAY_WEBHOOK_SECRET", "")

	// The signature gate comes before any write: a forged delivery must not
	// occupy the dedupe slot of a genuine event id.
	if !payment.VerifyWebhookSignature(rawBody, signature, secret) {
		return jsonError(c, fiber.StatusUnauthorized, "invalid webhook signature")
	}

	var body gatewayWebhookPayload
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid webhook payload")
	}
	entity := body.Payload.Payment.Entity
	if eventID == "" {
		// Fall back to the payment id so redeliveries without an event id
		// header still dedupe.
		eventID = body.Event + ":" + entity.ID
	}

	store := checkout.NewEventStore(database.GetDB())
	created, stored, err := store.RecordWebhookEvent(checkout.WebhookEventInput{
		Provider:        checkout.GatewayProvider,
		ProviderEventID: eventID,
		EventType:       body.Event,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "webhook could not be recorded")
	}
	if !created {
		return jsonSuccess(c, fiber.Map{"duplicate": true})
	}
	if !strings.EqualFold(body.Event, "payment.captured") {
		_ = store.MarkWebhookProcessed(stored.ID, nil)
		return jsonSuccess(c, fiber.Map{"ignored": true})
	}

	orderID := entity.Notes.OrderID
	if orderID == "" {
		_ = store.MarkWebhookProcessed(stored.ID, errors.New("payload carries no order reference"))
		return jsonError(c, fiber.StatusBadRequest, "payload carries no order reference")
	}

	svc := checkout.NewServiceFromDB(database.GetDB())
	_, settleErr := svc.SettleFromWebhook(c.Context(), orderID, entity.OrderID, entity.ID)
	if settleErr != nil && errors.Is(settleErr, checkout.ErrAlreadyCompleted) {
		settleErr = nil
	}
	_ = store.MarkWebhookProcessed(stored.ID, settleErr)
	if settleErr != nil {
		return mapCheckoutError(c, settleErr, true)
	}

	// The key is never returned on the webhook path; the buyer fetches it via
	// the verify endpoint or the order lookup.
	return jsonSuccess(c, fiber.Map{"processed": true})
}

// HandleGetOrder returns the public state of one order, including the key once
// the order is completed.
// GET /api/v1/orders/:orderID
func HandleGetOrder(c *fiber.Ctx) error {
	orderID := c.Params("orderID")

	repo := checkout.NewRepository(database.GetDB())
	order, err := repo.GetOrderByOrderID(c.Context(), orderID)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "order not found")
	}

	fields := fiber.Map{
		"order_id": order.OrderID,
		"status":   order.Status,
		"amount":   order.Amount,
	}
	if order.IsCompleted() {
		if key, kerr := repo.FindKeyByOrder(c.Context(), order.OrderID); kerr == nil {
			fields["key"] = key.KeyValue
		}
		if order.CompletedAt != nil {
			fields["completed_at"] = order.CompletedAt.Format(time.RFC3339)
		}
	}
	return jsonSuccess(c, fields)
}

// mapCheckoutError translates service errors into the JSON error envelope.
// atSettlement switches the out-of-stock status: during creation the plan is
// simply out of stock (409), after payment the paid order cannot be fulfilled
// (410) and needs operator attention.
func mapCheckoutError(c *fiber.Ctx, err error, atSettlement bool) error {
	var verr *checkout.ValidationError
	if errors.As(err, &verr) {
		return jsonError(c, fiber.StatusBadRequest, verr.Error())
	}
	var perr *checkout.PaymentNotCapturedError
	if errors.As(err, &perr) {
		return jsonError(c, fiber.StatusPaymentRequired, perr.Error())
	}
	var gerr *checkout.GatewayError
	if errors.As(err, &gerr) {
		log.Printf("gateway failure: %v", gerr)
		return jsonError(c, fiber.StatusBadGateway, "payment gateway is unavailable")
	}

	switch {
	case errors.Is(err, checkout.ErrNoKeysAvailable):
		if atSettlement {
			log.Printf("paid order could not be fulfilled: %v", err)
			return jsonError(c, fiber.StatusGone, err.Error())
		}
		return jsonError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, checkout.ErrDuplicateOrder):
		return jsonError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, checkout.ErrInvalidSignature):
		return jsonError(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, checkout.ErrPaymentMismatch):
		return jsonError(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, checkout.ErrAlreadyCompleted):
		// Idempotent repeat, not a failure.
		return jsonSuccess(c, fiber.Map{"already_completed": true})
	case errors.Is(err, checkout.ErrOrderNotFound):
		return jsonError(c, fiber.StatusNotFound, err.Error())
	default:
		log.Printf("checkout error: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
