package checkout

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/keyportapp/keyport/app/models"
	"github.com/keyportapp/keyport/internal/pkg/env"
	"github.com/keyportapp/keyport/internal/pkg/payment"
	"gorm.io/gorm"
)

// DefaultHoldTTL is how long a reserved key stays held for an unpaid order
// before the sweeper returns it to the pool.
const DefaultHoldTTL = 30 * time.Minute

// reserveAttempts bounds how many candidate keys a single request races for
// before giving up. Losing the conditional update that many times in a row
// means the pool is effectively drained.
const reserveAttempts = 5

// Gateway is the slice of the payment client the checkout service uses.
type Gateway interface {
	CreateIntent(ctx context.Context, in payment.IntentInput) (*payment.Intent, error)
	FetchPayment(ctx context.Context, paymentID string) (*payment.Payment, error)
}

// Service implements the order creation, payment verification and
// fulfillment sequence. It holds no mutable state between requests; all
// concurrency correctness reduces to the repository's conditional updates.
type Service struct {
	repo    Repository
	gateway Gateway

	keySecret    string
	gatewayKeyID string
	currency     string
	holdTTL      time.Duration

	validate *validator.Validate
}

// NewService creates a checkout service from injected collaborators.
func NewService(repo Repository, gateway Gateway, keySecret, gatewayKeyID, currency string, holdTTL time.Duration) *Service {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Service{
		repo:         repo,
		gateway:      gateway,
		keySecret:    keySecret,
		gatewayKeyID: gatewayKeyID,
		currency:     currency,
		holdTTL:      holdTTL,
		validate:     validator.New(),
	}
}

// NewServiceFromDB creates a checkout service wired from the environment and
// a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	client := payment.NewClientFromEnv()
	holdTTL := DefaultHoldTTL
	if raw := env.GetEnv("ORDER_HOLD_TTL_MINUTES", ""); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			holdTTL = time.Duration(minutes) * time.Minute
		}
	}
	return NewService(
		NewRepository(db),
		client,
		env.GetEnv("GATEWAY_KEY_SECRET", ""),
		env.GetEnv("GATEWAY_KEY_ID", ""),
		client.Currency,
		holdTTL,
	)
}

// CreateOrder validates a purchase request, reserves one available key for
// it and persists a pending order. The reservation is a compare-and-swap
// from available to held, so the check-then-create race on the last
// remaining key is closed at creation time instead of surfacing after
// payment.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	plan, err := s.repo.GetPlan(ctx, in.BrandID, in.PlanName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ValidationError{Field: "plan_name", Reason: "unknown brand or plan"}
		}
		return nil, err
	}
	// The catalog, not the client, is authoritative for pricing.
	if math.Abs(plan.Price-in.Amount) > 0.005 {
		return nil, &ValidationError{Field: "amount", Reason: "amount does not match the plan price"}
	}

	key, err := s.reserveKey(ctx, in.BrandID, in.PlanName, in.OrderID)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderID:  strings.TrimSpace(in.OrderID),
		BrandID:  in.BrandID,
		PlanName: in.PlanName,
		Amount:   in.Amount,
		Status:   models.OrderStatusPending,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		// The reservation must not outlive a failed order insert.
		_, _ = s.repo.ReleaseHold(ctx, key.ID, order.OrderID)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateOrder
		}
		return nil, err
	}
	return order, nil
}

// OpenPaymentIntent opens an intent with the gateway for a pending order and
// returns what the storefront needs to start the gateway checkout flow.
func (s *Service) OpenPaymentIntent(ctx context.Context, in OpenIntentInput) (*IntentResult, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrderByOrderID(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.IsCompleted() {
		return nil, ErrAlreadyCompleted
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.IntentInput{
		OrderID:   order.OrderID,
		Amount:    order.Amount,
		BrandName: in.BrandName,
		PlanName:  order.PlanName,
	})
	if err != nil {
		return nil, &GatewayError{Op: "create intent", Err: err}
	}

	// Best effort correlation stamp; the receipt on the intent itself is the
	// fallback for webhook reconciliation.
	if err := s.repo.AttachGatewayOrder(ctx, in.OrderID, intent.ID); err != nil {
		return nil, err
	}

	currency := intent.Currency
	if currency == "" {
		currency = s.currency
	}
	return &IntentResult{
		GatewayOrderID: intent.ID,
		AmountMinor:    intent.Amount,
		Currency:       currency,
		GatewayKeyID:   s.gatewayKeyID,
	}, nil
}

// VerifyPayment checks the client-presented proof of payment and, when it
// holds, fulfills the order. It is safe to repeat: a second call for a
// completed order returns ErrAlreadyCompleted without consuming another key.
func (s *Service) VerifyPayment(ctx context.Context, in VerifyPaymentInput) (*VerifyResult, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	if !payment.VerifyPaymentSignature(in.GatewayOrderID, in.GatewayPaymentID, in.Signature, s.keySecret) {
		return nil, ErrInvalidSignature
	}

	return s.settle(ctx, in.OrderID, in.GatewayOrderID, in.GatewayPaymentID)
}

// SettleFromWebhook runs the same capture-check/fulfillment path for a
// webhook delivery whose body signature the caller has already verified.
func (s *Service) SettleFromWebhook(ctx context.Context, orderID, gatewayOrderID, gatewayPaymentID string) (*VerifyResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, &ValidationError{Field: "order_id", Reason: "is required"}
	}
	if strings.TrimSpace(gatewayPaymentID) == "" {
		return nil, &ValidationError{Field: "gateway_payment_id", Reason: "is required"}
	}
	return s.settle(ctx, orderID, gatewayOrderID, gatewayPaymentID)
}

func (s *Service) settle(ctx context.Context, orderID, gatewayOrderID, gatewayPaymentID string) (*VerifyResult, error) {
	p, err := s.gateway.FetchPayment(ctx, gatewayPaymentID)
	if err != nil {
		return nil, &GatewayError{Op: "fetch payment", Err: err}
	}
	if !strings.EqualFold(p.Status, payment.StatusCaptured) {
		return nil, &PaymentNotCapturedError{Status: p.Status}
	}

	order, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.IsCompleted() {
		return nil, ErrAlreadyCompleted
	}

	// The proof must belong to this order. The gateway order id was stamped
	// when the intent was opened, and the captured payment must reference it
	// and cover the stored amount; otherwise one real payment could be
	// replayed against every other pending order.
	if order.GatewayOrderID == "" || order.GatewayOrderID != gatewayOrderID {
		return nil, ErrPaymentMismatch
	}
	if p.GatewayOrderID != gatewayOrderID || p.Amount != payment.MinorUnits(order.Amount) {
		return nil, ErrPaymentMismatch
	}

	key, err := s.fulfillOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	changed, err := s.repo.CompleteOrder(ctx, order.OrderID, gatewayOrderID, gatewayPaymentID, models.SignatureMethodHMACSHA256, key.ID, now)
	if err != nil {
		// The key row already carries the order id stamp, which is the
		// source of truth for reconciliation; the order row catches up on
		// retry.
		return nil, err
	}
	if !changed {
		// A concurrent verification completed the order first and stamped its
		// key id on the order row. If ours is not the stamped key, put it
		// back so the order never consumes two keys.
		if final, ferr := s.repo.GetOrderByOrderID(ctx, order.OrderID); ferr == nil &&
			final.LicenseKeyID != nil && *final.LicenseKeyID != key.ID {
			_, _ = s.repo.ReleaseSoldKey(ctx, key.ID, order.OrderID)
		}
		return nil, ErrAlreadyCompleted
	}

	return &VerifyResult{KeyValue: key.KeyValue, PaymentID: gatewayPaymentID}, nil
}

// fulfillOrder assigns exactly one key to a verified order. The key held at
// creation time is preferred; orders whose hold was swept fall back to the
// open pool.
func (s *Service) fulfillOrder(ctx context.Context, order *models.Order) (*models.LicenseKey, error) {
	now := time.Now()

	key, err := s.repo.FindKeyByOrder(ctx, order.OrderID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		switch key.Status {
		case models.KeyStatusSold:
			// A previous attempt consumed the key but failed before the
			// order row was updated; finish with the same key.
			return key, nil
		case models.KeyStatusHeld:
			won, uerr := s.repo.MarkKeySold(ctx, key.ID, models.KeyStatusHeld, order.OrderID, now)
			if uerr != nil {
				return nil, uerr
			}
			if won {
				return key, nil
			}
			// Lost the conditional update: either a concurrent verification
			// for this order won (same key, now sold) or the sweeper
			// released the hold.
			if again, aerr := s.repo.FindKeyByOrder(ctx, order.OrderID); aerr == nil && again.Status == models.KeyStatusSold {
				return again, nil
			}
		}
	}

	for i := 0; i < reserveAttempts; i++ {
		candidate, ferr := s.repo.FindAvailableKey(ctx, order.BrandID, order.PlanName)
		if ferr != nil {
			if errors.Is(ferr, gorm.ErrRecordNotFound) {
				return nil, ErrNoKeysAvailable
			}
			return nil, ferr
		}
		won, uerr := s.repo.MarkKeySold(ctx, candidate.ID, models.KeyStatusAvailable, order.OrderID, now)
		if uerr != nil {
			return nil, uerr
		}
		if won {
			return candidate, nil
		}
	}
	return nil, ErrNoKeysAvailable
}

// reserveKey picks an available key and holds it for the order being
// created. Concurrent creations racing for the same last key are decided by
// the conditional update; the loser retries against the next candidate.
func (s *Service) reserveKey(ctx context.Context, brandID uint, planName, orderID string) (*models.LicenseKey, error) {
	until := time.Now().Add(s.holdTTL)
	for i := 0; i < reserveAttempts; i++ {
		key, err := s.repo.FindAvailableKey(ctx, brandID, planName)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNoKeysAvailable
			}
			return nil, err
		}
		held, err := s.repo.HoldKey(ctx, key.ID, orderID, until)
		if err != nil {
			return nil, err
		}
		if held {
			return key, nil
		}
	}
	return nil, ErrNoKeysAvailable
}

func (s *Service) validateInput(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := toSnakeCase(verrs[0].Field())
		return &ValidationError{Field: field, Reason: "is missing or malformed"}
	}
	return err
}

func toSnakeCase(field string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range field {
		if r >= 'A' && r <= 'Z' {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = true
	}
	return b.String()
}
