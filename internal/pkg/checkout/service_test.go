package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/keyportapp/keyport/app/models"
	"github.com/keyportapp/keyport/internal/pkg/payment"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

const testSecret = "test-gateway-secret"

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the GORM implementation.
type fakeRepo struct {
	mu     sync.Mutex
	plans  map[string]models.Plan
	keys   map[uint]*models.LicenseKey
	orders map[string]*models.Order
	nextID uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		plans:  make(map[string]models.Plan),
		keys:   make(map[uint]*models.LicenseKey),
		orders: make(map[string]*models.Order),
	}
}

func planKey(brandID uint, name string) string {
	return fmt.Sprintf("%d|%s", brandID, name)
}

func (r *fakeRepo) addPlan(brandID uint, name string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[planKey(brandID, name)] = models.Plan{BrandID: brandID, Name: name, Price: price}
}

func (r *fakeRepo) addKey(brandID uint, planName, value string) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.keys[r.nextID] = &models.LicenseKey{
		ID:       r.nextID,
		BrandID:  brandID,
		PlanName: planName,
		KeyValue: value,
		Status:   models.KeyStatusAvailable,
	}
	return r.nextID
}

func (r *fakeRepo) keyByID(id uint) models.LicenseKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.keys[id]
}

func (r *fakeRepo) GetPlan(_ context.Context, brandID uint, planName string) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plans[planKey(brandID, planName)]; ok {
		return &p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindAvailableKey(_ context.Context, brandID uint, planName string) (*models.LicenseKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.BrandID == brandID && k.PlanName == planName && k.Status == models.KeyStatusAvailable {
			copied := *k
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindKeyByOrder(_ context.Context, orderID string) (*models.LicenseKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var held *models.LicenseKey
	for _, k := range r.keys {
		if k.OrderID == nil || *k.OrderID != orderID {
			continue
		}
		if k.Status == models.KeyStatusSold {
			copied := *k
			return &copied, nil
		}
		held = k
	}
	if held != nil {
		copied := *held
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) HoldKey(_ context.Context, keyID uint, orderID string, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok || k.Status != models.KeyStatusAvailable {
		return false, nil
	}
	k.Status = models.KeyStatusHeld
	k.OrderID = &orderID
	k.HeldUntil = &until
	return true, nil
}

func (r *fakeRepo) ReleaseHold(_ context.Context, keyID uint, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok || k.Status != models.KeyStatusHeld || k.OrderID == nil || *k.OrderID != orderID {
		return false, nil
	}
	k.Status = models.KeyStatusAvailable
	k.OrderID = nil
	k.HeldUntil = nil
	return true, nil
}

func (r *fakeRepo) ReleaseExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for _, k := range r.keys {
		if k.Status == models.KeyStatusHeld && k.HeldUntil != nil && k.HeldUntil.Before(now) {
			k.Status = models.KeyStatusAvailable
			k.OrderID = nil
			k.HeldUntil = nil
			released++
		}
	}
	return released, nil
}

func (r *fakeRepo) MarkKeySold(_ context.Context, keyID uint, fromStatus, orderID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok || k.Status != fromStatus {
		return false, nil
	}
	if fromStatus == models.KeyStatusHeld && (k.OrderID == nil || *k.OrderID != orderID) {
		return false, nil
	}
	k.Status = models.KeyStatusSold
	k.OrderID = &orderID
	k.HeldUntil = nil
	k.SoldAt = &at
	return true, nil
}

func (r *fakeRepo) ReleaseSoldKey(_ context.Context, keyID uint, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok || k.Status != models.KeyStatusSold || k.OrderID == nil || *k.OrderID != orderID {
		return false, nil
	}
	k.Status = models.KeyStatusAvailable
	k.OrderID = nil
	k.SoldAt = nil
	return true, nil
}

func (r *fakeRepo) CreateOrder(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.OrderID]; exists {
		return gorm.ErrDuplicatedKey
	}
	copied := *order
	r.orders[order.OrderID] = &copied
	return nil
}

func (r *fakeRepo) GetOrderByOrderID(_ context.Context, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[orderID]; ok {
		copied := *o
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) AttachGatewayOrder(_ context.Context, orderID, gatewayOrderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[orderID]; ok {
		o.GatewayOrderID = gatewayOrderID
	}
	return nil
}

func (r *fakeRepo) CompleteOrder(_ context.Context, orderID, gatewayOrderID, paymentID, method string, keyID uint, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	kid := keyID
	o.Status = models.OrderStatusCompleted
	o.GatewayOrderID = gatewayOrderID
	o.LicenseKeyID = &kid
	o.GatewayPaymentID = paymentID
	o.SignatureMethod = method
	o.CompletedAt = &at
	return true, nil
}

// hookedRepo lets a test run an action right after a pool key is won, to
// interleave a concurrent settlement attempt deterministically.
type hookedRepo struct {
	*fakeRepo
	hookMu    sync.Mutex
	afterSold func(keyID uint)
}

func (r *hookedRepo) MarkKeySold(ctx context.Context, keyID uint, fromStatus, orderID string, at time.Time) (bool, error) {
	won, err := r.fakeRepo.MarkKeySold(ctx, keyID, fromStatus, orderID, at)
	r.hookMu.Lock()
	hook := r.afterSold
	r.afterSold = nil
	r.hookMu.Unlock()
	if won && hook != nil {
		hook(keyID)
	}
	return won, err
}

// fakeGateway simulates the payment processor.
type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]payment.Payment
	intents  int
	fail     bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]payment.Payment)}
}

func (g *fakeGateway) capture(paymentID, gatewayOrderID, status string, amountMinor int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[paymentID] = payment.Payment{
		ID:             paymentID,
		GatewayOrderID: gatewayOrderID,
		Amount:         amountMinor,
		Status:         status,
	}
}

func (g *fakeGateway) CreateIntent(_ context.Context, in payment.IntentInput) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return nil, errors.New("simulated gateway outage")
	}
	g.intents++
	return &payment.Intent{
		ID:       fmt.Sprintf("gw_order_%d", g.intents),
		Amount:   payment.MinorUnits(in.Amount),
		Currency: "INR",
		Receipt:  in.OrderID,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) FetchPayment(_ context.Context, paymentID string) (*payment.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentID]; ok {
		return &p, nil
	}
	return nil, errors.New("payment not found")
}

func newTestService(repo Repository, gw *fakeGateway) *Service {
	return NewService(repo, gw, testSecret, "key_test_123", "INR", DefaultHoldTTL)
}

func TestCreateOrderValidatesInput(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeGateway())

	tests := []struct {
		name  string
		in    CreateOrderInput
		field string
	}{
		{"missing order id", CreateOrderInput{BrandID: 1, PlanName: "1 Month", Amount: 299}, "order_id"},
		{"missing brand", CreateOrderInput{OrderID: "ORD1", PlanName: "1 Month", Amount: 299}, "brand_id"},
		{"missing plan", CreateOrderInput{OrderID: "ORD1", BrandID: 1, Amount: 299}, "plan_name"},
		{"zero amount", CreateOrderInput{OrderID: "ORD1", BrandID: 1, PlanName: "1 Month"}, "amount"},
		{"negative amount", CreateOrderInput{OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: -5}, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), tt.in)
			var verr *ValidationError
			if assert.ErrorAs(t, err, &verr) {
				assert.Equal(t, tt.field, verr.Field)
			}
		})
	}
}

func TestCreateOrderFailsWithoutKeys(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(2, "1 Year", 3299)
	svc := newTestService(repo, newFakeGateway())

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD2", BrandID: 2, PlanName: "1 Year", Amount: 3299,
	})

	assert.ErrorIs(t, err, ErrNoKeysAvailable)
	_, err = repo.GetOrderByOrderID(context.Background(), "ORD2")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCreateOrderReservesKey(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	svc := newTestService(repo, newFakeGateway())

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})

	assert.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	key := repo.keyByID(keyID)
	assert.Equal(t, models.KeyStatusHeld, key.Status)
	if assert.NotNil(t, key.OrderID) {
		assert.Equal(t, "ORD1", *key.OrderID)
	}
	assert.NotNil(t, key.HeldUntil)
}

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	firstKey := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	secondKey := repo.addKey(1, "1 Month", "VIS-CCCC-DDDD")
	svc := newTestService(repo, newFakeGateway())

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)

	_, err = svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	// The losing attempt must release its reservation: exactly one key stays
	// held, by the original order.
	held := 0
	for _, id := range []uint{firstKey, secondKey} {
		key := repo.keyByID(id)
		switch key.Status {
		case models.KeyStatusHeld:
			held++
			if assert.NotNil(t, key.OrderID) {
				assert.Equal(t, "ORD1", *key.OrderID)
			}
		case models.KeyStatusAvailable:
			assert.Nil(t, key.OrderID)
		default:
			t.Fatalf("unexpected key status %q", key.Status)
		}
	}
	assert.Equal(t, 1, held)
}

func TestCreateOrderRejectsWrongAmount(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	svc := newTestService(repo, newFakeGateway())

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 199,
	})

	var verr *ValidationError
	if assert.ErrorAs(t, err, &verr) {
		assert.Equal(t, "amount", verr.Field)
	}
}

func TestOpenPaymentIntent(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)

	result, err := svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})

	assert.NoError(t, err)
	assert.Equal(t, "gw_order_1", result.GatewayOrderID)
	assert.Equal(t, int64(29900), result.AmountMinor)
	assert.Equal(t, "INR", result.Currency)
	assert.Equal(t, "key_test_123", result.GatewayKeyID)

	order, err := repo.GetOrderByOrderID(context.Background(), "ORD1")
	assert.NoError(t, err)
	assert.Equal(t, "gw_order_1", order.GatewayOrderID)
}

func TestOpenPaymentIntentGatewayFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	gw.fail = true
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)

	_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})

	var gerr *GatewayError
	assert.ErrorAs(t, err, &gerr)
}

func TestOpenPaymentIntentUnknownOrder(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeGateway())

	_, err := svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD404", BrandName: "Vision",
	})

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestVerifyPaymentFullFlow(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)

	intent, err := svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})
	assert.NoError(t, err)

	gw.capture("pay_1", intent.GatewayOrderID, payment.StatusCaptured, intent.AmountMinor)
	sig := payment.SignPayment(intent.GatewayOrderID, "pay_1", testSecret)

	result, err := svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        sig,
		OrderID:          "ORD1",
	})

	assert.NoError(t, err)
	assert.Equal(t, "VIS-AAAA-BBBB", result.KeyValue)
	assert.Equal(t, "pay_1", result.PaymentID)

	key := repo.keyByID(keyID)
	assert.Equal(t, models.KeyStatusSold, key.Status)
	if assert.NotNil(t, key.OrderID) {
		assert.Equal(t, "ORD1", *key.OrderID)
	}
	assert.NotNil(t, key.SoldAt)

	order, err := repo.GetOrderByOrderID(context.Background(), "ORD1")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, "pay_1", order.GatewayPaymentID)
	assert.Equal(t, models.SignatureMethodHMACSHA256, order.SignatureMethod)
	assert.NotNil(t, order.CompletedAt)
	if assert.NotNil(t, order.LicenseKeyID) {
		assert.Equal(t, keyID, *order.LicenseKeyID)
	}

	// Repeating the identical call must not dispense a second key.
	_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: "pay_1",
		Signature:        sig,
		OrderID:          "ORD1",
	})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestVerifyPaymentRejectsTamperedSignature(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)
	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)

	before := repo.keyByID(keyID)
	_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", "wrong-secret"),
		OrderID:          "ORD1",
	})

	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, before.Status, repo.keyByID(keyID).Status)
}

func TestVerifyPaymentRejectsUncapturedPayment(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)
	gw.capture("pay_1", "gw_order_1", "authorized", 29900)

	_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
		OrderID:          "ORD1",
	})

	var perr *PaymentNotCapturedError
	if assert.ErrorAs(t, err, &perr) {
		assert.Equal(t, "authorized", perr.Status)
	}
	assert.Equal(t, models.KeyStatusHeld, repo.keyByID(keyID).Status)
}

func TestVerifyPaymentUnknownOrder(t *testing.T) {
	gw := newFakeGateway()
	svc := newTestService(newFakeRepo(), gw)
	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)

	_, err := svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
		OrderID:          "ORD404",
	})

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestVerifyPaymentRejectsReplayedProof(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	firstKey := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	secondKey := repo.addKey(1, "1 Month", "VIS-CCCC-DDDD")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	for _, id := range []string{"ORD1", "ORD2"} {
		_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
			OrderID: id, BrandID: 1, PlanName: "1 Month", Amount: 299,
		})
		assert.NoError(t, err)
		_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
			OrderID: id, BrandName: "Vision",
		})
		assert.NoError(t, err)
	}

	// Only the first order is paid for.
	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)
	sig := payment.SignPayment("gw_order_1", "pay_1", testSecret)

	_, err := svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        sig,
		OrderID:          "ORD1",
	})
	assert.NoError(t, err)

	// The same valid proof presented against the unpaid order must not
	// dispense its key.
	_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        sig,
		OrderID:          "ORD2",
	})
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	order2, err := repo.GetOrderByOrderID(context.Background(), "ORD2")
	assert.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order2.Status)

	sold, heldForORD2 := 0, 0
	for _, id := range []uint{firstKey, secondKey} {
		switch key := repo.keyByID(id); key.Status {
		case models.KeyStatusSold:
			sold++
		case models.KeyStatusHeld:
			if assert.NotNil(t, key.OrderID) {
				assert.Equal(t, "ORD2", *key.OrderID)
			}
			heldForORD2++
		}
	}
	assert.Equal(t, 1, sold)
	assert.Equal(t, 1, heldForORD2)
}

func TestVerifyPaymentRejectsMismatchedPayment(t *testing.T) {
	tests := []struct {
		name    string
		capture func(gw *fakeGateway)
	}{
		{
			"payment belongs to another gateway order",
			func(gw *fakeGateway) { gw.capture("pay_1", "gw_order_other", payment.StatusCaptured, 29900) },
		},
		{
			"payment does not cover the order amount",
			func(gw *fakeGateway) { gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 100) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.addPlan(1, "1 Month", 299)
			keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
			gw := newFakeGateway()
			svc := newTestService(repo, gw)

			_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
				OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
			})
			assert.NoError(t, err)
			_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
				OrderID: "ORD1", BrandName: "Vision",
			})
			assert.NoError(t, err)
			tt.capture(gw)

			_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
				GatewayOrderID:   "gw_order_1",
				GatewayPaymentID: "pay_1",
				Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
				OrderID:          "ORD1",
			})

			assert.ErrorIs(t, err, ErrPaymentMismatch)
			assert.Equal(t, models.KeyStatusHeld, repo.keyByID(keyID).Status)
		})
	}
}

func TestFulfillFallsBackAfterSweptHold(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)
	_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})
	assert.NoError(t, err)

	// Simulate the sweeper returning the hold to the pool.
	released, err := repo.ReleaseHold(context.Background(), keyID, "ORD1")
	assert.NoError(t, err)
	assert.True(t, released)

	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)
	result, err := svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
		OrderID:          "ORD1",
	})

	assert.NoError(t, err)
	assert.Equal(t, "VIS-AAAA-BBBB", result.KeyValue)
	assert.Equal(t, models.KeyStatusSold, repo.keyByID(keyID).Status)
}

func TestVerifyPaymentPoolExhaustedAfterPayment(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)
	_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})
	assert.NoError(t, err)

	// The hold expires and another order consumes the last key.
	_, err = repo.ReleaseHold(context.Background(), keyID, "ORD1")
	assert.NoError(t, err)
	won, err := repo.MarkKeySold(context.Background(), keyID, models.KeyStatusAvailable, "OTHER", time.Now())
	assert.NoError(t, err)
	assert.True(t, won)

	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)
	_, err = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
		OrderID:          "ORD1",
	})

	// A paid order that cannot be fulfilled surfaces the distinct
	// inventory-exhaustion error for the refund/restock flow.
	assert.ErrorIs(t, err, ErrNoKeysAvailable)
}

func TestConcurrentFulfillmentSingleWinner(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	// Two pending orders race for the last key; neither holds it.
	for i, id := range []string{"ORD1", "ORD2"} {
		assert.NoError(t, repo.CreateOrder(context.Background(), &models.Order{
			OrderID: id, BrandID: 1, PlanName: "1 Month", Amount: 299,
			Status: models.OrderStatusPending,
		}))
		gwOrder := fmt.Sprintf("gw_order_%d", i+1)
		assert.NoError(t, repo.AttachGatewayOrder(context.Background(), id, gwOrder))
		gw.capture(fmt.Sprintf("pay_%d", i+1), gwOrder, payment.StatusCaptured, 29900)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{"ORD1", "ORD2"} {
		wg.Add(1)
		go func(i int, orderID string) {
			defer wg.Done()
			gwOrder := fmt.Sprintf("gw_order_%d", i+1)
			payID := fmt.Sprintf("pay_%d", i+1)
			_, errs[i] = svc.VerifyPayment(context.Background(), VerifyPaymentInput{
				GatewayOrderID:   gwOrder,
				GatewayPaymentID: payID,
				Signature:        payment.SignPayment(gwOrder, payID, testSecret),
				OrderID:          orderID,
			})
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrNoKeysAvailable)
		}
	}
	assert.Equal(t, 1, winners)

	key := repo.keyByID(keyID)
	assert.Equal(t, models.KeyStatusSold, key.Status)
	assert.NotNil(t, key.OrderID)
}

func TestConcurrentSettlementSameOrderReleasesLoserKey(t *testing.T) {
	base := newFakeRepo()
	base.addPlan(1, "1 Month", 299)
	firstKey := base.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	secondKey := base.addKey(1, "1 Month", "VIS-CCCC-DDDD")
	repo := &hookedRepo{fakeRepo: base}
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	ctx := context.Background()
	assert.NoError(t, base.CreateOrder(ctx, &models.Order{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
		Status: models.OrderStatusPending,
	}))
	assert.NoError(t, base.AttachGatewayOrder(ctx, "ORD1", "gw_order_1"))
	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)

	// The order's hold was swept, so settlement falls back to the pool.
	// Right after this attempt wins a pool key, a concurrent settlement for
	// the same order wins the other key and completes the order first.
	repo.afterSold = func(keyID uint) {
		other := firstKey
		if keyID == firstKey {
			other = secondKey
		}
		won, err := base.MarkKeySold(ctx, other, models.KeyStatusAvailable, "ORD1", time.Now())
		assert.NoError(t, err)
		assert.True(t, won)
		changed, err := base.CompleteOrder(ctx, "ORD1", "gw_order_1", "pay_1", models.SignatureMethodHMACSHA256, other, time.Now())
		assert.NoError(t, err)
		assert.True(t, changed)
	}

	_, err := svc.VerifyPayment(ctx, VerifyPaymentInput{
		GatewayOrderID:   "gw_order_1",
		GatewayPaymentID: "pay_1",
		Signature:        payment.SignPayment("gw_order_1", "pay_1", testSecret),
		OrderID:          "ORD1",
	})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	// The order keeps exactly the key stamped by the winner; the loser's key
	// is back in the pool instead of staying sold under the same order.
	order, err := base.GetOrderByOrderID(ctx, "ORD1")
	assert.NoError(t, err)
	assert.NotNil(t, order.LicenseKeyID)

	sold, available := 0, 0
	for _, id := range []uint{firstKey, secondKey} {
		switch key := base.keyByID(id); key.Status {
		case models.KeyStatusSold:
			sold++
			if order.LicenseKeyID != nil {
				assert.Equal(t, *order.LicenseKeyID, key.ID)
			}
		case models.KeyStatusAvailable:
			available++
			assert.Nil(t, key.OrderID)
		default:
			t.Fatalf("unexpected key status %q", key.Status)
		}
	}
	assert.Equal(t, 1, sold)
	assert.Equal(t, 1, available)
}

func TestSettleFromWebhook(t *testing.T) {
	repo := newFakeRepo()
	repo.addPlan(1, "1 Month", 299)
	repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	gw := newFakeGateway()
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		OrderID: "ORD1", BrandID: 1, PlanName: "1 Month", Amount: 299,
	})
	assert.NoError(t, err)
	_, err = svc.OpenPaymentIntent(context.Background(), OpenIntentInput{
		OrderID: "ORD1", BrandName: "Vision",
	})
	assert.NoError(t, err)
	gw.capture("pay_1", "gw_order_1", payment.StatusCaptured, 29900)

	result, err := svc.SettleFromWebhook(context.Background(), "ORD1", "gw_order_1", "pay_1")
	assert.NoError(t, err)
	assert.Equal(t, "VIS-AAAA-BBBB", result.KeyValue)

	// Redelivery is an idempotent no-op.
	_, err = svc.SettleFromWebhook(context.Background(), "ORD1", "gw_order_1", "pay_1")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestHoldSweeperReleasesExpiredHolds(t *testing.T) {
	repo := newFakeRepo()
	keyID := repo.addKey(1, "1 Month", "VIS-AAAA-BBBB")
	past := time.Now().Add(-time.Minute)
	held, err := repo.HoldKey(context.Background(), keyID, "ORD1", past)
	assert.NoError(t, err)
	assert.True(t, held)

	sweeper := NewHoldSweeper(repo, 5*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		return repo.keyByID(keyID).Status == models.KeyStatusAvailable
	}, time.Second, 10*time.Millisecond)
}
