package checkout

// CreateOrderInput is the strict schema for an order creation request. It is
// validated before any side effect.
type CreateOrderInput struct {
	OrderID  string  `json:"order_id" validate:"required,min=4,max=64"`
	BrandID  uint    `json:"brand_id" validate:"required"`
	PlanName string  `json:"plan_name" validate:"required,max=100"`
	Amount   float64 `json:"amount" validate:"required,gt=0"`
}

// OpenIntentInput describes the request to open a payment intent for a
// pending order. The charge amount always comes from the stored order, never
// from the client.
type OpenIntentInput struct {
	OrderID   string `json:"order_id" validate:"required,min=4,max=64"`
	BrandName string `json:"brand_name" validate:"max=100"`
}

// IntentResult is what the storefront needs to hand the buyer over to the
// gateway's checkout flow.
type IntentResult struct {
	GatewayOrderID string `json:"gateway_order_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	GatewayKeyID   string `json:"gateway_key_id"`
}

// VerifyPaymentInput is the proof of payment presented by the client or the
// gateway webhook.
type VerifyPaymentInput struct {
	GatewayOrderID   string `json:"gateway_order_id" validate:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" validate:"required"`
	Signature        string `json:"signature" validate:"required"`
	OrderID          string `json:"order_id" validate:"required,min=4,max=64"`
}

// VerifyResult carries the dispensed key once a payment has been verified
// and the order fulfilled.
type VerifyResult struct {
	KeyValue  string `json:"key"`
	PaymentID string `json:"payment_id"`
}
