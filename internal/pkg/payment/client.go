package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keyportapp/keyport/internal/pkg/env"
)

// Payment status the gateway reports once funds are secured. Anything else
// (authorized, failed, refunded, ...) must not release a key.
const StatusCaptured = "captured"

// Client talks to the payment processor's REST API. The processor is treated
// as a generic capability: create an intent, fetch a payment by id.
type Client struct {
	KeyID     string
	KeySecret string

	BaseURL  string
	Currency string

	HTTPClient *http.Client
}

// IntentInput describes the intent to collect a payment for one order.
type IntentInput struct {
	OrderID   string
	Amount    float64
	BrandName string
	PlanName  string
}

// Intent is the gateway-side record of an expected payment.
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Payment is the gateway-side record of a payment attempt.
type Payment struct {
	ID             string `json:"id"`
	GatewayOrderID string `json:"order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Method         string `json:"method"`
}

func NewClientFromEnv() *Client {
	return &Client{
		KeyID:     strings.TrimSpace(env.GetEnv("GATEWAY_KEY_ID", "")),
		KeySecret: strings.TrimSpace(env.GetEnv("GATEWAY_KEY_SECRET", "")),
		BaseURL:   strings.TrimRight(env.GetEnv("GATEWAY_BASE_URL", "https://api.gateway.example/v1"), "/"),
		Currency:  strings.TrimSpace(env.GetEnv("GATEWAY_CURRENCY", "INR")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// MinorUnits converts a display amount to the gateway's integer minor
// currency unit (paise/cents), rounded to the nearest unit.
func MinorUnits(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

// CreateIntent opens a payment intent tagged with the internal order id so
// the payment can be reconciled later.
func (c *Client) CreateIntent(ctx context.Context, in IntentInput) (*Intent, error) {
	if strings.TrimSpace(c.KeyID) == "" || strings.TrimSpace(c.KeySecret) == "" {
		return nil, errors.New("GATEWAY_KEY_ID/GATEWAY_KEY_SECRET are not configured")
	}

	payload := map[string]interface{}{
		"amount":   MinorUnits(in.Amount),
		"currency": c.Currency,
		"receipt":  in.OrderID,
		"notes": map[string]string{
			"order_id": in.OrderID,
			"brand":    in.BrandName,
			"plan":     in.PlanName,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway intent request failed: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var out Intent
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("gateway intent response missing id")
	}
	return &out, nil
}

// FetchPayment loads the current state of a payment by its gateway id.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, errors.New("payment id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/payments/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway payment lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out Payment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("gateway payment response missing id")
	}
	return &out, nil
}
