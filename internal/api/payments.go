package api

import (
	"context"
	"fmt"
	"net/http"
)

// Plan is a purchasable membership plan
type Plan struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	DurationDays int     `json:"durationDays"`
	Description  string  `json:"description,omitempty"`
}

// Order is a payment order created for a plan
type Order struct {
	OrderID  string  `json:"orderId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// PaymentVerification is the gateway callback payload forwarded to the backend
type PaymentVerification struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// PaymentPlans lists the available plans
func (c *Client) PaymentPlans(ctx context.Context) ([]Plan, error) {
	var out []Plan
	if err := c.do(ctx, http.MethodGet, "/payments/plans", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch plans: %w", err)
	}
	return out, nil
}

// CreateOrder starts a purchase of planID
func (c *Client) CreateOrder(ctx context.Context, planID string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPost, "/payments/create-order", nil, map[string]string{"planId": planID}, &out); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return &out, nil
}

// VerifyPayment submits the gateway's payment confirmation
func (c *Client) VerifyPayment(ctx context.Context, v PaymentVerification) error {
	if err := c.do(ctx, http.MethodPost, "/payments/verify", nil, v, nil); err != nil {
		return fmt.Errorf("failed to verify payment: %w", err)
	}
	return nil
}
