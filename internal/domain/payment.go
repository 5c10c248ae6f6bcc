/**
 * @description
 * This file defines the payment-side domain models: the PaymentAttempt ledger row,
 * its lifecycle statuses, and the DTOs exchanged with the HTTP layer when a checkout
 * is created or its status is polled.
 */
package domain

import "time"

// PaymentStatus is the stored lifecycle state of a PaymentAttempt.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentAttempt is one checkout session, correlated across systems by MerchantReference.
// Rows are never deleted; Status moves from pending to a terminal state at most once.
type PaymentAttempt struct {
	MerchantReference     string        `json:"merchant_reference"`
	ProviderTrackingID    *string       `json:"provider_tracking_id,omitempty"`
	SubjectID             string        `json:"subject_id"`
	PlanName              string        `json:"plan_name"`
	Amount                int64         `json:"amount"` // minor units
	Currency              string        `json:"currency"`
	Method                string        `json:"method"`
	Phone                 string        `json:"phone,omitempty"`
	Status                PaymentStatus `json:"status"`
	ProviderStatus        *string       `json:"provider_status,omitempty"`
	SubscriptionAppliedAt *time.Time    `json:"subscription_applied_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// TrackingID returns the provider tracking id or an empty string.
func (p *PaymentAttempt) TrackingID() string {
	if p == nil || p.ProviderTrackingID == nil {
		return ""
	}
	return *p.ProviderTrackingID
}

// CheckoutRequest is the input for starting a paid plan checkout.
type CheckoutRequest struct {
	SubjectID string `json:"subject_id"`
	Plan      string `json:"plan"`
	Amount    int64  `json:"amount"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// CheckoutResult is returned to the client once the provider order exists.
type CheckoutResult struct {
	CheckoutURL       string `json:"checkout_url"`
	MerchantReference string `json:"merchant_reference"`
}

// PaymentStatusView is the public, provider-agnostic status of an attempt.
type PaymentStatusView struct {
	MerchantReference string `json:"merchant_reference"`
	Status            string `json:"status"` // pending|success|cancelled|failed
}
