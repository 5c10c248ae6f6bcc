package domain

import "time"

// TemplateKind names a notification template rendered by the delivery service.
type TemplateKind string

const (
	TemplatePaymentSucceeded   TemplateKind = "payment_succeeded"
	TemplatePaymentFailed      TemplateKind = "payment_failed"
	TemplateSubscriptionEnding TemplateKind = "subscription_expiring"
	TemplateSubscriptionGrace  TemplateKind = "subscription_grace"
	TemplateTrialEnding        TemplateKind = "trial_expiring"
	TemplateTrialStarted       TemplateKind = "trial_started"
)

// NotificationEvent is the payload published for the delivery service.
type NotificationEvent struct {
	Contact   Contact        `json:"contact"`
	Template  TemplateKind   `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PaymentStatusEvent is a provider notification relayed over the message bus.
type PaymentStatusEvent struct {
	MerchantReference string `json:"merchant_reference"`
	TrackingID        string `json:"order_tracking_id"`
	Status            string `json:"status"`
}
