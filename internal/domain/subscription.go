/**
 * @description
 * This file defines the subscription domain models, including the per-subject
 * Subscription row that carries listing quotas and the summary DTO returned to dealers.
 */
package domain

import "time"

// SubscriptionStatus is the stored lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	SubscriptionTrial   SubscriptionStatus = "trial"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"

	// SubscriptionNone is only reported in summaries for subjects without a row.
	SubscriptionNone SubscriptionStatus = "none"
)

// Roles a subject can hold on the marketplace.
const (
	RoleUser   = "user"
	RoleDealer = "dealer"
	RoleAdmin  = "admin"
)

// Subscription is the single live plan row of a subject. ListingsAllowed nil means unlimited.
type Subscription struct {
	ID              string             `json:"id"`
	SubjectID       string             `json:"subject_id"`
	PlanName        string             `json:"plan_name"`
	ListingsAllowed *int               `json:"listings_allowed"`
	ListingsUsed    int                `json:"listings_used"`
	StartDate       time.Time          `json:"start_date"`
	EndDate         time.Time          `json:"end_date"`
	GraceUntil      *time.Time         `json:"grace_until,omitempty"`
	Status          SubscriptionStatus `json:"status"`
	AdminOverride   bool               `json:"admin_override"`
	ReminderSent    bool               `json:"reminder_sent"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// InGrace reports whether the row is a lapsed paid plan still inside its grace window.
// Lapsed plans are stored as expired with grace_until set until the window is closed.
func (s *Subscription) InGrace() bool {
	return s.Status == SubscriptionExpired && s.GraceUntil != nil
}

// AccessEnd is the last instant listings may still be created under this row.
func (s *Subscription) AccessEnd() time.Time {
	if s.InGrace() {
		return *s.GraceUntil
	}
	return s.EndDate
}

// Usable reports whether the subscription grants listing access at now.
func (s *Subscription) Usable(now time.Time) bool {
	switch {
	case s.Status == SubscriptionActive, s.Status == SubscriptionTrial, s.InGrace():
	default:
		return false
	}
	return !now.Before(s.StartDate) && !now.After(s.AccessEnd())
}

// SubscriptionSummary is the dealer-facing view of the current plan.
type SubscriptionSummary struct {
	PlanName          string             `json:"plan_name"`
	Status            SubscriptionStatus `json:"status"`
	IsActive          bool               `json:"is_active"`
	EndDate           *time.Time         `json:"end_date,omitempty"`
	GraceUntil        *time.Time         `json:"grace_until,omitempty"`
	ListingsAllowed   *int               `json:"listings_allowed"`
	ListingsUsed      int                `json:"listings_used"`
	ListingsRemaining int                `json:"listings_remaining"` // -1 for unlimited
}

// Subject is the contact and trial state of a marketplace user.
type Subject struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	Role       string     `json:"role"`
	TrialStart *time.Time `json:"trial_start,omitempty"`
	TrialEnd   *time.Time `json:"trial_end,omitempty"`
	TrialUsed  bool       `json:"trial_used"`
}

// Contact returns the notification address of the subject.
func (s *Subject) Contact() Contact {
	return Contact{SubjectID: s.ID, Email: s.Email, Phone: s.Phone}
}

// Contact is where notifications for a subject are delivered.
type Contact struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}
