package model

import "time"

// Subscription status values. These form a closed set: webhook payloads
// carrying anything else are rejected rather than stored.
const (
	StatusCreated  = "created"
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusRevoked  = "revoked"
)

// ValidStatus reports whether s is one of the known subscription statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusCreated, StatusActive, StatusCanceled, StatusRevoked:
		return true
	}
	return false
}

// Subscription is the local mirror of a provider subscription. The ID is the
// provider's subscription ID and doubles as the webhook idempotency key.
// Exactly one of UserID and OrganizationID is set.
type Subscription struct {
	ID                 string     `json:"id"`
	UserID             *string    `json:"user_id"`
	OrganizationID     *string    `json:"organization_id"`
	PolarCustomerID    string     `json:"polar_customer_id"`
	ProductID          string     `json:"product_id"`
	PriceID            string     `json:"price_id"`
	Status             string     `json:"status"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	RecurringInterval  string     `json:"recurring_interval"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	StartedAt          *time.Time `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at"`
	ModifiedAt         time.Time  `json:"modified_at"`
	Metadata           string     `json:"metadata"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EntityID returns the owning billing entity ID (organization or user).
func (s *Subscription) EntityID() string {
	if s.OrganizationID != nil {
		return *s.OrganizationID
	}
	if s.UserID != nil {
		return *s.UserID
	}
	return ""
}

// Product mirrors a provider product. Products link subscriptions to plans
// in the plan registry via their ID.
type Product struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	IsRecurring         bool      `json:"is_recurring"`
	IsArchived          bool      `json:"is_archived"`
	PolarOrganizationID string    `json:"polar_organization_id"`
	ModifiedAt          time.Time `json:"modified_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// UsageRecord is the per-period consumption counter for one feature under
// one subscription. At most one row exists per
// (subscription, feature, period start, period end).
type UsageRecord struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         *string   `json:"user_id"`
	OrganizationID *string   `json:"organization_id"`
	FeatureKey     string    `json:"feature_key"`
	CurrentUsage   float64   `json:"current_usage"`
	Unit           string    `json:"unit"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	LastUpdated    time.Time `json:"last_updated"`
}

// CustomerLink maps a provider customer ID back to a local billing entity.
// It is the fallback identity channel when a webhook arrives without a
// resolvable external ID.
type CustomerLink struct {
	ID              string    `json:"id"`
	PolarCustomerID string    `json:"polar_customer_id"`
	UserID          *string   `json:"user_id"`
	OrganizationID  *string   `json:"organization_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
