package polar

import (
	"encoding/json"
	"fmt"
	"time"
)

// Webhook event types the service understands. Anything else parses to
// UnknownEvent and is acknowledged without processing, so new provider
// event types never bounce.
const (
	EventCheckoutCreated        = "checkout.created"
	EventCheckoutUpdated        = "checkout.updated"
	EventSubscriptionCreated    = "subscription.created"
	EventSubscriptionUpdated    = "subscription.updated"
	EventSubscriptionActive     = "subscription.active"
	EventSubscriptionCanceled   = "subscription.canceled"
	EventSubscriptionUncanceled = "subscription.uncanceled"
	EventSubscriptionRevoked    = "subscription.revoked"
	EventProductCreated         = "product.created"
	EventProductUpdated         = "product.updated"
)

// WebhookEvent is a tagged variant per event category: the handler type-
// switches over the concrete types, so adding a category means the switch
// has to say what to do with it.
type WebhookEvent interface {
	EventType() string
}

type SubscriptionEvent struct {
	Type string
	Data SubscriptionData
}

func (e *SubscriptionEvent) EventType() string { return e.Type }

type ProductEvent struct {
	Type string
	Data ProductData
}

func (e *ProductEvent) EventType() string { return e.Type }

type CheckoutEvent struct {
	Type string
}

func (e *CheckoutEvent) EventType() string { return e.Type }

type UnknownEvent struct {
	Type string
}

func (e *UnknownEvent) EventType() string { return e.Type }

// CustomerData is the customer object embedded in webhook payloads.
// ExternalID is the checkout-time external identifier, when the provider
// has one.
type CustomerData struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// SubscriptionData is the data object of subscription lifecycle events.
// Fields the provider may omit on partial payloads are pointers.
type SubscriptionData struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	Amount             int64          `json:"amount"`
	Currency           string         `json:"currency"`
	RecurringInterval  string         `json:"recurring_interval"`
	CurrentPeriodStart time.Time      `json:"current_period_start"`
	CurrentPeriodEnd   time.Time      `json:"current_period_end"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end"`
	StartedAt          *time.Time     `json:"started_at"`
	EndedAt            *time.Time     `json:"ended_at"`
	CreatedAt          *time.Time     `json:"created_at"`
	ModifiedAt         *time.Time     `json:"modified_at"`
	ProductID          string         `json:"product_id"`
	PriceID            string         `json:"price_id"`
	CustomerID         string         `json:"customer_id"`
	Customer           *CustomerData  `json:"customer"`
	Product            *ProductData   `json:"product"`
	Metadata           map[string]any `json:"metadata"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes a verified webhook body into its tagged variant.
func ParseEvent(body []byte) (WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("webhook envelope missing type")
	}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionActive,
		EventSubscriptionCanceled, EventSubscriptionUncanceled, EventSubscriptionRevoked:
		var data SubscriptionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		if data.ID == "" {
			return nil, fmt.Errorf("%s missing subscription id", env.Type)
		}
		return &SubscriptionEvent{Type: env.Type, Data: data}, nil

	case EventProductCreated, EventProductUpdated:
		var data ProductData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.Type, err)
		}
		if data.ID == "" {
			return nil, fmt.Errorf("%s missing product id", env.Type)
		}
		return &ProductEvent{Type: env.Type, Data: data}, nil

	case EventCheckoutCreated, EventCheckoutUpdated:
		return &CheckoutEvent{Type: env.Type}, nil

	default:
		return &UnknownEvent{Type: env.Type}, nil
	}
}
