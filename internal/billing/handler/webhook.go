package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/dukerupert/bywater/internal/billing/entitlement"
	"github.com/dukerupert/bywater/internal/billing/identity"
	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/polar"
	"github.com/dukerupert/bywater/internal/billing/store"
)

// errBadEvent marks payloads that passed signature verification but fail
// validation. The provider gets a 400 and must not redeliver them.
var errBadEvent = errors.New("bad event")

type WebhookHandler struct {
	verifier     *svix.Webhook
	subs         *store.SubscriptionStore
	products     *store.ProductStore
	links        *store.CustomerLinkStore
	identities   *identity.Resolver
	registry     *plan.Registry
	entitlements *entitlement.Resolver
	logger       *slog.Logger
}

func NewWebhookHandler(
	webhookSecret string,
	subs *store.SubscriptionStore,
	products *store.ProductStore,
	links *store.CustomerLinkStore,
	identities *identity.Resolver,
	registry *plan.Registry,
	entitlements *entitlement.Resolver,
	logger *slog.Logger,
) (*WebhookHandler, error) {
	verifier, err := svix.NewWebhook(webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook verifier: %w", err)
	}
	return &WebhookHandler{
		verifier:     verifier,
		subs:         subs,
		products:     products,
		links:        links,
		identities:   identities,
		registry:     registry,
		entitlements: entitlements,
		logger:       logger,
	}, nil
}

// HandlePolarWebhook receives provider webhooks. Signature failures get 403,
// malformed or invalid payloads 400, processing failures 500 so the provider
// redelivers; everything else is acknowledged, including event types the
// service does not handle.
func (h *WebhookHandler) HandlePolarWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	event, err := polar.ParseEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	switch ev := event.(type) {
	case *polar.SubscriptionEvent:
		if err := h.handleSubscription(ev); err != nil {
			h.logger.Error("subscription event failed",
				"type", ev.Type, "subscription_id", ev.Data.ID, "error", err)
			if errors.Is(err, errBadEvent) {
				http.Error(w, "invalid payload", http.StatusBadRequest)
			} else {
				http.Error(w, "processing failed", http.StatusInternalServerError)
			}
			return
		}
	case *polar.ProductEvent:
		h.applyProduct(ev.Data)
	case *polar.CheckoutEvent:
		h.logger.Info("checkout event", "type", ev.Type)
	case *polar.UnknownEvent:
		h.logger.Info("ignoring unhandled webhook event", "type", ev.Type)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

// handleSubscription reconciles one subscription lifecycle event into local
// state. The status and identity checks happen before any write: a payload
// that cannot be attributed to exactly one entity must fail whole, so the
// provider retries once the entity exists.
func (h *WebhookHandler) handleSubscription(ev *polar.SubscriptionEvent) error {
	data := ev.Data
	if !model.ValidStatus(data.Status) {
		return fmt.Errorf("%w: unknown status %q", errBadEvent, data.Status)
	}

	ref := identity.Ref{CustomerID: data.CustomerID, Metadata: data.Metadata}
	if data.Customer != nil {
		ref.ExternalID = data.Customer.ExternalID
		if ref.CustomerID == "" {
			ref.CustomerID = data.Customer.ID
		}
	}
	id, err := h.identities.Resolve(ref)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	// Product objects embedded in subscription payloads refresh the plan
	// registry too, best effort.
	if data.Product != nil {
		h.applyProduct(*data.Product)
	}

	sub := subscriptionFromEvent(data, id)
	applied, err := h.subs.Upsert(sub)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if !applied {
		h.logger.Info("stale subscription event ignored",
			"type", ev.Type, "subscription_id", sub.ID, "modified_at", sub.ModifiedAt)
		return nil
	}

	// Side effects past the core upsert are logged, never bounced: the state
	// change stuck, so a redelivery would not help.
	if sub.PolarCustomerID != "" {
		if err := h.links.Upsert(sub.PolarCustomerID, id.UserID, id.OrganizationID); err != nil {
			h.logger.Error("customer link upsert failed",
				"customer_id", sub.PolarCustomerID, "error", err)
		}
	}
	if sub.Status == model.StatusActive {
		if p, ok := h.registry.Lookup(sub.ProductID); ok {
			if err := h.entitlements.InitializeUsage(sub, p); err != nil {
				h.logger.Error("usage initialization failed", "subscription_id", sub.ID, "error", err)
			}
		}
	}

	h.logger.Info("subscription event processed",
		"type", ev.Type, "subscription_id", sub.ID, "status", sub.Status, "entity_id", sub.EntityID())
	return nil
}

func (h *WebhookHandler) applyProduct(data polar.ProductData) {
	prod := productFromData(data)
	applied, err := h.products.Upsert(prod)
	if err != nil {
		h.logger.Error("product upsert failed", "product_id", data.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	if err := h.registry.ApplyProductOverrides(data.ID, plan.OverridesFromMetadata(data.Metadata)); err != nil {
		h.logger.Error("plan override refresh failed", "product_id", data.ID, "error", err)
		return
	}
	h.logger.Info("product updated", "product_id", data.ID, "name", data.Name)
}

func subscriptionFromEvent(data polar.SubscriptionData, id identity.Identity) *model.Subscription {
	modifiedAt := time.Now().UTC()
	if data.ModifiedAt != nil {
		modifiedAt = *data.ModifiedAt
	} else if data.CreatedAt != nil {
		modifiedAt = *data.CreatedAt
	}

	metadata := "{}"
	if len(data.Metadata) > 0 {
		if b, err := json.Marshal(data.Metadata); err == nil {
			metadata = string(b)
		}
	}

	customerID := data.CustomerID
	if customerID == "" && data.Customer != nil {
		customerID = data.Customer.ID
	}

	return &model.Subscription{
		ID:                 data.ID,
		UserID:             id.UserID,
		OrganizationID:     id.OrganizationID,
		PolarCustomerID:    customerID,
		ProductID:          data.ProductID,
		PriceID:            data.PriceID,
		Status:             data.Status,
		Amount:             data.Amount,
		Currency:           data.Currency,
		RecurringInterval:  data.RecurringInterval,
		CurrentPeriodStart: data.CurrentPeriodStart,
		CurrentPeriodEnd:   data.CurrentPeriodEnd,
		CancelAtPeriodEnd:  data.CancelAtPeriodEnd,
		StartedAt:          data.StartedAt,
		EndedAt:            data.EndedAt,
		ModifiedAt:         modifiedAt,
		Metadata:           metadata,
	}
}

func productFromData(data polar.ProductData) *model.Product {
	modifiedAt := time.Now().UTC()
	if data.ModifiedAt != nil {
		modifiedAt = *data.ModifiedAt
	} else if data.CreatedAt != nil {
		modifiedAt = *data.CreatedAt
	}
	return &model.Product{
		ID:                  data.ID,
		Name:                data.Name,
		Description:         data.Description,
		IsRecurring:         data.IsRecurring,
		IsArchived:          data.IsArchived,
		PolarOrganizationID: data.OrganizationID,
		ModifiedAt:          modifiedAt,
	}
}
