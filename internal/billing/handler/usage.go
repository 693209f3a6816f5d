package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/bywater/internal/billing/entitlement"
	"github.com/dukerupert/bywater/internal/billing/meter"
	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/polar"
	"github.com/dukerupert/bywater/internal/billing/store"
)

type UsageHandler struct {
	subs         *store.SubscriptionStore
	usage        *store.UsageStore
	registry     *plan.Registry
	entitlements *entitlement.Resolver
	meters       *meter.Adapter
	polar        *polar.Client
	logger       *slog.Logger
}

func NewUsageHandler(
	subs *store.SubscriptionStore,
	usage *store.UsageStore,
	registry *plan.Registry,
	entitlements *entitlement.Resolver,
	meters *meter.Adapter,
	polarClient *polar.Client,
	logger *slog.Logger,
) *UsageHandler {
	return &UsageHandler{
		subs:         subs,
		usage:        usage,
		registry:     registry,
		entitlements: entitlements,
		meters:       meters,
		polar:        polarClient,
		logger:       logger,
	}
}

// CheckEntitlement answers whether the caller may use a feature right now.
// Denial is a 200 with allowed=false; the check itself never consumes quota.
func (h *UsageHandler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Feature string `json:"feature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Feature == "" {
		http.Error(w, "feature required", http.StatusBadRequest)
		return
	}

	sub, p, err := h.activeSubscription(sess, time.Now())
	if err != nil {
		h.logger.Error("subscription lookup failed", "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	result, err := h.entitlements.CheckAccess(sub, p, req.Feature)
	if err != nil {
		h.logger.Error("entitlement check failed",
			"entity_id", sess.EntityID(), "feature", req.Feature, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// TrackUsage records consumption after the gated operation has already
// succeeded. The local ledger write is the one that matters; forwarding the
// event to the provider's metering pipeline is best effort.
func (h *UsageHandler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Feature string         `json:"feature"`
		Amount  float64        `json:"amount"`
		Event   string         `json:"event"`
		Meta    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Feature == "" {
		http.Error(w, "feature required", http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	sub, p, err := h.activeSubscription(sess, time.Now())
	if err != nil {
		h.logger.Error("subscription lookup failed", "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.entitlements.Track(sub, p, req.Feature, req.Amount); err != nil {
		h.logger.Error("usage tracking failed",
			"entity_id", sess.EntityID(), "feature", req.Feature, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if req.Event != "" {
		meta := req.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		meta["feature"] = req.Feature
		meta["amount"] = req.Amount
		_, err := h.polar.Ingest(r.Context(), []polar.Event{{
			Name:               req.Event,
			ExternalCustomerID: sess.EntityID(),
			Timestamp:          time.Now().UTC(),
			Metadata:           meta,
		}})
		if err != nil {
			h.logger.Error("event ingest failed", "event", req.Event, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"tracked": true})
}

// GetUsage returns the caller's ledger counters for the current period
// alongside the provider's aggregated meters.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	now := time.Now()
	sub, _, err := h.activeSubscription(sess, now)
	if err != nil {
		h.logger.Error("subscription lookup failed", "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	start, end := plan.Period(now)
	records, err := h.usage.ListForSubscription(sub.ID, start, end)
	if err != nil {
		h.logger.Error("usage listing failed", "subscription_id", sub.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*model.UsageRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"period_start": start,
		"period_end":   end,
		"records":      records,
		"meters":       h.meters.AllUsage(r.Context(), sess.EntityID()),
	})
}

// GetSubscription returns the caller's active subscription, or null with the
// free plan when there is none.
func (h *UsageHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sub, err := h.subs.GetActiveForEntity(sess.EntityID(), time.Now())
	if err != nil {
		h.logger.Error("subscription lookup failed", "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	planName := plan.FreePlanName
	if sub != nil {
		if p, ok := h.registry.Lookup(sub.ProductID); ok {
			planName = p.Name
		} else {
			planName = ""
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"subscription": sub,
		"plan":         planName,
	})
}

// activeSubscription resolves the caller's subscription and plan. Entities
// without one get the free plan, with usage keyed under a synthetic
// subscription so free-tier limits are still enforced per period.
func (h *UsageHandler) activeSubscription(sess Session, now time.Time) (*model.Subscription, *plan.Plan, error) {
	sub, err := h.subs.GetActiveForEntity(sess.EntityID(), now)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		p, _ := h.registry.LookupByName(plan.FreePlanName)
		return freeSubscription(sess, now), p, nil
	}
	p, ok := h.registry.Lookup(sub.ProductID)
	if !ok {
		return sub, nil, nil
	}
	return sub, p, nil
}

func freeSubscription(sess Session, now time.Time) *model.Subscription {
	start, end := plan.Period(now)
	sub := &model.Subscription{
		ID:                 "free:" + sess.EntityID(),
		Status:             model.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}
	if sess.OrganizationID != "" {
		orgID := sess.OrganizationID
		sub.OrganizationID = &orgID
	} else {
		userID := sess.UserID
		sub.UserID = &userID
	}
	return sub
}
