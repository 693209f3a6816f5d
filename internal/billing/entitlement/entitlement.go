// Package entitlement decides whether a billing entity may consume a
// metered feature right now. Checking and tracking are deliberately
// separate operations: the check never increments usage, so a failed
// operation is never charged.
package entitlement

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/store"
)

// Result is the outcome of an access check. Limit-exceeded is a normal
// value here, never an error: callers branch on Allowed.
type Result struct {
	Allowed      bool    `json:"allowed"`
	Reason       string  `json:"reason,omitempty"`
	CurrentUsage float64 `json:"current_usage"`
}

type Resolver struct {
	registry *plan.Registry
	usage    *store.UsageStore
	subs     *store.SubscriptionStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewResolver(registry *plan.Registry, usage *store.UsageStore, subs *store.SubscriptionStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		usage:    usage,
		subs:     subs,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckAccess reports whether the subscription's owner may consume
// featureKey under p. The only mutation is the lazy creation of a
// zero-usage record for the current period; repeated checks with no
// intervening Track return identical results.
func (r *Resolver) CheckAccess(sub *model.Subscription, p *plan.Plan, featureKey string) (Result, error) {
	if p == nil {
		return Result{Reason: "feature not in plan"}, nil
	}
	grant, ok := r.registry.Grant(p, featureKey)
	if !ok {
		return Result{Reason: "feature not in plan"}, nil
	}
	if !grant.Enabled {
		return Result{Reason: "feature not enabled"}, nil
	}
	if en := r.registry.CheckEnabled(p, featureKey); !en.Enabled {
		if en.MissingDep != "" {
			return Result{Reason: fmt.Sprintf("requires feature %q", en.MissingDep)}, nil
		}
		return Result{Reason: "feature not enabled"}, nil
	}

	limit := r.registry.EffectiveLimit(p, featureKey)
	key := r.usageKey(sub, featureKey)

	rec, err := r.usage.Get(key)
	if err != nil {
		return Result{}, err
	}
	if rec == nil {
		if err := r.usage.Ensure(key, sub.UserID, sub.OrganizationID, limit.Unit); err != nil {
			return Result{}, err
		}
		return Result{Allowed: true}, nil
	}

	if limit.Kind == plan.LimitUnlimited {
		return Result{Allowed: true, CurrentUsage: rec.CurrentUsage}, nil
	}

	if rec.CurrentUsage >= limit.Value {
		return Result{
			Reason: fmt.Sprintf("usage limit reached: %s/%s %s used",
				formatAmount(rec.CurrentUsage), formatAmount(limit.Value), limit.Unit),
			CurrentUsage: rec.CurrentUsage,
		}, nil
	}
	return Result{Allowed: true, CurrentUsage: rec.CurrentUsage}, nil
}

// Track records consumption after the gated operation succeeded. Count
// limits accumulate; storage limits are peak values, so the reported total
// replaces the stored one.
func (r *Resolver) Track(sub *model.Subscription, p *plan.Plan, featureKey string, amount float64) error {
	limit := plan.Limit{Kind: plan.LimitUnlimited}
	if p != nil {
		limit = r.registry.EffectiveLimit(p, featureKey)
	}
	key := r.usageKey(sub, featureKey)

	if limit.Cumulative() {
		return r.usage.Add(key, sub.UserID, sub.OrganizationID, amount, limit.Unit)
	}
	return r.usage.Set(key, sub.UserID, sub.OrganizationID, amount, limit.Unit)
}

// InitializeUsage pre-creates zero-usage records for every feature the plan
// grants, so the first checks after activation don't all race to create
// them.
func (r *Resolver) InitializeUsage(sub *model.Subscription, p *plan.Plan) error {
	for _, featureKey := range r.registry.Features(p) {
		limit := r.registry.EffectiveLimit(p, featureKey)
		key := r.usageKey(sub, featureKey)
		if err := r.usage.Ensure(key, sub.UserID, sub.OrganizationID, limit.Unit); err != nil {
			return fmt.Errorf("initialize usage for %s: %w", featureKey, err)
		}
	}
	return nil
}

// ResetDue zeroes usage counters for every active subscription whose
// billing period has ended. Idempotent; safe to trigger repeatedly.
func (r *Resolver) ResetDue(now time.Time) (int, error) {
	subs, err := r.subs.ListDueForReset(now)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, sub := range subs {
		n, err := r.usage.ResetForSubscription(sub.ID)
		if err != nil {
			return processed, fmt.Errorf("reset subscription %s: %w", sub.ID, err)
		}
		r.logger.Info("usage reset", "subscription_id", sub.ID, "counters", n)
		processed++
	}
	return processed, nil
}

func (r *Resolver) usageKey(sub *model.Subscription, featureKey string) store.UsageKey {
	start, end := plan.Period(r.now())
	return store.UsageKey{
		SubscriptionID: sub.ID,
		FeatureKey:     featureKey,
		PeriodStart:    start,
		PeriodEnd:      end,
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
