// Package meter answers limit checks from the provider's aggregated
// meters, for features where the provider rather than the local ledger is
// the source of truth for consumption.
package meter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukerupert/bywater/internal/billing/polar"
)

// Slugs of the meters configured at the provider. Keep in sync with the
// meter definitions in the provider dashboard.
const (
	SlugAPIRequests = "api_requests"
	SlugStorageGB   = "storage_gb"
	SlugAITokens    = "ai_tokens"
	SlugTeamSeats   = "team_seats"
)

// AllSlugs lists every meter, in dashboard display order.
var AllSlugs = []string{SlugAPIRequests, SlugStorageGB, SlugAITokens, SlugTeamSeats}

// UsageStatus is the adapter's answer, shaped like an entitlement result:
// nil Limit/Remaining mean unlimited.
type UsageStatus struct {
	Allowed   bool     `json:"allowed"`
	Current   float64  `json:"current"`
	Limit     *float64 `json:"limit"`
	Remaining *float64 `json:"remaining"`
	Reason    string   `json:"reason,omitempty"`
}

// MeterClient is the slice of the provider client the adapter needs.
type MeterClient interface {
	ListCustomerMeters(ctx context.Context, externalCustomerID string) ([]polar.CustomerMeter, error)
}

type Adapter struct {
	client MeterClient
	logger *slog.Logger
}

func NewAdapter(client MeterClient, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

// CheckLimit reports whether the entity may keep consuming the meter. A
// metering outage must not become a feature outage: on any transport or
// provider error the adapter fails open, with the error surfaced in Reason
// for dashboards.
func (a *Adapter) CheckLimit(ctx context.Context, externalCustomerID, meterSlug string) UsageStatus {
	meters, err := a.client.ListCustomerMeters(ctx, externalCustomerID)
	if err != nil {
		a.logger.Error("customer meter lookup failed", "meter", meterSlug, "error", err)
		return failOpen(err)
	}
	return statusFor(meters, meterSlug)
}

// AllUsage returns the status of every known meter for the entity with a
// single provider call, for the billing dashboard.
func (a *Adapter) AllUsage(ctx context.Context, externalCustomerID string) map[string]UsageStatus {
	out := make(map[string]UsageStatus, len(AllSlugs))
	meters, err := a.client.ListCustomerMeters(ctx, externalCustomerID)
	if err != nil {
		a.logger.Error("customer meter lookup failed", "error", err)
		for _, slug := range AllSlugs {
			out[slug] = failOpen(err)
		}
		return out
	}
	for _, slug := range AllSlugs {
		out[slug] = statusFor(meters, slug)
	}
	return out
}

func failOpen(err error) UsageStatus {
	return UsageStatus{
		Allowed: true,
		Reason:  fmt.Sprintf("error checking limit: %v", err),
	}
}

func statusFor(meters []polar.CustomerMeter, meterSlug string) UsageStatus {
	var found *polar.CustomerMeter
	for i := range meters {
		if meters[i].Meter.Slug() == meterSlug {
			found = &meters[i]
			break
		}
	}
	// No meter yet: new customer or meter not set up. Unlimited.
	if found == nil {
		return UsageStatus{Allowed: true}
	}

	current := found.ConsumedUnits
	credited := found.CreditedUnits
	balance := found.Balance
	if balance == 0 && credited > 0 {
		balance = credited - current
	}

	// Credited units are the limit; no credits configured means unmetered.
	if credited > 0 {
		remaining := max(0, balance)
		status := UsageStatus{
			Allowed:   balance > 0,
			Current:   current,
			Limit:     &credited,
			Remaining: &remaining,
		}
		if !status.Allowed {
			status.Reason = fmt.Sprintf("usage limit reached: %.0f/%.0f units used", current, credited)
		}
		return status
	}

	return UsageStatus{Allowed: true, Current: current}
}
