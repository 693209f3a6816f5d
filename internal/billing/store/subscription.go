package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/bywater/internal/billing/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionCols = `id, user_id, organization_id, polar_customer_id, product_id, price_id, status,
	amount, currency, recurring_interval, current_period_start, current_period_end,
	cancel_at_period_end, started_at, ended_at, modified_at, metadata, created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var userID, orgID sql.NullString
	var startedAt, endedAt sql.NullTime
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&sub.ID, &userID, &orgID, &sub.PolarCustomerID, &sub.ProductID, &sub.PriceID, &sub.Status,
		&sub.Amount, &sub.Currency, &sub.RecurringInterval, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&cancelAtPeriodEnd, &startedAt, &endedAt, &sub.ModifiedAt, &sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		sub.UserID = &userID.String
	}
	if orgID.Valid {
		sub.OrganizationID = &orgID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		sub.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		sub.EndedAt = &t
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}

// Upsert creates or updates a subscription keyed by the provider's
// subscription ID, as a single atomic statement so concurrent duplicate
// webhook deliveries converge. Updates apply last-writer-wins on
// modified_at: an older event leaves the row untouched and Upsert reports
// applied=false. Identity linkage (user/organization) is set at creation
// and preserved on update; the provider customer ID is only overwritten
// when the event carries one.
func (s *SubscriptionStore) Upsert(sub *model.Subscription) (applied bool, err error) {
	cancel := 0
	if sub.CancelAtPeriodEnd {
		cancel = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO subscriptions (
			id, user_id, organization_id, polar_customer_id, product_id, price_id, status,
			amount, currency, recurring_interval, current_period_start, current_period_end,
			cancel_at_period_end, started_at, ended_at, modified_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			product_id = excluded.product_id,
			price_id = excluded.price_id,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			ended_at = excluded.ended_at,
			modified_at = excluded.modified_at,
			metadata = excluded.metadata,
			polar_customer_id = CASE WHEN excluded.polar_customer_id != ''
				THEN excluded.polar_customer_id ELSE subscriptions.polar_customer_id END,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.modified_at >= subscriptions.modified_at`,
		sub.ID, sub.UserID, sub.OrganizationID, sub.PolarCustomerID, sub.ProductID, sub.PriceID, sub.Status,
		sub.Amount, sub.Currency, sub.RecurringInterval, sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		cancel, nullTime(sub.StartedAt), nullTime(sub.EndedAt), sub.ModifiedAt.UTC(), sub.Metadata,
	)
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SubscriptionStore) GetByID(id string) (*model.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetActiveForEntity returns the entity's current active subscription, or
// nil if it has none. The entity ID may be a user or an organization ID.
func (s *SubscriptionStore) GetActiveForEntity(entityID string, now time.Time) (*model.Subscription, error) {
	row := s.db.QueryRow(`
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE (user_id = ? OR organization_id = ?)
		  AND status = ?
		  AND current_period_start <= ?
		  AND current_period_end > ?
		  AND ended_at IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		entityID, entityID, model.StatusActive, now.UTC(), now.UTC(),
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	return sub, nil
}

// ListDueForReset returns active subscriptions whose billing period has
// ended, i.e. whose usage counters are due for the rollover reset.
func (s *SubscriptionStore) ListDueForReset(now time.Time) ([]*model.Subscription, error) {
	rows, err := s.db.Query(`
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE status = ? AND current_period_end <= ?`,
		model.StatusActive, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due for reset: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
