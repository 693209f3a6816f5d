package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/bywater/internal/billing/model"
)

type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// UsageKey identifies one counter: the unique index on usage_records
// guarantees at most one row per key.
type UsageKey struct {
	SubscriptionID string
	FeatureKey     string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

const usageCols = `id, subscription_id, user_id, organization_id, feature_key, current_usage, unit, period_start, period_end, last_updated`

func scanUsage(scanner interface{ Scan(...any) error }) (*model.UsageRecord, error) {
	var rec model.UsageRecord
	var userID, orgID sql.NullString
	err := scanner.Scan(
		&rec.ID, &rec.SubscriptionID, &userID, &orgID, &rec.FeatureKey,
		&rec.CurrentUsage, &rec.Unit, &rec.PeriodStart, &rec.PeriodEnd, &rec.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		rec.UserID = &userID.String
	}
	if orgID.Valid {
		rec.OrganizationID = &orgID.String
	}
	return &rec, nil
}

// Ensure lazily creates a zero-usage row for the key if none exists.
// Safe to call concurrently; losers of the race are no-ops.
func (s *UsageStore) Ensure(key UsageKey, userID, orgID *string, unit string) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, subscription_id, user_id, organization_id, feature_key, current_usage, unit, period_start, period_end, last_updated)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, feature_key, period_start, period_end) DO NOTHING`,
		uuid.NewString(), key.SubscriptionID, userID, orgID, key.FeatureKey, unit,
		key.PeriodStart.UTC(), key.PeriodEnd.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ensure usage record: %w", err)
	}
	return nil
}

// Add increments the counter by delta, creating the row if needed. Used
// for cumulative metrics (request counts, tokens).
func (s *UsageStore) Add(key UsageKey, userID, orgID *string, delta float64, unit string) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, subscription_id, user_id, organization_id, feature_key, current_usage, unit, period_start, period_end, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, feature_key, period_start, period_end) DO UPDATE SET
			current_usage = current_usage + excluded.current_usage,
			last_updated = CURRENT_TIMESTAMP`,
		uuid.NewString(), key.SubscriptionID, userID, orgID, key.FeatureKey, delta, unit,
		key.PeriodStart.UTC(), key.PeriodEnd.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// Set replaces the counter with value, creating the row if needed. Used
// for peak metrics (storage totals): the new total supersedes the old.
func (s *UsageStore) Set(key UsageKey, userID, orgID *string, value float64, unit string) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, subscription_id, user_id, organization_id, feature_key, current_usage, unit, period_start, period_end, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id, feature_key, period_start, period_end) DO UPDATE SET
			current_usage = excluded.current_usage,
			last_updated = CURRENT_TIMESTAMP`,
		uuid.NewString(), key.SubscriptionID, userID, orgID, key.FeatureKey, value, unit,
		key.PeriodStart.UTC(), key.PeriodEnd.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set usage: %w", err)
	}
	return nil
}

func (s *UsageStore) Get(key UsageKey) (*model.UsageRecord, error) {
	row := s.db.QueryRow(`
		SELECT `+usageCols+` FROM usage_records
		WHERE subscription_id = ? AND feature_key = ? AND period_start = ? AND period_end = ?`,
		key.SubscriptionID, key.FeatureKey, key.PeriodStart.UTC(), key.PeriodEnd.UTC(),
	)
	rec, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}
	return rec, nil
}

func (s *UsageStore) ListForSubscription(subscriptionID string, periodStart, periodEnd time.Time) ([]*model.UsageRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+usageCols+` FROM usage_records
		WHERE subscription_id = ? AND period_start = ? AND period_end = ?
		ORDER BY feature_key`,
		subscriptionID, periodStart.UTC(), periodEnd.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var recs []*model.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ResetForSubscription zeroes all counters for a subscription. Idempotent:
// already-zero counters are left alone, so redelivered reset jobs are
// harmless. Returns the number of counters actually zeroed.
func (s *UsageStore) ResetForSubscription(subscriptionID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE usage_records SET current_usage = 0, last_updated = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND current_usage != 0`,
		subscriptionID,
	)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return res.RowsAffected()
}
