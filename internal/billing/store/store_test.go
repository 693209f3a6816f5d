package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	if err := NewEntityStore(db).SyncUser(id, id+"@example.com", "Test User"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedOrganization(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	if err := NewEntityStore(db).SyncOrganization(id, "Test Org"); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
}

func testSubscription(id, userID string, modifiedAt time.Time) *model.Subscription {
	now := time.Now().UTC()
	return &model.Subscription{
		ID:                 id,
		UserID:             &userID,
		PolarCustomerID:    "cus_" + id,
		ProductID:          "prod_starter",
		PriceID:            "price_1",
		Status:             model.StatusActive,
		Amount:             900,
		Currency:           "usd",
		RecurringInterval:  "month",
		CurrentPeriodStart: now.Add(-24 * time.Hour),
		CurrentPeriodEnd:   now.Add(29 * 24 * time.Hour),
		ModifiedAt:         modifiedAt,
		Metadata:           "{}",
	}
}
