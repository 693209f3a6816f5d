package store

import (
	"testing"
	"time"
)

func testUsageKey(feature string) UsageKey {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return UsageKey{
		SubscriptionID: "sub-1",
		FeatureKey:     feature,
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	}
}

func TestUsageEnsureIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"
	key := testUsageKey("api-requests")

	if err := usage.Ensure(key, &userID, nil, "items"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := usage.Ensure(key, &userID, nil, "items"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_records`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}

	rec, err := usage.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CurrentUsage != 0 {
		t.Errorf("usage = %v, want 0", rec.CurrentUsage)
	}
}

func TestUsageEnsureDoesNotResetCounter(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"
	key := testUsageKey("api-requests")

	if err := usage.Add(key, &userID, nil, 5, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := usage.Ensure(key, &userID, nil, "items"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rec, _ := usage.Get(key)
	if rec.CurrentUsage != 5 {
		t.Errorf("usage = %v, want 5 after ensure", rec.CurrentUsage)
	}
}

func TestUsageAddAccumulates(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"
	key := testUsageKey("api-requests")

	if err := usage.Add(key, &userID, nil, 5, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := usage.Add(key, &userID, nil, 3, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec, _ := usage.Get(key)
	if rec.CurrentUsage != 8 {
		t.Errorf("usage = %v, want 8", rec.CurrentUsage)
	}
}

func TestUsageSetReplaces(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	orgID := "org-1"
	key := testUsageKey("server-storage")

	if err := usage.Set(key, nil, &orgID, 7.5, "GB"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := usage.Set(key, nil, &orgID, 3.2, "GB"); err != nil {
		t.Fatalf("set: %v", err)
	}

	rec, _ := usage.Get(key)
	if rec.CurrentUsage != 3.2 {
		t.Errorf("usage = %v, want 3.2", rec.CurrentUsage)
	}
	if rec.OrganizationID == nil || *rec.OrganizationID != "org-1" {
		t.Errorf("organization_id = %v, want org-1", rec.OrganizationID)
	}
}

func TestUsagePeriodsAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"

	aug := testUsageKey("api-requests")
	sep := aug
	sep.PeriodStart = aug.PeriodStart.AddDate(0, 1, 0)
	sep.PeriodEnd = aug.PeriodEnd.AddDate(0, 1, 0)

	if err := usage.Add(aug, &userID, nil, 10, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := usage.Add(sep, &userID, nil, 2, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}

	recAug, _ := usage.Get(aug)
	recSep, _ := usage.Get(sep)
	if recAug.CurrentUsage != 10 || recSep.CurrentUsage != 2 {
		t.Errorf("usage = %v/%v, want 10/2", recAug.CurrentUsage, recSep.CurrentUsage)
	}
}

func TestUsageListForSubscription(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"

	keyB := testUsageKey("server-storage")
	keyA := testUsageKey("api-requests")
	if err := usage.Add(keyB, &userID, nil, 1, "GB"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := usage.Add(keyA, &userID, nil, 1, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}

	recs, err := usage.ListForSubscription("sub-1", keyA.PeriodStart, keyA.PeriodEnd)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].FeatureKey != "api-requests" || recs[1].FeatureKey != "server-storage" {
		t.Errorf("order = %q, %q; want feature key order", recs[0].FeatureKey, recs[1].FeatureKey)
	}
}

func TestUsageResetForSubscription(t *testing.T) {
	db := setupTestDB(t)
	usage := NewUsageStore(db)
	userID := "user-1"
	key := testUsageKey("api-requests")

	if err := usage.Add(key, &userID, nil, 42, "items"); err != nil {
		t.Fatalf("add: %v", err)
	}

	n, err := usage.ResetForSubscription("sub-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	rec, _ := usage.Get(key)
	if rec.CurrentUsage != 0 {
		t.Errorf("usage = %v, want 0 after reset", rec.CurrentUsage)
	}

	// Second reset finds nothing to do.
	n, err = usage.ResetForSubscription("sub-1")
	if err != nil {
		t.Fatalf("reset again: %v", err)
	}
	if n != 0 {
		t.Errorf("reset count = %d, want 0 on repeat", n)
	}
}
