package handler

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/dukerupert/bywater/internal/billing/entitlement"
	"github.com/dukerupert/bywater/internal/billing/identity"
	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/store"
	"github.com/dukerupert/bywater/internal/database"
)

type webhookEnv struct {
	h        *WebhookHandler
	db       *sql.DB
	subs     *store.SubscriptionStore
	links    *store.CustomerLinkStore
	registry *plan.Registry
	secret   string
}

func setupWebhook(t *testing.T) *webhookEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry, err := plan.NewRegistry(plan.Default("prod_starter", "prod_premium"))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	subs := store.NewSubscriptionStore(db)
	usage := store.NewUsageStore(db)
	products := store.NewProductStore(db)
	links := store.NewCustomerLinkStore(db)
	entities := store.NewEntityStore(db)

	if err := entities.SyncUser("user-1", "one@example.com", "One"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	logger := slog.Default()
	identities := identity.NewResolver(entities, links, logger)
	entitlements := entitlement.NewResolver(registry, usage, subs, logger)

	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("test-webhook-signing-key"))
	h, err := NewWebhookHandler(secret, subs, products, links, identities, registry, entitlements, logger)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	return &webhookEnv{h: h, db: db, subs: subs, links: links, registry: registry, secret: secret}
}

func (env *webhookEnv) deliver(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	wh, err := svix.NewWebhook(env.secret)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	ts := time.Now()
	sig, err := wh.Sign("msg_test", ts, []byte(body))
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/polar", strings.NewReader(body))
	req.Header.Set("webhook-id", "msg_test")
	req.Header.Set("webhook-timestamp", strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set("webhook-signature", sig)

	rec := httptest.NewRecorder()
	env.h.HandlePolarWebhook(rec, req)
	return rec
}

func subscriptionPayload(eventType, subID, status, externalID string, modifiedAt time.Time) string {
	return fmt.Sprintf(`{
		"type": %q,
		"data": {
			"id": %q,
			"status": %q,
			"amount": 900,
			"currency": "usd",
			"recurring_interval": "month",
			"current_period_start": "2026-08-01T00:00:00Z",
			"current_period_end": "2026-09-01T00:00:00Z",
			"modified_at": %q,
			"product_id": "prod_starter",
			"price_id": "price_1",
			"customer_id": "cus_1",
			"customer": {"id": "cus_1", "external_id": %q, "email": "one@example.com"},
			"metadata": {}
		}
	}`, eventType, subID, status, modifiedAt.UTC().Format(time.RFC3339), externalID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := setupWebhook(t)

	body := subscriptionPayload("subscription.active", "sub-1", "active", "user-1", time.Now())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/polar", strings.NewReader(body))
	req.Header.Set("webhook-id", "msg_test")
	req.Header.Set("webhook-timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("webhook-signature", "v1,Zm9yZ2VkIHNpZ25hdHVyZQ==")

	rec := httptest.NewRecorder()
	env.h.HandlePolarWebhook(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	if sub, _ := env.subs.GetByID("sub-1"); sub != nil {
		t.Error("unverified payload must not change state")
	}
}

func TestWebhookRejectsUnknownStatus(t *testing.T) {
	env := setupWebhook(t)

	rec := env.deliver(t, subscriptionPayload("subscription.updated", "sub-1", "hibernating", "user-1", time.Now()))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookSubscriptionActive(t *testing.T) {
	env := setupWebhook(t)

	rec := env.deliver(t, subscriptionPayload("subscription.active", "sub-1", "active", "user-1", time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var ack map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack["received"] {
		t.Errorf("ack = %s", rec.Body.String())
	}

	sub, err := env.subs.GetByID("sub-1")
	if err != nil || sub == nil {
		t.Fatalf("subscription not stored: %v", err)
	}
	if sub.UserID == nil || *sub.UserID != "user-1" {
		t.Errorf("user_id = %v, want user-1", sub.UserID)
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q", sub.Status)
	}

	// Activation pre-creates zero usage rows for the plan's features.
	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM usage_records WHERE subscription_id = ?`, "sub-1").Scan(&count); err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if count == 0 {
		t.Error("expected usage records after activation")
	}

	// And records the provider customer linkage for later fallbacks.
	link, _ := env.links.GetByPolarCustomerID("cus_1")
	if link == nil || link.UserID == nil || *link.UserID != "user-1" {
		t.Errorf("customer link = %+v", link)
	}
}

func TestWebhookDuplicateDeliveryConverges(t *testing.T) {
	env := setupWebhook(t)
	body := subscriptionPayload("subscription.active", "sub-1", "active", "user-1", time.Now())

	for i := 0; i < 2; i++ {
		if rec := env.deliver(t, body); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}

	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestWebhookOutOfOrderDelivery(t *testing.T) {
	env := setupWebhook(t)
	base := time.Now().UTC().Truncate(time.Second)

	// The cancellation was modified after activation but arrives first.
	if rec := env.deliver(t, subscriptionPayload("subscription.canceled", "sub-1", "canceled", "user-1", base.Add(time.Minute))); rec.Code != http.StatusOK {
		t.Fatalf("canceled delivery: status = %d", rec.Code)
	}
	if rec := env.deliver(t, subscriptionPayload("subscription.active", "sub-1", "active", "user-1", base)); rec.Code != http.StatusOK {
		t.Fatalf("active delivery: status = %d", rec.Code)
	}

	sub, _ := env.subs.GetByID("sub-1")
	if sub.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled regardless of arrival order", sub.Status)
	}
}

func TestWebhookUnresolvedIdentityFails(t *testing.T) {
	env := setupWebhook(t)

	rec := env.deliver(t, subscriptionPayload("subscription.created", "sub-1", "created", "ghost", time.Now()))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the provider redelivers", rec.Code)
	}
	if sub, _ := env.subs.GetByID("sub-1"); sub != nil {
		t.Error("unattributed subscription must not be stored")
	}
}

func TestWebhookMetadataIdentityFallback(t *testing.T) {
	env := setupWebhook(t)

	body := `{
		"type": "subscription.created",
		"data": {
			"id": "sub-meta",
			"status": "created",
			"current_period_start": "2026-08-01T00:00:00Z",
			"current_period_end": "2026-09-01T00:00:00Z",
			"modified_at": "2026-08-15T00:00:00Z",
			"product_id": "prod_starter",
			"customer_id": "cus_2",
			"metadata": {"userId": "user-1"}
		}
	}`
	rec := env.deliver(t, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	sub, _ := env.subs.GetByID("sub-meta")
	if sub == nil || sub.UserID == nil || *sub.UserID != "user-1" {
		t.Errorf("subscription = %+v, want attribution via metadata", sub)
	}
}

func TestWebhookUnknownEventAcked(t *testing.T) {
	env := setupWebhook(t)

	rec := env.deliver(t, `{"type": "order.refunded", "data": {"id": "ord_1"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, unknown event types must be acknowledged", rec.Code)
	}
}

func TestWebhookProductEventRefreshesLimits(t *testing.T) {
	env := setupWebhook(t)

	body := fmt.Sprintf(`{
		"type": "product.updated",
		"data": {
			"id": "prod_starter",
			"name": "Starter",
			"is_recurring": true,
			"modified_at": %q,
			"metadata": {"limit.api-requests": "5000"}
		}
	}`, time.Now().UTC().Format(time.RFC3339))
	if rec := env.deliver(t, body); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	p, ok := env.registry.Lookup("prod_starter")
	if !ok {
		t.Fatal("starter plan missing")
	}
	if got := env.registry.EffectiveLimit(p, "api-requests"); got.Value != 5000 {
		t.Errorf("limit = %+v, want override value 5000", got)
	}
}
