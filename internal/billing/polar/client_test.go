package polar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkouts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["external_customer_id"] != "user-1" {
			t.Errorf("external_customer_id = %v", body["external_customer_id"])
		}
		if body["success_url"] != "https://app.example.com/done" {
			t.Errorf("success_url = %v", body["success_url"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "co_1", "url": "https://polar.sh/checkout/co_1"})
	}))
	defer srv.Close()

	c := NewClient(Config{
		AccessToken: "test-token",
		BaseURL:     srv.URL,
		SuccessURL:  "https://app.example.com/done",
	})

	checkout, err := c.CreateCheckout(context.Background(), CheckoutParams{
		ProductID:          "prod_1",
		ExternalCustomerID: "user-1",
	})
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if checkout.URL != "https://polar.sh/checkout/co_1" {
		t.Errorf("url = %q", checkout.URL)
	}
}

func TestListCustomerMeters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("external_customer_id"); got != "org-1" {
			t.Errorf("external_customer_id = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{
				"meter":          map[string]any{"id": "mtr_1", "name": "API", "metadata": map[string]any{"slug": "api_requests"}},
				"consumed_units": 42.0,
				"credited_units": 1000.0,
				"balance":        958.0,
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{AccessToken: "t", BaseURL: srv.URL})
	meters, err := c.ListCustomerMeters(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("list meters: %v", err)
	}
	if len(meters) != 1 {
		t.Fatalf("meters = %d, want 1", len(meters))
	}
	if meters[0].Meter.Slug() != "api_requests" {
		t.Errorf("slug = %q", meters[0].Meter.Slug())
	}
	if meters[0].Balance != 958 {
		t.Errorf("balance = %v", meters[0].Balance)
	}
}

func TestIngestRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"inserted": 1})
	}))
	defer srv.Close()

	c := NewClient(Config{AccessToken: "t", BaseURL: srv.URL})
	inserted, err := c.Ingest(context.Background(), []Event{{Name: "api_call", ExternalCustomerID: "user-1"}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such product", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{AccessToken: "t", BaseURL: srv.URL})
	_, err := c.ListProducts(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "status 404") || !strings.Contains(got, "no such product") {
		t.Errorf("error = %q", got)
	}
}
