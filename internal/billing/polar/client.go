// Package polar is a thin client for the billing provider's HTTP API: the
// checkout, customer portal, customer meter, product, and event-ingest
// surfaces this service consumes, plus the webhook payload types.
package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

type Config struct {
	AccessToken    string
	BaseURL        string
	OrganizationID string
	WebhookSecret  string
	SuccessURL     string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polar.sh"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CheckoutParams create a provider checkout session. ExternalCustomerID is
// the local billing entity ID; the provider echoes it back on the customer
// so webhooks can be re-linked. Metadata carries the same IDs over the
// legacy channel for older consumers.
type CheckoutParams struct {
	ProductID          string
	CustomerEmail      string
	ExternalCustomerID string
	SuccessURL         string
	Metadata           map[string]string
}

type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *Client) CreateCheckout(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	successURL := params.SuccessURL
	if successURL == "" {
		successURL = c.cfg.SuccessURL
	}
	body := map[string]any{
		"products":             []string{params.ProductID},
		"success_url":          successURL,
		"customer_email":       params.CustomerEmail,
		"external_customer_id": params.ExternalCustomerID,
		"metadata":             params.Metadata,
	}
	var out Checkout
	if err := c.do(ctx, http.MethodPost, "/v1/checkouts", body, &out); err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	return &out, nil
}

// CreatePortalSession returns a customer-portal URL for the entity.
func (c *Client) CreatePortalSession(ctx context.Context, externalCustomerID string) (string, error) {
	body := map[string]any{
		"external_customer_id": externalCustomerID,
	}
	var out struct {
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/customer-sessions", body, &out); err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return out.CustomerPortalURL, nil
}

// Meter is the provider-side meter definition. The application slug lives
// in metadata under "slug".
type Meter struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// Slug returns the application meter slug, or "" if none is set.
func (m Meter) Slug() string {
	s, _ := m.Metadata["slug"].(string)
	return s
}

// CustomerMeter is one entity's aggregated consumption against a meter.
type CustomerMeter struct {
	Meter         Meter   `json:"meter"`
	ConsumedUnits float64 `json:"consumed_units"`
	CreditedUnits float64 `json:"credited_units"`
	Balance       float64 `json:"balance"`
}

func (c *Client) ListCustomerMeters(ctx context.Context, externalCustomerID string) ([]CustomerMeter, error) {
	q := url.Values{"external_customer_id": {externalCustomerID}}
	var out struct {
		Items []CustomerMeter `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/customer-meters?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list customer meters: %w", err)
	}
	return out.Items, nil
}

// Event is a usage event for the provider's metering pipeline.
type Event struct {
	Name               string         `json:"name"`
	ExternalCustomerID string         `json:"external_customer_id"`
	Timestamp          time.Time      `json:"timestamp"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Ingest sends usage events, retrying transient failures with backoff.
// Returns the number of events the provider inserted.
func (c *Client) Ingest(ctx context.Context, events []Event) (int, error) {
	body := map[string]any{"events": events}
	var out struct {
		Inserted int `json:"inserted"`
	}
	backoff := retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.do(ctx, http.MethodPost, "/v1/events/ingest", body, &out); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest events: %w", err)
	}
	return out.Inserted, nil
}

// ProductData is the product shape shared by the list endpoint and webhook
// payloads.
type ProductData struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	IsRecurring    bool           `json:"is_recurring"`
	IsArchived     bool           `json:"is_archived"`
	OrganizationID string         `json:"organization_id"`
	CreatedAt      *time.Time     `json:"created_at"`
	ModifiedAt     *time.Time     `json:"modified_at"`
	Metadata       map[string]any `json:"metadata"`
}

// ListProducts fetches the organization's products, for the startup sync.
func (c *Client) ListProducts(ctx context.Context) ([]ProductData, error) {
	q := url.Values{"organization_id": {c.cfg.OrganizationID}, "limit": {"100"}}
	var out struct {
		Items []ProductData `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/products?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
