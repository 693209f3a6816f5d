package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/bywater/internal/billing/polar"
)

type CheckoutHandler struct {
	polar  *polar.Client
	logger *slog.Logger
}

func NewCheckoutHandler(polarClient *polar.Client, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{polar: polarClient, logger: logger}
}

// Checkout sends the caller to the provider's hosted checkout for a product.
// The billing entity ID rides along as the external customer ID, and again
// in metadata for consumers still reading the legacy channel.
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		http.Error(w, "product_id required", http.StatusBadRequest)
		return
	}

	metadata := map[string]string{"userId": sess.UserID}
	if sess.OrganizationID != "" {
		metadata["organizationId"] = sess.OrganizationID
	}

	checkout, err := h.polar.CreateCheckout(r.Context(), polar.CheckoutParams{
		ProductID:          productID,
		CustomerEmail:      sess.UserEmail,
		ExternalCustomerID: sess.EntityID(),
		Metadata:           metadata,
	})
	if err != nil {
		h.logger.Error("create checkout failed", "product_id", productID, "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "failed to create checkout", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, checkout.URL, http.StatusSeeOther)
}

// BillingPortal returns a provider customer-portal URL for the caller.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	url, err := h.polar.CreatePortalSession(r.Context(), sess.EntityID())
	if err != nil {
		h.logger.Error("create portal session failed", "entity_id", sess.EntityID(), "error", err)
		http.Error(w, "failed to create portal session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}
