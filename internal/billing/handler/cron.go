package handler

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/bywater/internal/billing/entitlement"
)

// CronHandler exposes scheduled maintenance over HTTP so an external
// scheduler can trigger it. Guarded by a shared bearer secret.
type CronHandler struct {
	secret       string
	entitlements *entitlement.Resolver
	logger       *slog.Logger
}

func NewCronHandler(secret string, entitlements *entitlement.Resolver, logger *slog.Logger) *CronHandler {
	return &CronHandler{secret: secret, entitlements: entitlements, logger: logger}
}

// ResetUsage zeroes usage counters for subscriptions whose billing period
// has ended. Idempotent, so a scheduler retry is harmless.
func (h *CronHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	processed, err := h.entitlements.ResetDue(time.Now())
	if err != nil {
		h.logger.Error("usage reset failed", "processed", processed, "error", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"processed": processed})
}

func (h *CronHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
