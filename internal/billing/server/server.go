package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/bywater/internal/billing/entitlement"
	"github.com/dukerupert/bywater/internal/billing/handler"
	"github.com/dukerupert/bywater/internal/billing/identity"
	"github.com/dukerupert/bywater/internal/billing/meter"
	"github.com/dukerupert/bywater/internal/billing/model"
	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/polar"
	"github.com/dukerupert/bywater/internal/billing/store"
	"github.com/dukerupert/bywater/internal/middleware"
)

type Config struct {
	Polar      polar.Config
	Plans      plan.Config
	CronSecret string
	// Sessions authenticates requests. Defaults to trusting the identity
	// headers set by the fronting gateway.
	Sessions SessionResolver
}

type Server struct {
	db           *sql.DB
	subs         *store.SubscriptionStore
	usage        *store.UsageStore
	products     *store.ProductStore
	links        *store.CustomerLinkStore
	entities     *store.EntityStore
	registry     *plan.Registry
	polarClient  *polar.Client
	entitlements *entitlement.Resolver
	webhookH     *handler.WebhookHandler
	checkoutH    *handler.CheckoutHandler
	usageH       *handler.UsageHandler
	cronH        *handler.CronHandler
	sessions     SessionResolver
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	registry, err := plan.NewRegistry(cfg.Plans)
	if err != nil {
		return nil, fmt.Errorf("build plan registry: %w", err)
	}

	subs := store.NewSubscriptionStore(db)
	usage := store.NewUsageStore(db)
	products := store.NewProductStore(db)
	links := store.NewCustomerLinkStore(db)
	entities := store.NewEntityStore(db)

	polarClient := polar.NewClient(cfg.Polar)
	identities := identity.NewResolver(entities, links, logger.With("component", "identity"))
	entitlements := entitlement.NewResolver(registry, usage, subs, logger.With("component", "entitlement"))
	meters := meter.NewAdapter(polarClient, logger.With("component", "meter"))

	webhookH, err := handler.NewWebhookHandler(
		cfg.Polar.WebhookSecret, subs, products, links, identities, registry, entitlements,
		logger.With("component", "webhook"))
	if err != nil {
		return nil, err
	}
	checkoutH := handler.NewCheckoutHandler(polarClient, logger.With("component", "checkout"))
	usageH := handler.NewUsageHandler(subs, usage, registry, entitlements, meters, polarClient,
		logger.With("component", "usage"))
	cronH := handler.NewCronHandler(cfg.CronSecret, entitlements, logger.With("component", "cron"))

	sessions := cfg.Sessions
	if sessions == nil {
		sessions = HeaderSessions{}
	}

	return &Server{
		db:           db,
		subs:         subs,
		usage:        usage,
		products:     products,
		links:        links,
		entities:     entities,
		registry:     registry,
		polarClient:  polarClient,
		entitlements: entitlements,
		webhookH:     webhookH,
		checkoutH:    checkoutH,
		usageH:       usageH,
		cronH:        cronH,
		sessions:     sessions,
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Provider webhooks authenticate by signature, never by session. No rate
	// limit either: a throttled delivery just becomes a redelivery.
	mux.HandleFunc("POST /webhooks/polar", s.webhookH.HandlePolarWebhook)

	// Scheduler endpoint, guarded by the cron bearer secret.
	mux.HandleFunc("POST /api/cron/reset-usage", s.cronH.ResetUsage)

	auth := s.requireSession
	mux.Handle("GET /checkout", auth(s.rateLimited(s.checkoutH.Checkout, 10)))
	mux.Handle("POST /api/billing-portal", auth(s.rateLimited(s.checkoutH.BillingPortal, 10)))
	mux.Handle("POST /api/entitlement/check", auth(http.HandlerFunc(s.usageH.CheckEntitlement)))
	mux.Handle("POST /api/usage/track", auth(http.HandlerFunc(s.usageH.TrackUsage)))
	mux.Handle("GET /api/usage", auth(http.HandlerFunc(s.usageH.GetUsage)))
	mux.Handle("GET /api/subscription", auth(http.HandlerFunc(s.usageH.GetSubscription)))

	return middleware.RequestLogger(s.logger)(mux)
}

// SyncProducts pulls the provider's product catalog into the local mirror
// and refreshes plan limit overrides. Run at startup so metadata-driven
// limits survive a restart without waiting for the next product webhook.
func (s *Server) SyncProducts(ctx context.Context) error {
	items, err := s.polarClient.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		modifiedAt := time.Now().UTC()
		if item.ModifiedAt != nil {
			modifiedAt = *item.ModifiedAt
		} else if item.CreatedAt != nil {
			modifiedAt = *item.CreatedAt
		}
		_, err := s.products.Upsert(&model.Product{
			ID:                  item.ID,
			Name:                item.Name,
			Description:         item.Description,
			IsRecurring:         item.IsRecurring,
			IsArchived:          item.IsArchived,
			PolarOrganizationID: item.OrganizationID,
			ModifiedAt:          modifiedAt,
		})
		if err != nil {
			return fmt.Errorf("sync product %s: %w", item.ID, err)
		}
		if err := s.registry.ApplyProductOverrides(item.ID, plan.OverridesFromMetadata(item.Metadata)); err != nil {
			return fmt.Errorf("apply overrides for %s: %w", item.ID, err)
		}
	}
	s.logger.Info("product catalog synced", "count", len(items))
	return nil
}

// requireSession authenticates the request and mirrors the entity into the
// local tables, so identity resolution succeeds when the first webhook for
// this entity arrives.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessions.Resolve(r)
		if !ok || sess.UserID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := s.entities.SyncUser(sess.UserID, sess.UserEmail, sess.UserName); err != nil {
			s.logger.Error("user sync failed", "user_id", sess.UserID, "error", err)
		}
		if sess.OrganizationID != "" {
			if err := s.entities.SyncOrganization(sess.OrganizationID, sess.OrganizationName); err != nil {
				s.logger.Error("organization sync failed", "organization_id", sess.OrganizationID, "error", err)
			}
		}

		next.ServeHTTP(w, r.WithContext(handler.WithSession(r.Context(), sess)))
	})
}

func (s *Server) rateLimited(h http.HandlerFunc, perMinute int) http.Handler {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP, perMinute, time.Minute)
	return rl(http.HandlerFunc(h))
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
