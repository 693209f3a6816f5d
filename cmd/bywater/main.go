package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/bywater/internal/billing/plan"
	"github.com/dukerupert/bywater/internal/billing/polar"
	"github.com/dukerupert/bywater/internal/billing/server"
	"github.com/dukerupert/bywater/internal/database"
	"github.com/dukerupert/bywater/internal/logging"
)

func main() {
	// Missing .env is fine in production; config comes from the environment.
	_ = godotenv.Load()

	logger := logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "bywater.db"
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + port
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		Polar: polar.Config{
			AccessToken:    os.Getenv("POLAR_ACCESS_TOKEN"),
			BaseURL:        os.Getenv("POLAR_BASE_URL"),
			OrganizationID: os.Getenv("POLAR_ORGANIZATION_ID"),
			WebhookSecret:  os.Getenv("POLAR_WEBHOOK_SECRET"),
			SuccessURL:     baseURL + "/account?checkout_id={CHECKOUT_ID}",
		},
		Plans: plan.Default(
			os.Getenv("POLAR_STARTER_PRODUCT_ID"),
			os.Getenv("POLAR_PREMIUM_PRODUCT_ID"),
		),
		CronSecret: os.Getenv("CRON_SECRET"),
	}

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Pull the product catalog once at startup so metadata-driven plan
	// limits are in place before the first entitlement check.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.SyncProducts(ctx); err != nil {
			slog.Warn("product sync failed", "error", err)
		}
	}()

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("billing service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
