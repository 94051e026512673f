package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resultrx/backend/config"
	"github.com/resultrx/backend/internal/ai"
	"github.com/resultrx/backend/internal/db"
	"github.com/resultrx/backend/internal/entitlement"
	"github.com/resultrx/backend/internal/payment"
	"github.com/resultrx/backend/internal/server"
	"github.com/resultrx/backend/internal/service"
	"github.com/resultrx/backend/pkg/logger"
)

func main() {
	l := logger.New()
	l.Info("Starting ResultRx backend...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatal("Failed to load config", err)
	}

	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookKey == "" {
		l.Fatal("Stripe configuration is incomplete")
	}
	if cfg.AI.APIKey == "" {
		l.Fatal("AI API key is not configured")
	}
	if cfg.Auth.JWTSecret == "" {
		l.Fatal("JWT secret is not configured")
	}

	// Connect to Postgres with retry; the database may still be coming up.
	var database *db.PostgresDB
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(cfg.DB)
		if err == nil {
			break
		}
		l.Error("Failed to connect to database, retrying...", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatal("Failed to connect to database after multiple attempts", err)
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		l.Fatal("Failed to run migrations", err)
	}
	cancelMigrate()

	stripeClient := payment.NewStripeClient(cfg.Stripe)
	aiClient := ai.NewClient(cfg.AI.APIKey).WithModel(cfg.AI.Model).WithTimeout(cfg.AI.Timeout)
	evaluator := entitlement.NewEvaluator(cfg.Entitlement.FreeMonthlyQuota)

	userSvc := service.NewUserService(database, cfg.Entitlement.SignupCredits)
	explainSvc := service.NewExplainService(database, aiClient, evaluator, l)
	checkoutSvc := service.NewCheckoutService(stripeClient, database, l)
	webhookSvc := service.NewWebhookService(database, stripeClient, l)

	handler := server.NewHandler(explainSvc, checkoutSvc, webhookSvc, userSvc, l)
	httpServer := server.NewServer(cfg.Server.Port, cfg.Server.CORSOrigins, cfg.Auth.JWTSecret, handler, userSvc, l)

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		l.Error("Error during HTTP server shutdown", err)
	}

	l.Info("Server stopped")
}
