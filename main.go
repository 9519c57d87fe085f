package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metergate/internal/config"
	"metergate/internal/db"
	"metergate/internal/gateway"
	httpapi "metergate/internal/http"
	"metergate/internal/ledger"
	"metergate/internal/payments"
	"metergate/internal/quota"
	"metergate/internal/upstream"

	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := quota.ValidateTiers(quota.DefaultTiers); err != nil {
		log.Fatalf("tier table invalid: %v", err)
	}
	if err := payments.ValidatePlans(payments.DefaultPlans); err != nil {
		log.Fatalf("plan table invalid: %v", err)
	}
	if err := upstream.ValidateCatalog(upstream.DefaultCatalog); err != nil {
		log.Fatalf("model catalog invalid: %v", err)
	}
	if err := gateway.ValidateCosts(gateway.DefaultCosts, upstream.DefaultCatalog); err != nil {
		log.Fatalf("cost table invalid: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	keys := upstream.NewPool(pool, cfg.KeyCooldown())
	if err := keys.Sync(ctx, upstream.FamilyGemini, cfg.GoogleAPIKeys); err != nil {
		log.Fatalf("sync gemini keys failed: %v", err)
	}
	if err := keys.Sync(ctx, upstream.FamilyOpenRouter, cfg.OpenRouterAPIKeys); err != nil {
		log.Fatalf("sync openrouter keys failed: %v", err)
	}

	caller := upstream.NewCaller(upstream.CallerOptions{
		Timeout:           cfg.UpstreamTimeout(),
		GeminiBaseURL:     cfg.GeminiBaseURL,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
	})
	router := upstream.NewRouter(keys, caller, upstream.DefaultCatalog, upstream.RouterOptions{
		AttemptsPerKey: cfg.MaxAttemptsPerKey,
		Backoff:        cfg.BackoffSchedule(),
	})

	credits := ledger.New(pool)
	quotas := quota.NewManager(pool, quota.DefaultTiers, cfg.QuotaWindow())
	processor := payments.NewProcessor(
		payments.NewPostgresStore(pool), credits, quotas, payments.DefaultPlans, cfg.RefundClawback)
	svc := gateway.New(quotas, credits, router, gateway.DefaultCosts)

	server := httpapi.NewServer(svc, credits, quotas, processor, router, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
