// Command demo wires iapcore.Manager against an in-memory demo adapter and
// drives one purchase end-to-end (env-var config, OpenTelemetry tracer,
// signal-driven shutdown). It has no HTTP server of its own.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motafan/iapcore"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/tracing"
)

func main() {
	collectorEndpoint := getEnv("OTEL_COLLECTOR_ENDPOINT", "otel-collector:4317")
	shutdown, err := tracing.InitTracer("iapcore-demo", collectorEndpoint)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}()
	log.Println("OpenTelemetry initialized, sending traces to", collectorEndpoint)

	adapter := newDemoAdapter()
	mgr := iapcore.New(adapter)

	cfg := iapcore.Config{
		AutoFinishTransactions:  true,
		AutoRecoverTransactions: getEnv("AUTO_RECOVER", "true") == "true",
		MaxRetryAttempts:        3,
		BaseRetryDelay:          200 * time.Millisecond,
		ProductCacheExpiration:  10 * time.Minute,
		ReceiptValidation: iapcore.ValidationConfig{
			Mode: domain.ValidationLocal,
		},
		Network: iapcore.NetworkConfig{
			BaseURL: getEnv("ORDER_SERVICE_URL", "http://order-service:8080"),
			Timeout: 5 * time.Second,
		},
	}

	ctx := context.Background()
	if err := mgr.Initialize(ctx, cfg); err != nil {
		log.Fatalf("failed to initialize manager: %v", err)
	}
	defer func() {
		if err := mgr.Cleanup(); err != nil {
			log.Printf("cleanup error: %v", err)
		}
	}()

	products, err := mgr.LoadProducts(ctx, []string{demoProductID})
	if err != nil {
		log.Fatalf("load products failed: %v", err)
	}
	if len(products) == 0 {
		log.Fatalf("demo product not found")
	}

	result, err := mgr.Purchase(ctx, products[0], map[string]string{"userID": "demo-user"})
	if err != nil {
		log.Printf("purchase failed: %v", err)
	} else {
		log.Printf("purchase result: kind=%d tx=%s", result.Kind, result.Tx.ID)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

const demoProductID = "com.example.demo.coins100"
