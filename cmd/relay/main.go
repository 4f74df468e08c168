package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/es-aggregate-store/internal/config"
	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/kafka"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
	"github.com/example/es-aggregate-store/internal/notification"
	"github.com/example/es-aggregate-store/internal/telemetry"
)

// anyEvent lets the relay bind to an event family without its event types;
// it only ever decodes notifications.
type anyEvent struct {
	json.RawMessage
}

func (anyEvent) EventType() string { return "" }

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Relay] Invalid configuration: %v", err)
	}

	log.Println("[Relay] ========================================")
	log.Println("[Relay] Event Store - Notification Relay")
	log.Println("[Relay] ========================================")
	log.Printf("[Relay] Aggregate: %s", cfg.Aggregate)
	log.Printf("[Relay] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[Relay] Topic: %s", cfg.KafkaTopic)

	shutdown, err := telemetry.Setup(ctx, "es-relay", telemetry.Settings{
		Endpoint: cfg.OTelEndpoint,
		Enabled:  cfg.OTelEnabled,
	})
	if err != nil {
		log.Printf("[Relay] Tracing disabled: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdown(flushCtx)
	}()

	logger := es.NewStdLogger("Relay", cfg.Verbose)

	pool, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.PoolOptions(), logger)
	if err != nil {
		log.Fatalf("[Relay] %v", err)
	}
	defer pool.Close()
	log.Println("[Relay] Connected to PostgreSQL")

	db, err := postgres.NewEventDB(pool, cfg.Aggregate, es.NewEventRegistry[*anyEvent](), postgres.WithLogger(logger))
	if err != nil {
		log.Fatalf("[Relay] %v", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	relay := notification.NewRelay(producer, logger, 5*time.Second, notification.DefaultQueueSize)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Relay] Relay stopped: %v", err)
		}
	}()
	if err := db.ListenToStreamUpdates(ctx, relay.HandleNotification); err != nil {
		log.Fatalf("[Relay] Failed to listen: %v", err)
	}
	log.Printf("[Relay] Listening to channel: %s", db.Channel())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	relayed, dropped := relay.Stats()
	log.Printf("[Relay] Shutting down... relayed=%d dropped=%d", relayed, dropped)
}
