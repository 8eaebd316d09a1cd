// Chat backbone server. Runs the full message pipeline in one process:
// ingestion, fan-out, delivery, status, the push-logging connector, and the
// WebSocket gateway.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chat4all/backbone/pkg/auth"
	"github.com/chat4all/backbone/pkg/bus"
	"github.com/chat4all/backbone/pkg/config"
	"github.com/chat4all/backbone/pkg/delivery"
	"github.com/chat4all/backbone/pkg/fanout"
	"github.com/chat4all/backbone/pkg/gateway"
	"github.com/chat4all/backbone/pkg/ingest"
	"github.com/chat4all/backbone/pkg/messagelog"
	"github.com/chat4all/backbone/pkg/metadata"
	"github.com/chat4all/backbone/pkg/realtime"
	"github.com/chat4all/backbone/pkg/status"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg := config.Load()
	slog.Info("Starting chat backbone", "http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Metadata store (PostgreSQL, runs migrations on startup)
	metaCfg, err := metadata.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load metadata config", "error", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewStore(ctx, metaCfg)
	if err != nil {
		slog.Error("Failed to connect to metadata store", "error", err)
		os.Exit(1)
	}
	defer metaStore.Close()
	slog.Info("Connected to metadata store")

	// 2. Message log (ScyllaDB)
	msgLog, err := messagelog.New(messagelog.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to message log", "error", err)
		os.Exit(1)
	}
	defer msgLog.Close()
	slog.Info("Connected to message log")

	// 3. Ephemeral pub/sub (Redis)
	pubsub, err := realtime.New(ctx, realtime.AddrFromEnv())
	if err != nil {
		slog.Error("Failed to connect to pub/sub", "error", err)
		os.Exit(1)
	}
	defer pubsub.Close()
	slog.Info("Connected to pub/sub")

	// 4. Bus producer (Kafka)
	busCfg := bus.LoadConfigFromEnv()
	producer, err := bus.NewProducer(busCfg)
	if err != nil {
		slog.Error("Failed to create producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	slog.Info("Connected to bus", "brokers", busCfg.Brokers)

	// 5. Pipeline workers, one consumer group per stage
	ingestWorker := ingest.New(metaStore, msgLog, producer,
		cfg.Topics.Persisted, cfg.MetadataTimeout, cfg.PublishTimeout, slog.Default())
	fanoutWorker := fanout.New(metaStore, producer,
		cfg.Topics.Delivery, cfg.MetadataTimeout, cfg.PublishTimeout, slog.Default())
	deliveryWorker := delivery.New(msgLog, pubsub, producer,
		cfg.Topics.Push, cfg.PublishTimeout, slog.Default())
	statusWorker := status.New(msgLog, pubsub, slog.Default())
	pushLogger := delivery.NewPushLogger(slog.Default())

	stages := []struct {
		group   string
		topic   string
		handler bus.Handler
	}{
		{cfg.Groups.Ingestion, cfg.Topics.Submit, ingestWorker.Handle},
		{cfg.Groups.Fanout, cfg.Topics.Persisted, fanoutWorker.Handle},
		{cfg.Groups.Delivery, cfg.Topics.Delivery, deliveryWorker.Handle},
		{cfg.Groups.Status, cfg.Topics.Status, statusWorker.Handle},
		{cfg.Groups.Notification, cfg.Topics.Push, pushLogger.Handle},
	}

	var wg sync.WaitGroup
	consumers := make([]*bus.Consumer, 0, len(stages))
	for _, stage := range stages {
		consumer, err := bus.NewConsumer(busCfg, stage.group, producer)
		if err != nil {
			slog.Error("Failed to create consumer", "group", stage.group, "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(group, topic string, c *bus.Consumer, h bus.Handler) {
			defer wg.Done()
			slog.Info("Consumer started", "group", group, "topic", topic)
			if err := c.Run(ctx, topic, h); err != nil {
				slog.Error("Consumer stopped with error", "group", group, "error", err)
				stop()
			}
		}(stage.group, stage.topic, consumer, stage.handler)
	}

	// 6. WebSocket gateway
	verifier := auth.NewVerifier([]byte(cfg.AuthSecret))
	gw := gateway.NewServer(verifier, gateway.PubSubSubscriber{PubSub: pubsub}, slog.Default())
	gw.SetHistory(msgLog)
	gw.SetDirectory(metaStore)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("Gateway listening", "addr", addr)
		if err := gw.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Chat backbone started")

	// 7. Wait for shutdown signal or gateway error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Gateway error triggered shutdown", "error", err)
		stop()
	}

	// 8. Graceful shutdown: gateway first so clients disconnect cleanly,
	// then consumers, so in-flight handlers finish and commit.
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := gw.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Consumer shutdown timeout exceeded")
	}
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
