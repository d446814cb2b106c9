package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/lead-drip-engine/internal/app"
	"github.com/acme/lead-drip-engine/internal/telemetry"
	sendworker "github.com/acme/lead-drip-engine/internal/worker/send"
	webhookworker "github.com/acme/lead-drip-engine/internal/worker/webhook"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureInfrastructure(ctx); err != nil {
		log.Fatalf("failed to prepare infrastructure: %v", err)
	}

	cfg := container.Config

	send := sendworker.New(
		container.Kafka.NewReader(cfg.Kafka.DispatchTopic, cfg.Kafka.ConsumerGroupID+"-send"),
		container.Providers().Messaging,
		container.Services().Campaign,
		container.Repositories().Contacts,
		container.Publishers().DeadLetter,
		cfg.Provider.RequestTimeout,
		container.Logger.Named("send").Logger,
	)

	webhook := webhookworker.New(
		container.Kafka.NewReader(cfg.Kafka.EventsTopic, cfg.Kafka.ConsumerGroupID+"-webhook"),
		container.Services().Correlator,
		container.Services().Campaign,
		container.Services().Mapper,
		container.Repositories().EventLog,
		container.Publishers().DeadLetter,
		container.Logger.Named("webhook").Logger,
	)

	errCh := make(chan error, 2)
	go func() { errCh <- send.Run(ctx) }()
	go func() { errCh <- webhook.Run(ctx) }()

	if err := <-errCh; err != nil && ctx.Err() == nil {
		log.Fatalf("worker terminated: %v", err)
	}
	cancel()
	<-errCh
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
