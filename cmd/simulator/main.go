package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wssAchilles/urbanpulse/internal/adapter/kafka"
	"github.com/wssAchilles/urbanpulse/internal/platform/config"
	"github.com/wssAchilles/urbanpulse/internal/platform/logging"
	"github.com/wssAchilles/urbanpulse/internal/simulator"
)

func main() {
	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	writer, err := kafka.NewWriter(cfg.Brokers(), cfg.KafkaTopic)
	if err != nil {
		slog.Error("Failed to create Kafka writer", "error", err)
		os.Exit(1)
	}
	producer := kafka.NewProducer(writer)
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("Failed to close producer", "error", err)
		}
	}()

	seed := uint64(time.Now().UnixNano())
	gen := simulator.NewGenerator(simulator.GeneratorConfig{
		Devices:          cfg.Devices,
		DevicePrefix:     cfg.DevicePrefix,
		BaseLatitude:     cfg.BaseLatitude,
		BaseLongitude:    cfg.BaseLongitude,
		MinPM25:          cfg.MinPM25,
		MaxPM25:          cfg.MaxPM25,
		SpikeProbability: cfg.SpikeProbability,
	}, rand.New(rand.NewPCG(seed, seed>>1)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Publishing simulated readings", "brokers", cfg.Brokers(), "topic", cfg.KafkaTopic)
	simulator.New(gen, producer, cfg.Interval, clockwork.NewRealClock()).Run(ctx)
}
