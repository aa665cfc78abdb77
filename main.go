package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/api"
	"fundingflow/internal/cache"
	"fundingflow/internal/fetcher"
	"fundingflow/internal/metrics"
	"fundingflow/internal/refresher"
	"fundingflow/internal/service"
	"fundingflow/logger"
	"fundingflow/reader/binance"
	"fundingflow/reader/bybit"
	"fundingflow/reader/okx"
	"fundingflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "AWS_REGION").WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"symbol":      cfg.Symbols.Default,
	}).Info("starting fundingflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Namespace)
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	f := fetcher.New(cfg.Fetcher.Timeout, cfg.Fetcher.HistoryLimit,
		binance.NewReader(cfg),
		bybit.NewReader(cfg),
		okx.NewReader(cfg),
	)
	store := cache.NewStore(cfg.Symbols.Default, nil)
	svc := service.New(f, store, cfg.Cache.TTL)

	var sinks refresher.Sinks
	if cfg.History.Enabled {
		hw, err := writer.NewHistoryWriter(ctx, cfg.History)
		if err != nil {
			log.WithError(err).Error("failed to create history writer")
			os.Exit(1)
		}
		if err := hw.StartPruning(ctx); err != nil {
			log.WithError(err).Error("failed to schedule history pruning")
			os.Exit(1)
		}
		sinks = append(sinks, hw)
	} else {
		log.WithComponent("main").Info("history disabled; refresh results are not persisted")
	}

	if cfg.Publish.Kafka.Enabled {
		kp, err := writer.NewKafkaPublisher(cfg.Publish.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	var sink refresher.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	ref := refresher.New(f, store, sink, cfg.Refresh.Interval)
	server := api.NewServer(cfg.API, svc, api.WithMetrics(cfg.Metrics.Prometheus))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ref.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- server.Run(ctx)
	}()

	log.WithField("address", server.Address()).Info("all components started successfully")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("api server failed")
			stop()
			wg.Wait()
			os.Exit(1)
		}
	}

	log.Info("starting graceful shutdown")
	stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fundingflow stopped")
}
