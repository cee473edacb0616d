package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/alerts"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/broker"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/ingest"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/mapper"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/persist"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sandbox"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sparkplug"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

// shutdownGrace bounds the drain on SIGTERM; past it the process force-exits.
const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")

	// Optional override flags
	storePathOverride := flag.String("store", "", "override event store path (empty = use config)")
	rulesFileOverride := flag.String("rules", "", "override mapping rules file (empty = use config)")
	workersOverride := flag.Int("workers", 0, "override number of mapper workers (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*storePathOverride,
		*rulesFileOverride,
		*workersOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
		*metricsIntervalOverride,
	)

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector = metrics.NewMetricsCollector(metricsService, updateInterval)
		metricsCollector.Start()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Sparkplug codec is optional
	var codec *sparkplug.Codec
	if cfg.Sparkplug.Enabled {
		codec, err = sparkplug.NewCodec()
		if err != nil {
			logger.Fatal("failed to initialize sparkplug codec", "error", err)
		}
	}

	// Open the event store
	eventStore, err := store.Open(store.Options{
		Path:           cfg.Store.Path,
		MaxSizeMB:      cfg.Store.MaxSizeMB,
		PruneChunkSize: cfg.Store.PruneChunkSize,
	}, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to open event store", "error", err)
	}

	// In-process bus, optionally mirrored to NATS
	eventBus := bus.New(logger, metricsService)

	var natsForwarder *bus.NATSForwarder
	if cfg.Bus.NATS.Enabled {
		natsForwarder, err = bus.NewNATSForwarder(eventBus, &cfg.Bus.NATS, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", "error", err)
		}
		natsForwarder.Start()
	}

	checkpointInterval, err := time.ParseDuration(cfg.Store.CheckpointInterval)
	if err != nil {
		logger.Fatal("invalid checkpoint interval", "error", err)
	}
	maintainer := store.NewMaintainer(eventStore, eventBus, checkpointInterval)

	runner := sandbox.NewRunner(eventStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The mapper publishes derived messages through the broker manager,
	// which itself feeds the mapper via the ingest handler. The closure
	// breaks the cycle: manager is assigned before any connection opens.
	var manager *broker.Manager
	publisher := mapper.PublisherFunc(func(brokerID, topic string, payload []byte, qos byte, retain bool) error {
		_, err := manager.Publish(brokerID, topic, payload, qos, retain)
		return err
	})

	mapperEngine, err := mapper.New(mapper.Options{
		RulesFile: cfg.Mapper.RulesFile,
		Workers:   cfg.Mapper.Workers,
		Logger:    logger,
		Metrics:   metricsService,
		Bus:       eventBus,
		Runner:    runner,
		Codec:     codec,
		Publisher: publisher,
	})
	if err != nil {
		logger.Fatal("failed to load mapping rules", "error", err)
	}

	alertEngine, err := alerts.New(alerts.Options{
		Store:     eventStore,
		Logger:    logger,
		Metrics:   metricsService,
		Bus:       eventBus,
		Runner:    runner,
		LLMAPIKey: cfg.Alerts.LLMAPIKey,
	})
	if err != nil {
		logger.Fatal("failed to initialize alert engine", "error", err)
	}

	queue := persist.NewQueue(eventStore, logger, metricsService,
		cfg.Queue.BatchSize,
		time.Duration(cfg.Queue.BatchIntervalMS)*time.Millisecond,
		cfg.Queue.SoftLimit,
		mapperEngine.ProcessEvent)
	queue.Start(ctx)

	ingestHandler := ingest.NewHandler(ingest.Options{
		Logger:  logger,
		Metrics: metricsService,
		Bus:     eventBus,
		Persist: queue,
		Mapper:  mapperEngine,
		Alerts:  alertEngine,
		Codec:   codec,
	})
	ingestHandler.Start(ctx)

	manager = broker.NewManager(broker.Options{
		Logger:  logger,
		Metrics: metricsService,
		Bus:     eventBus,
		Handler: ingestHandler.Handle,
	})
	for i := range cfg.Brokers {
		if err := manager.AddBroker(&cfg.Brokers[i]); err != nil {
			logger.Fatal("failed to register broker", "error", err)
		}
	}

	maintainer.Start(ctx)

	if err := manager.Start(ctx); err != nil {
		logger.Fatal("failed to start broker connections", "error", err)
	}

	logger.Info("uns-hub started",
		"brokers", len(cfg.Brokers),
		"workers", cfg.Mapper.Workers,
		"store", cfg.Store.Path,
		"sparkplug", cfg.Sparkplug.Enabled,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading mapping rules")
			if err := mapperEngine.Reload(); err != nil {
				logger.Error("mapping rules reload failed", "error", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			// Force exit if the drain stalls
			go func() {
				time.Sleep(shutdownGrace)
				logger.Error("graceful shutdown timed out, forcing exit")
				os.Exit(2)
			}()

			if metricsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
				shutdownCancel()
			}

			// Stop inbound flow first, then drain what is buffered.
			manager.Stop()
			ingestHandler.Close()
			alertEngine.Close()
			queue.Stop()
			mapperEngine.Close()
			maintainer.Stop()
			if natsForwarder != nil {
				natsForwarder.Stop()
			}
			eventBus.Close()
			if metricsCollector != nil {
				metricsCollector.Stop()
			}
			if err := eventStore.Close(); err != nil {
				logger.Error("failed to close event store", "error", err)
			}
			cancel()
			return
		}
	}
}
