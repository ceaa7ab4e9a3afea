// SmartAccess Core - device event ingestion and consistency pipeline.
//
// The service consumes device events from the MQTT broker, processes each
// one in a single database transaction (event store, device state machine,
// alerts, audit trail and outbox), and relays committed domain events to
// downstream consumers through the transactional outbox.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/smartaccess-core/internal/alert"
	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/consumer"
	"github.com/nerrad567/smartaccess-core/internal/deadletter"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/cache"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/logging"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/smartaccess-core/internal/notify"
	"github.com/nerrad567/smartaccess-core/internal/observer"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
	"github.com/nerrad567/smartaccess-core/internal/processing"
	"github.com/nerrad567/smartaccess-core/internal/realtime"
	"github.com/nerrad567/smartaccess-core/internal/retry"
	"github.com/nerrad567/smartaccess-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// Components are stopped by deferred calls in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting SmartAccess Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, cfg.Service, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	checks := map[string]realtime.HealthChecker{"database": db}

	snapshotCache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()
	if hc, ok := snapshotCache.(realtime.HealthChecker); ok {
		checks["redis"] = hc
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	checks["mqtt"] = mqttClient
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bus := observer.NewBus()
	bus.SetLogger(log)
	notify.Alerts(bus, log)

	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			st := influxClient.Stats()
			log.Info("closing InfluxDB connection",
				"points_written", st.Points,
				"failed_batches", st.FailedBatches,
			)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		notify.Metrics(bus, influxClient, nil)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	events := event.NewSQLRepository()
	devices := device.NewSQLRepository()
	auditRepo := audit.NewSQLRepository()
	outboxRepo := outbox.NewSQLRepository()
	alerts := alert.NewSQLSink(cfg.Alerts.DedupWindow)

	registry := device.NewRegistry(devices, db, snapshotCache, cfg.Cache.DeviceTTL)
	registry.SetLogger(log)

	deadLetters := deadletter.NewService(events, auditRepo, outboxRepo)
	deadLetters.SetLogger(log)

	hub := realtime.NewHub(cfg.WebSocket, log)

	processor := processing.New(processing.Deps{
		DB:          db,
		Events:      events,
		Devices:     devices,
		Audit:       auditRepo,
		Alerts:      alerts,
		Outbox:      outboxRepo,
		DeadLetters: deadLetters,
		Snapshots:   registry,
		Broadcaster: hub,
		Bus:         bus,
		Logger:      log,
	})

	strategy, err := retry.NewStrategy(cfg.Retry)
	if err != nil {
		return fmt.Errorf("building retry strategy: %w", err)
	}
	retries := retry.NewSQLRepository()
	retryService := retry.NewService(retries, events, strategy, cfg.Retry.MaxRetries)

	if cfg.Retry.Scheduler.Enabled {
		scheduler := retry.NewScheduler(db, retryService, processor, deadLetters, retry.SchedulerConfig{
			Interval:  cfg.Retry.Scheduler.Interval,
			BatchSize: cfg.Retry.Scheduler.BatchSize,
		})
		scheduler.SetLogger(log)
		scheduler.SetOnDeadLettered(func(ctx context.Context, eventID, reason string) {
			bus.Emit(ctx, observer.EventDeadLettered{EventID: eventID, Reason: reason})
		})
		scheduler.Start(ctx)
		defer func() {
			log.Info("stopping retry scheduler")
			scheduler.Stop()
		}()
		log.Info("retry scheduler started",
			"strategy", cfg.Retry.Strategy,
			"max_retries", cfg.Retry.MaxRetries,
			"interval", cfg.Retry.Scheduler.Interval,
		)
	}

	if cfg.Outbox.Enabled {
		publisher, closePublisher, pubErr := newOutboxPublisher(cfg, mqttClient)
		if pubErr != nil {
			return pubErr
		}
		defer closePublisher()

		relay := outbox.NewProcessor(db, outboxRepo, publisher, outbox.Config{
			Interval:  cfg.Outbox.Interval,
			BatchSize: cfg.Outbox.BatchSize,
		})
		relay.SetLogger(log)
		relay.Start(ctx)
		defer func() {
			log.Info("stopping outbox processor")
			relay.Stop()
		}()
		log.Info("outbox processor started",
			"transport", cfg.Outbox.Transport,
			"interval", cfg.Outbox.Interval,
			"batch_size", cfg.Outbox.BatchSize,
		)
	} else {
		log.Info("outbox processor disabled")
	}

	if cfg.WebSocket.Enabled {
		server, srvErr := realtime.NewServer(realtime.Deps{
			Config:      cfg.WebSocket,
			Logger:      log,
			Hub:         hub,
			DB:          db,
			Devices:     devices,
			Snapshots:   registry,
			Events:      events,
			Retries:     retries,
			DeadLetters: deadLetters,
			Audit:       auditRepo,
			Alerts:      alerts,
			Outbox:      outboxRepo,
			Checks:      checks,
			Version:     version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating realtime server: %w", srvErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting realtime server: %w", startErr)
		}
		defer func() {
			log.Info("stopping realtime server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping realtime server", "error", closeErr)
			}
		}()
		log.Info("realtime server started",
			"address", fmt.Sprintf("%s:%d", cfg.WebSocket.Host, cfg.WebSocket.Port),
			"path", cfg.WebSocket.Path,
		)
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// The consumer starts last so no delivery arrives before its
	// collaborators are running.
	ingest := consumer.New(mqttClient, processor, consumer.Config{
		Topic:         cfg.SubscriptionTopic(),
		QoS:           byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
		RejectedTopic: cfg.Broker.RejectedTopic,
	})
	ingest.SetLogger(log)
	if err := ingest.Start(ctx); err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	defer func() {
		log.Info("stopping consumer")
		if stopErr := ingest.Stop(); stopErr != nil {
			log.Error("error stopping consumer", "error", stopErr)
		}
	}()
	log.Info("consumer started", "topic", cfg.SubscriptionTopic())

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SMARTACCESS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SMARTACCESS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase connects to the configured database and applies the
// migrations for its dialect.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		WALMode:      cfg.Database.WALMode,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "driver", db.Dialect().String())

	source, err := migrations.ForDriver(db.Dialect().String())
	if err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	if err := db.Migrate(ctx, source); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// openCache returns the device snapshot cache: Redis when enabled,
// otherwise an in-process map. The returned func releases it.
func openCache(ctx context.Context, cfg *config.Config, log *logging.Logger) (cache.Cache, func(), error) {
	if !cfg.Redis.Enabled {
		log.Info("using in-memory device cache")
		return cache.NewMemory(), func() {}, nil
	}

	rc, err := cache.NewRedis(ctx, cfg.Redis, cfg.Cache.KeyPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	log.Info("Redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return rc, func() {
		log.Info("closing Redis connection")
		if closeErr := rc.Close(); closeErr != nil {
			log.Error("error closing Redis", "error", closeErr)
		}
	}, nil
}

// newOutboxPublisher builds the relay transport named by outbox.transport.
func newOutboxPublisher(cfg *config.Config, mqttClient *mqtt.Client) (outbox.Publisher, func(), error) {
	switch cfg.Outbox.Transport {
	case config.TransportKafka:
		pub := outbox.NewKafkaPublisher(outbox.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BatchTimeout))
		return pub, func() { pub.Close() }, nil //nolint:errcheck // Best effort on shutdown
	case config.TransportMQTT, "":
		qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0-2
		return outbox.NewMQTTPublisher(mqttClient, cfg.Broker.OutboxPrefix, qos), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown outbox transport %q", cfg.Outbox.Transport)
	}
}

// healthCheck verifies every registered dependency, in a stable order so
// failures are reported consistently.
func healthCheck(ctx context.Context, checks map[string]realtime.HealthChecker) error {
	for _, name := range []string{"database", "redis", "mqtt", "influxdb"} {
		hc, ok := checks[name]
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
