// Command device-simulator publishes wire-format device events to the
// broker so the pipeline can be exercised without hardware.
//
// Each simulated reader announces itself with DEVICE_CONNECTED and then
// emits a random mix of telemetry, access and alert events. A share of
// events can be replayed verbatim (duplicate deliveries) or flagged with
// the failure marker (dead-letter path).
//
//	device-simulator -devices 5 -count 20 -duplicates 0.1 -failures 0.05
//	device-simulator -watch   # also print domain events relayed by the outbox
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/logging"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/mqtt"
)

func main() {
	var (
		configPath string
		opts       options
		seed       int64
		watch      bool
	)

	flag.StringVar(&configPath, "config", envOr("SMARTACCESS_CONFIG", "configs/config.yaml"), "configuration file")
	flag.IntVar(&opts.Devices, "devices", 3, "number of simulated devices")
	flag.IntVar(&opts.Count, "count", 10, "events per device (0 = until interrupted)")
	flag.DurationVar(&opts.Interval, "interval", time.Second, "delay between rounds")
	flag.Float64Var(&opts.DuplicateRate, "duplicates", 0.1, "probability of replaying the previous event")
	flag.Float64Var(&opts.FailureRate, "failures", 0.0, "probability of flagging an event as unrecoverable")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	flag.BoolVar(&watch, "watch", false, "print domain events published by the outbox")
	flag.Parse()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts.Seed = uint64(seed) //nolint:gosec // any bit pattern is a valid seed

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath, opts, watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, opts options, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, config.ServiceConfig{Name: "device-simulator", Instance: cfg.Service.Instance}, "dev")

	// A distinct client ID keeps the broker from disconnecting the core.
	cfg.MQTT.Broker.ClientID += "-simulator"
	cfg.MQTT.CleanSession = true

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer client.Close() //nolint:errcheck // Best effort on exit
	client.SetLogger(log)

	if watch {
		filter := mqtt.Topics{}.AllDomainEvents(cfg.Broker.OutboxPrefix)
		if err := client.Subscribe(filter, 1, func(topic string, payload []byte) error {
			log.Info("domain event", "topic", topic, "body", string(payload))
			return nil
		}); err != nil {
			return fmt.Errorf("subscribing to domain events: %w", err)
		}
		log.Info("watching domain events", "filter", filter)
	}

	opts.Exchange = cfg.Broker.Exchange
	opts.QoS = byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0-2

	log.Info("simulation started",
		"devices", opts.Devices,
		"count", opts.Count,
		"exchange", opts.Exchange,
	)
	st, err := simulate(ctx, client, opts)
	log.Info("simulation finished",
		"published", st.Published,
		"duplicates", st.Duplicates,
		"failures", st.Failures,
	)
	if err != nil {
		return err
	}

	if watch {
		<-ctx.Done()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
