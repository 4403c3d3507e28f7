// relaycore is the UDP reliable-delivery and dispatch core for the lobby
// and game traffic of a multiplayer game.
//
// It binds the game UDP port, acknowledges and deduplicates reliable
// datagrams, dispatches them to the lobby handlers, and exposes a read-only
// admin API, an operator console, a SQLite journal and MQTT telemetry.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore-project/relaycore/internal/api"
	"github.com/relaycore-project/relaycore/internal/cli"
	"github.com/relaycore-project/relaycore/internal/config"
	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/events"
	"github.com/relaycore-project/relaycore/internal/network"
	"github.com/relaycore-project/relaycore/internal/reliable"
	"github.com/relaycore-project/relaycore/internal/scheduler"
	"github.com/relaycore-project/relaycore/internal/telemetry"
	"github.com/relaycore-project/relaycore/internal/util"
)

const (
	AppName    = "relaycore"
	AppVersion = "1.0.0"
	Banner     = `
            _
  _ __ ___ | | __ _ _   _  ___ ___  _ __ ___
 | '__/ _ \| |/ _' | | | |/ __/ _ \| '__/ _ \
 | | |  __/| | (_| | |_| | (_| (_) | | |  __/
 |_|  \___||_|\__,_|\__, |\___\___/|_|  \___|
                    |___/  v%s
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Default logger until the configuration is loaded
	logFile, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting relaycore")

	configDir := os.Getenv("RELAYCORE_CONFIG_DIR")
	if configDir == "" {
		configDir = config.DefaultConfigDir
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if reconfigured, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logFile.Close()
		logFile = reconfigured
	}
	defer logFile.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("relaycore stopped with error")
		logFile.Close()
		os.Exit(1)
	}
	log.Info().Msg("relaycore stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	var journal *db.Journal
	if jcfg := cfg.GetJournal(); jcfg.Enabled {
		var err error
		journal, err = db.OpenJournal(jcfg.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer stopBusThenClose(eventBus, journal)
		journal.Subscribe(eventBus)
	}

	var mqttHandler *telemetry.MQTTHandler
	if mcfg := cfg.GetMQTT(); mcfg.Enabled {
		var err error
		mqttHandler, err = telemetry.NewMQTTHandler(mcfg)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	node, err := core.NewNode(ctx, nodeConfig(cfg), core.WithEventBus(eventBus))
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	// A nil *db.Journal must not reach the views as a non-nil interface.
	var (
		journalView api.JournalView
		failures    cli.FailureSource
		pruner      scheduler.Pruner
	)
	if journal != nil {
		journalView, failures, pruner = journal, journal, journal
	}

	logging := cfg.GetLogging()
	jcfg := cfg.GetJournal()
	sched := scheduler.NewScheduler(scheduler.Config{
		PruneAt:       jcfg.PruneTime,
		Retention:     jcfg.Retention(),
		StatsInterval: logging.StatsInterval(),
	}, pruner, node)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return node.Run(gctx)
	})

	if acfg := cfg.GetAPI(); acfg.Enabled {
		apiServer := api.NewServer(acfg, AppVersion, node, journalView, logging.Level == "debug")
		g.Go(func() error {
			log.Info().Int("port", acfg.Port).Msg("starting REST API server")
			if err := startWithRetry(gctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx, eventBus); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	console := cli.NewCLI(os.Stdin, os.Stdout, node, failures, stop)
	go console.Start(gctx)

	<-gctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timed out after 30 seconds")
	}
}

// stopBusThenClose waits for in-flight bus handlers before closing c, which
// those handlers may still write to. Stopping the bus again later is a no-op.
func stopBusThenClose(bus *events.EventBus, c io.Closer) {
	bus.Stop()
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("close failed during shutdown")
	}
}

// nodeConfig maps the file configuration onto the node settings.
func nodeConfig(cfg *config.Config) core.Config {
	netCfg := cfg.GetNetwork()
	rel := cfg.GetReliability()
	disp := cfg.GetDispatch()

	return core.Config{
		Role: core.Role(netCfg.Role),
		Transport: network.TransportConfig{
			Host:         netCfg.Host,
			Port:         netCfg.Port,
			MaxDatagram:  netCfg.MaxDatagram,
			WriteTimeout: netCfg.WriteTimeout(),
		},
		Ledger: reliable.LedgerConfig{
			InitialTimeout: rel.InitialTimeout(),
			MaxTimeout:     rel.MaxTimeout(),
			Multiplier:     rel.Multiplier,
			Jitter:         rel.Jitter,
			MaxRetries:     rel.MaxRetries,
			DedupRetention: rel.DedupRetention(),
			DedupCapacity:  rel.DedupCapacity,
		},
		RetryInterval: rel.RetryInterval(),
		Workers:       disp.Workers,
		QueueSize:     disp.QueueSize,
	}
}

// startWithRetry retries startFn on bind errors at a fixed 3-second
// interval, which covers a previous process still holding the port.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
