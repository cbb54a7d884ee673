package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
	"github.com/fieldgrid/otlink/drivers/modbus"
	"github.com/fieldgrid/otlink/drivers/mqtt"
	"github.com/fieldgrid/otlink/drivers/opcua"
	"github.com/fieldgrid/otlink/internal/logging"
	"github.com/fieldgrid/otlink/internal/reload"
	"github.com/fieldgrid/otlink/notifier"
	"github.com/fieldgrid/otlink/pool"
	"github.com/fieldgrid/otlink/service"
	"github.com/fieldgrid/otlink/store"
	"github.com/fieldgrid/otlink/telemetry"
)

const defaultTelemetryListen = ":9182"

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		fmt.Println("Configuration OK.")
		os.Exit(0)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging, logging.WithService("otlink"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, logger zerolog.Logger) error {
	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("close store failed")
		}
	}()

	connections := pool.New([]drivers.Driver{
		opcua.NewDriver(logger),
		mqtt.NewDriver(mqtt.DefaultConnectTimeout, logger),
		modbus.NewDriver(modbus.NewClientFactory(cfg.Scheduler.ProbeDeadline()), logger),
	}, logger, collector)
	defer func() {
		if err := connections.CloseAll(); err != nil {
			logger.Warn().Err(err).Msg("pool teardown reported errors")
		}
	}()

	sink, closeSink, err := newNotifier(cfg.Notifier, logger)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer closeSink()

	svc := service.New(connections, cfg.Scheduler, logger, collector)
	scheduler := service.NewHealthScheduler(svc, st, sink, logger, collector)
	scheduler.Start(cfg.Scheduler.SweepInterval())
	defer scheduler.Stop()

	if cfg.Telemetry.Enabled {
		listen := cfg.Telemetry.Listen
		if listen == "" {
			listen = defaultTelemetryListen
		}
		go serveTelemetry(ctx, listen, logger)
	}

	logger.Info().
		Str("store", cfg.Store.Path).
		Dur("interval", cfg.Scheduler.SweepInterval()).
		Msg("otlink started")

	watchConfig(ctx, cfgPath, cfg, scheduler, logger)
	logger.Info().Msg("shutdown requested")
	return ctx.Err()
}

// watchConfig polls the configuration file and re-arms the scheduler when the
// sweep interval changes. Other settings require a restart.
func watchConfig(ctx context.Context, cfgPath string, cfg *config.Config, scheduler *service.HealthScheduler, logger zerolog.Logger) {
	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		logger.Warn().Err(err).Msg("config watching disabled")
		<-ctx.Done()
		return
	}

	interval := cfg.Scheduler.SweepInterval()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := watcher.Check()
			if err != nil || len(changed) == 0 {
				continue
			}
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload configuration")
				continue
			}
			_ = watcher.Update(cfgPath)
			newInterval := newCfg.Scheduler.SweepInterval()
			if newInterval == interval {
				logger.Info().Msg("configuration changed, no reloadable settings affected")
				continue
			}
			scheduler.Stop()
			scheduler.Start(newInterval)
			logger.Info().
				Dur("old_interval", interval).
				Dur("new_interval", newInterval).
				Msg("sweep interval reloaded")
			interval = newInterval
		}
	}
}

func newNotifier(cfg config.NotifierConfig, logger zerolog.Logger) (notifier.Notifier, func(), error) {
	var sink notifier.Notifier
	closer := func() {}

	if cfg.MQTT != nil {
		broadcast, err := notifier.NewMQTTNotifier(*cfg.MQTT, cfg.Topic, logger)
		if err != nil {
			return nil, nil, err
		}
		sink = broadcast
		closer = func() {
			if err := broadcast.Close(); err != nil {
				logger.Warn().Err(err).Msg("close notifier failed")
			}
		}
	} else {
		sink = notifier.NewLogNotifier(logger)
	}

	if cfg.RateLimit.Duration > 0 {
		sink = notifier.NewRateLimited(sink, cfg.RateLimit.Duration, logger)
	}
	return sink, closer, nil
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(nil)
}

func serveTelemetry(ctx context.Context, listen string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", listen).Msg("telemetry endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("telemetry endpoint failed")
	}
}
