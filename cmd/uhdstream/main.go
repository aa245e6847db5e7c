// Command uhdstream streams samples from or to a device and publishes
// per-block telemetry over HTTP or the log.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/rjboer/gouhd/driver"
	"github.com/rjboer/gouhd/driver/iiod"
	"github.com/rjboer/gouhd/driver/sim"
	"github.com/rjboer/gouhd/internal/app"
	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
	"github.com/rjboer/gouhd/internal/telemetry"
	"github.com/rjboer/gouhd/uhd"
)

func main() {
	configPath := envString(os.LookupEnv, "UHD_CONFIG", "uhdstream.json")

	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(2)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "save config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("uhdstream failed", logging.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

func newLogger(cfg cliConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func selectDriver(cfg cliConfig, logger logging.Logger) (driver.Driver, error) {
	switch cfg.driver {
	case "sim":
		return sim.New(sim.Config{SampleRate: cfg.sampleRate}), nil
	case "iiod":
		return iiod.New(iiod.Config{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want sim or iiod)", cfg.driver)
	}
}

func run(ctx context.Context, cfg cliConfig, logger logging.Logger) error {
	drv, err := selectDriver(cfg, logger)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	metrics.SetReadinessFunc(ready.Load)

	var reporter telemetry.Reporter
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		if _, err := hub.UpdateConfig(telemetry.Config{
			SampleRateHz: int(cfg.sampleRate),
			BlockSize:    cfg.blockSize,
			HistoryLimit: cfg.historyLimit,
		}); err != nil {
			logger.Warn("telemetry config rejected", logging.Field{Key: "error", Value: err})
		}
		reporter = hub
		go telemetry.NewWebServer(cfg.webAddr, hub, logger).Start(ctx)
	} else {
		reporter = telemetry.NewStdoutReporter(logger)
	}

	dev, err := uhd.Open(drv, cfg.args, uhd.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	streamCfg := app.Config{
		Channels:     cfg.channels,
		BlockSize:    cfg.blockSize,
		Timeout:      cfg.timeout,
		OnePacket:    cfg.onePacket,
		NumSamples:   cfg.numSamples,
		WarmupBlocks: cfg.warmupBlocks,
		SampleRate:   cfg.sampleRate,
		ToneOffset:   cfg.toneOffset,
		MaxEvents:    cfg.maxEvents,
	}
	args := uhd.StreamArgs{OTWFormat: cfg.otw, Channels: cfg.channels}

	var stats app.Stats
	switch cfg.format {
	case "fc64":
		stats, err = runStream[complex128](ctx, dev, cfg.mode, args, streamCfg, reporter, logger, &ready)
	case "fc32":
		stats, err = runStream[complex64](ctx, dev, cfg.mode, args, streamCfg, reporter, logger, &ready)
	case "sc16":
		stats, err = runStream[uhd.SC16](ctx, dev, cfg.mode, args, streamCfg, reporter, logger, &ready)
	case "sc8":
		stats, err = runStream[uhd.SC8](ctx, dev, cfg.mode, args, streamCfg, reporter, logger, &ready)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stream finished",
		logging.Field{Key: "blocks", Value: stats.Blocks},
		logging.Field{Key: "samples", Value: stats.Samples},
		logging.Field{Key: "events", Value: stats.Events},
	)
	return nil
}

func runStream[T uhd.Sample](ctx context.Context, dev *uhd.Device, mode string, args uhd.StreamArgs, cfg app.Config, reporter telemetry.Reporter, logger logging.Logger, ready *atomic.Bool) (app.Stats, error) {
	defer ready.Store(false)

	if mode == "tx" {
		tx, err := uhd.NewTransmitStreamer[T](dev, args)
		if err != nil {
			return app.Stats{}, fmt.Errorf("tx streamer: %w", err)
		}
		defer tx.Close()
		ready.Store(true)
		logger.Info("transmitting", logging.Field{Key: "channels", Value: args.Channels})
		return app.NewBurst(tx, reporter, logger, cfg).Run(ctx)
	}

	rx, err := uhd.NewReceiveStreamer[T](dev, args)
	if err != nil {
		return app.Stats{}, fmt.Errorf("rx streamer: %w", err)
	}
	defer rx.Close()
	ready.Store(true)
	logger.Info("receiving (Ctrl+C to stop)", logging.Field{Key: "channels", Value: args.Channels})
	return app.NewCapture(rx, reporter, logger, cfg).Run(ctx)
}
