// Command hmiaudio is the audio playback server for HMI panels: it follows
// tags and alarms published by the HMI runtime and drives the audio output
// according to the configured state machines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/elektro-kapsel/hmiaudio/internal/app"
	"github.com/elektro-kapsel/hmiaudio/internal/config"
	"github.com/elektro-kapsel/hmiaudio/internal/daemon"
	"github.com/elektro-kapsel/hmiaudio/internal/health"
	"github.com/elektro-kapsel/hmiaudio/internal/mixer"
	"github.com/elektro-kapsel/hmiaudio/internal/observe"
	"github.com/elektro-kapsel/hmiaudio/internal/openpipe"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitDevice   = 2
	exitUpstream = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	logLevel := flag.String("v", "info", "log verbosity: debug, info, warn or error")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address (e.g. :9090); empty disables")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] CONFIG\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitConfig
	}
	confPath := flag.Arg(0)

	level := config.LogLevel(*logLevel)
	if !level.IsValid() {
		fmt.Fprintf(os.Stderr, "hmiaudio: invalid log level %q\n", *logLevel)
		return exitConfig
	}
	slog.SetDefault(newLogger(level))

	cfg, err := config.Load(confPath)
	if err != nil {
		slog.Error("configuration error", "err", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return exitConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return exitConfig
	}
	application, err := app.New(cfg, filepath.Dir(confPath), version, metrics)
	if err != nil {
		slog.Error("configuration error", "err", err)
		return exitConfig
	}
	if err := metrics.RegisterLiveVoices(func() int64 {
		return int64(application.Mixer().LiveVoices())
	}); err != nil {
		slog.Warn("failed to register live-voice gauge", "err", err)
	}

	if *metricsAddr != "" {
		checks := health.New(health.Checker{
			Name: "upstream",
			Check: func(context.Context) error {
				if !application.UpstreamConnected() {
					return errors.New("upstream not connected")
				}
				return nil
			},
		})
		mux := http.NewServeMux()
		mux.Handle("/metrics", observe.Handler())
		mux.HandleFunc("/healthz", checks.Healthz)
		mux.HandleFunc("/readyz", checks.Readyz)
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Warn("metrics endpoint failed", "addr", *metricsAddr, "err", err)
			}
		}()
	}

	slog.Info("hmiaudio starting",
		"config", confPath,
		"bind", cfg.Bind,
		"device", cfg.Device.Name,
		"rate", cfg.Device.Rate,
		"channels", cfg.Device.Channels,
		"loaded", application.Describe(),
	)

	device, err := mixer.OpenDevice(application.Mixer(), cfg.Device.Name, func() {
		metrics.Underruns.Add(context.Background(), 1)
	})
	if err != nil {
		slog.Error("failed to open audio device", "device", cfg.Device.Name, "err", err)
		return exitDevice
	}
	defer func() {
		if err := device.Close(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}()

	daemon.Ready()
	go watchdogLoop(ctx)

	err = application.Run(ctx)
	daemon.Stopping()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		slog.Info("shutdown signal received, goodbye")
		return exitOK
	case errors.Is(err, openpipe.ErrPermanentFailure):
		slog.Error("upstream connection permanently failed", "err", err)
		return exitUpstream
	default:
		slog.Error("run error", "err", err)
		return exitUpstream
	}
}

// watchdogLoop pets the service-manager watchdog at half the configured
// interval. WATCHDOG_USEC is absent outside a watchdog-enabled unit.
func watchdogLoop(ctx context.Context) {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return
	}
	usec, err := strconv.ParseInt(usecStr, 10, 64)
	if err != nil || usec <= 0 {
		slog.Warn("invalid WATCHDOG_USEC", "value", usecStr)
		return
	}
	interval := time.Duration(usec) * time.Microsecond / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			daemon.Watchdog()
		}
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
