// Command feltrelay runs the network relay: it sequences shape writes for
// every session, fans out signals and roster changes, and persists session
// state to the configured storage backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/discovery"
	"github.com/feltcanvas/felt/internal/influx"
	"github.com/feltcanvas/felt/internal/logging"
	"github.com/feltcanvas/felt/internal/monitor"
	intOtel "github.com/feltcanvas/felt/internal/otel"
	"github.com/feltcanvas/felt/internal/relay"
	"github.com/feltcanvas/felt/internal/storage"
)

// BuildVersion and BuildDate can be set at build time via ldflags.
var (
	BuildVersion = "0.0.1"
	BuildDate    = "unknown"
)

const ProgramName = "feltrelay"

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.ConfigFileName)
	listen := flag.String("listen", "", "listen address, overrides relay.listen")
	flag.Parse()

	if err := run(*configDir, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ProgramName, err)
		os.Exit(1)
	}
}

func run(configDir, listenOverride string) error {
	sessionStart := time.Now()

	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, "info", nil)
	logger := slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}
	level := config.GetString("logLevel")

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	logFilePath := logging.LogFilePath(logsDir, ProgramName, sessionStart)
	logFile, err := os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	otelCfg := config.GetOTelConfig()
	provider, err := intOtel.New(intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		Program:      ProgramName,
		Version:      BuildVersion,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    logFile,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing otel: %w", err)
	}

	var opts []logging.Option
	if gl := config.GetGraylogConfig(); gl.Enabled {
		opts = append(opts, logging.WithGraylog(gl.Address))
	}
	slogManager.Setup(io.MultiWriter(os.Stdout, logFile), level, provider.LoggerProvider(), opts...)
	logger = slogManager.Logger().With("program", ProgramName)
	logger.Info("Starting relay", "version", BuildVersion, "buildDate", BuildDate, "logFile", logFilePath)

	zlog := logging.NewZerolog(level, logFile)

	backend, err := storage.NewBackend(config.GetStorageConfig(), config.GetDBConfig(), zlog)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	logger.Info("Storage backend initialized", "type", config.GetStorageConfig().Type)

	relayCfg := config.GetRelayConfig()
	if listenOverride != "" {
		relayCfg.Listen = listenOverride
	}
	if relayCfg.Instance == "" {
		relayCfg.Instance, _ = os.Hostname()
	}

	srv, err := relay.New(relayCfg, backend,
		relay.WithLogger(logger),
		relay.WithPersistLogger(zlog),
		relay.WithMeter(provider.Meter(relay.InstrumentationName)),
	)
	if err != nil {
		_ = backend.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if relayCfg.Advertise {
		port, err := discovery.PortFromListen(relayCfg.Listen)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", "error", err)
		} else {
			adv, err := discovery.Advertise(relayCfg.Instance, port, []string{"version=" + BuildVersion}, logger)
			if err != nil {
				logger.Warn("mDNS advertisement failed", "error", err)
			} else {
				defer adv.Close()
			}
		}
	}

	influxManager := startInflux(ctx, logsDir, sessionStart, zlog, logger)
	if influxManager != nil {
		defer influxManager.Close()
	}
	mon := startMonitor(srv, backend, influxManager, relayCfg.Instance, logger)
	defer mon.Stop()

	runErr := srv.Run(ctx, relayCfg.Listen)
	if runErr != nil {
		logger.Error("Relay stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return shutdown(shutdownCtx, srv, backend, provider, slogManager, logger, runErr)
}

// startInflux connects the metrics sink, nil when disabled or failed.
func startInflux(ctx context.Context, logsDir string, sessionStart time.Time, zlog zerolog.Logger, logger *slog.Logger) *influx.Manager {
	backupPath := filepath.Join(logsDir, fmt.Sprintf("influx_backup.%s.gz", sessionStart.Format("20060102_150405")))
	m := influx.NewManager(config.GetInfluxConfig(), zlog, backupPath)
	if err := m.Connect(ctx); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			logger.Error("InfluxDB unavailable", "error", err)
		}
		return nil
	}
	return m
}

func startMonitor(srv *relay.Server, backend storage.Backend, im *influx.Manager, instance string, logger *slog.Logger) *monitor.Service {
	deps := monitor.Dependencies{
		Relay:      srv,
		Logger:     logger.With("component", "monitor"),
		Interval:   config.GetDuration("monitor.interval"),
		Instance:   instance,
		StatusFile: config.GetString("monitor.statusFile"),
	}
	if im != nil {
		deps.Influx = im
	}
	if rec, ok := backend.(monitor.StatusRecorder); ok {
		deps.Recorder = rec
	}

	mon := monitor.NewService(deps)
	if err := mon.Start(); err != nil {
		logger.Warn("Status monitor not started", "error", err)
	}
	return mon
}

func shutdown(ctx context.Context, srv *relay.Server, backend storage.Backend, provider *intOtel.Provider, slogManager *logging.SlogManager, logger *slog.Logger, runErr error) error {
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}

	logger.Info("Shutting down relay")
	if err := srv.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing relay: %w", err))
	}
	if err := backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	if err := slogManager.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = slogManager.Close()
	return errors.Join(errs...)
}
