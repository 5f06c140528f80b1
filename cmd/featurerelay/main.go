// Command featurerelay receives audio-analysis telemetry over UDP and
// broadcasts it to WebSocket clients as JSON.
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
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/featurerelay/internal/app"
	"github.com/MrWong99/featurerelay/internal/config"
	"github.com/MrWong99/featurerelay/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fileFound, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "featurerelay: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger, closeLog := newLogger(os.Stderr, &level, cfg.Server.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	if !fileFound {
		slog.Warn("config file not found, using defaults and environment", "config", *configPath)
	}
	slog.Info("featurerelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.NewProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion:    version,
		RuntimeCollectors: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	telemetry.Install()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if fileFound {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, config.Diff(old, new))
		}, config.WithEnv(os.LookupEnv))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise relay", "err", err)
		return 1
	}

	printStartupSummary(cfg, application)
	slog.Info("relay ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping relay")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, falling back to [config.Default] when it does not
// exist, then applies environment overrides and validates the result.
func loadConfig(path string) (cfg *config.Config, fileFound bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		fileFound = true
	case errors.Is(err, os.ErrNotExist):
		cfg = config.Default()
	default:
		return nil, false, err
	}

	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, fileFound, err
	}
	return cfg, fileFound, nil
}

// applyReload applies the live-reloadable part of d and reports the rest.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "log_level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart",
			"fields", strings.Join(d.RestartRequired, ", "))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, a *app.App) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║      featurerelay: startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("HTTP", a.HTTPAddr().String())
	printRow("WebSocket path", cfg.Relay.WSPath)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Send queue", fmt.Sprintf("%d msgs", cfg.Relay.SendQueue))
	for i, l := range cfg.Relay.Listeners {
		printRow("UDP "+l.Name, fmt.Sprintf("%s (%s)", a.UDPAddrs()[i], l.Format))
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(label) > 16 {
		label = label[:15] + "…"
	}
	if len(value) > 21 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-16s : %-21s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger writing to w and, when lf is set, to a
// rotated file. The returned func closes the file.
func newLogger(w io.Writer, level slog.Leveler, lf *config.LogFileConfig) (*slog.Logger, func()) {
	closeFn := func() {}
	if lf != nil {
		file := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays,
			Compress:   lf.Compress,
		}
		w = io.MultiWriter(w, file)
		closeFn = func() { _ = file.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
