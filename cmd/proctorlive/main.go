// Command proctorlive is the main entry point for the proctorlive interview server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/proctorlive/internal/app"
	"github.com/MrWong99/proctorlive/internal/config"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/MrWong99/proctorlive/pkg/provider/agent/gemini"
	"github.com/MrWong99/proctorlive/pkg/provider/agent/openai"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
	"github.com/MrWong99/proctorlive/pkg/provider/vision/remote"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", 5*time.Second, "config reload polling interval; 0 disables reloading")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "proctorlive: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "proctorlive: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("proctorlive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Config reloading (optional) ───────────────────────────────────────────
	var opts []app.Option
	if *watchInterval > 0 {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			onConfigChange(&level, old, new)
		}, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		opts = append(opts, app.WithConfigSource(watcher.Current))
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// onConfigChange applies the hot-reloadable parts of a changed config file.
// Interview, proctoring and video settings are read again by every new
// session, so only the log level needs an explicit update here.
func onConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InterviewChanged || d.ProctoringChanged || d.VideoChanged || d.UplinkChanged {
		slog.Info("session settings reloaded; they apply to new interviews",
			"interview", d.InterviewChanged,
			"proctoring", d.ProctoringChanged,
			"video", d.VideoChanged,
			"uplink_queue", d.UplinkChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that require a restart", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── Agent ─────────────────────────────────────────────────────────────────

	reg.RegisterAgent("gemini", func(entry config.ProviderEntry) (agent.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini: api_key is required")
		}
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAgent("openai", func(entry config.ProviderEntry) (agent.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai: api_key is required")
		}
		opts := []openai.Option{openai.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Detector ──────────────────────────────────────────────────────────────

	reg.RegisterDetector("remote", func(entry config.ProviderEntry) (vision.Detector, error) {
		var opts []remote.Option
		timeout, err := entry.OptDuration("timeout")
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, remote.WithTimeout(timeout))
		}
		if n, ok := entry.OptInt("max_faces"); ok {
			opts = append(opts, remote.WithMaxFaces(n))
		}
		return remote.New(entry.BaseURL, opts...), nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the agent and the detector named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	a, err := reg.CreateAgent(cfg.Providers.Agent)
	if err != nil {
		return nil, fmt.Errorf("create agent provider %q: %w", cfg.Providers.Agent.Name, err)
	}
	slog.Info("provider created", "kind", "agent", "name", cfg.Providers.Agent.Name)

	d, err := reg.CreateDetector(cfg.Providers.Detector)
	if err != nil {
		return nil, fmt.Errorf("create detector %q: %w", cfg.Providers.Detector.Name, err)
	}
	slog.Info("provider created", "kind", "detector", "name", cfg.Providers.Detector.Name)

	return &app.Providers{
		Agent:     a,
		AgentName: cfg.Providers.Agent.Name,
		Detector:  d,
	}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      proctorlive, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", providerLabel(cfg.Providers.Agent))
	printRow("Detector", providerLabel(cfg.Providers.Detector))
	printRow("Voice", cfg.Interview.Voice)
	printRow("Archive", enabled(cfg.Storage.PostgresDSN != ""))
	printRow("Queue", enabled(cfg.Storage.RedisURL != ""))
	if cfg.Server.MaxSessions > 0 {
		printRow("Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
	} else {
		printRow("Max sessions", "(unlimited)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
