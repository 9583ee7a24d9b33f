package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/claudine-gateway/internal/app"
	"github.com/florianilch/claudine-gateway/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	cmd := &cli.Command{
		Name:    "claudine",
		Usage:   "Multi-provider LLM gateway with Anthropic and OpenAI wire formats",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML or YAML config file",
				Sources: cli.EnvVars(app.EnvPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: "text",
			},
		},
		Commands: []*cli.Command{
			proxyStartCommand(),
			authCommand(),
			statusCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// flagKeys maps CLI flags to the config keys they override.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-exporter": "log.exporter",
	"addr":         "server.addr",
}

// loadConfig loads the configuration with explicitly set flags as the top layer.
func loadConfig(cmd *cli.Command, environ func() []string) (*app.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if cmd.IsSet(flag) {
			overrides[key] = cmd.String(flag)
		}
	}
	return app.LoadConfig(cmd.String("config"), overrides, environ)
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Starts the proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (host:port)",
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "OpenTelemetry log exporter (none|stdout|otlp-grpc|otlp-http)",
			},
		},
		Action: proxyStartAction,
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return err
	}

	// Set up observability before creating app
	shutdownTelemetry, err := observability.Instrument(ctx, observability.Options{
		Level:    level,
		Format:   cfg.Log.Format,
		Exporter: cfg.Log.Exporter,
	})
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush telemetry: %v\n", err)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting", "providers", cfg.ProviderNames(), "default_provider", cfg.DefaultProvider)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
