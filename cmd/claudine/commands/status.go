package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/claudine-gateway/internal/app"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Checks credentials and upstream reachability of every provider",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	report := application.Health().SelfTest(ctx)

	color.Blue("Provider status:")
	for _, p := range report.Providers {
		label := p.Name
		if p.Name == cfg.DefaultProvider {
			label += " *"
		}
		fmt.Printf("  %-15s: ", label)

		switch {
		case p.Healthy():
			color.Green("ok (%s, %dms)", p.Kind, p.LatencyMillis)
		case p.NeedsLogin:
			color.Yellow("login required: run 'claudine auth login --provider %s'", p.Name)
		case !p.CredentialValid:
			color.Red("credential error: %s", p.CredentialError)
		default:
			color.Red("unreachable: %s", p.ReachError)
		}
	}

	if !report.Healthy() {
		return errors.New("self-test failed")
	}
	return nil
}
