package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/desertthunder/waveline/internal/shared"
)

const redacted = "********"

// ConfigInit writes the default configuration to --config.
func (r *Runner) ConfigInit(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if err := shared.CreateConfigFile(path); err != nil {
		return err
	}
	r.logger.Info("config file created", "path", path)
	return r.writePlain("✓ Configuration written to %s\n", path)
}

// ConfigValidate loads --config and reports the first validation failure.
func (r *Runner) ConfigValidate(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	cfg, err := shared.LoadConfig(path)
	if err != nil {
		return err
	}

	r.writePlain("✓ %s is valid\n", path)
	r.writePlain("  Listen: %s\n", cfg.Addr())
	r.writePlain("  Filters: %v\n", cfg.Node.Filters.Enabled())
	if len(cfg.Node.RateLimit.IPBlocks) > 0 {
		r.writePlain("  Route planner: %s over %v\n", cfg.Node.RateLimit.Strategy, cfg.Node.RateLimit.IPBlocks)
	}
	return nil
}

// ConfigShow prints the effective configuration with secrets replaced.
func (r *Runner) ConfigShow(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	safe := redactConfig(cfg)
	if cmd.Bool("json") {
		return r.writeJSON(safe, true)
	}

	out, err := yaml.Marshal(safe)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return r.writePlain("%s", out)
}

// redactConfig returns a copy of cfg with passwords, keys and tokens replaced.
func redactConfig(cfg *shared.Config) shared.Config {
	c := *cfg
	hide := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}

	hide(&c.Node.Password)
	hide(&c.Node.HTTPConfig.ProxyPassword)
	hide(&c.Providers.Spotify.ClientSecret)
	hide(&c.Providers.AppleMusic.MediaAPIToken)
	hide(&c.Providers.Deezer.MasterDecryptionKey)
	hide(&c.LastFM.APISecret)
	hide(&c.Sentry.DSN)
	return c
}
