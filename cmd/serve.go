package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/shared"
)

// Serve runs the node until SIGINT or SIGTERM.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if err := shared.LoadEnv(); err != nil {
		r.logger.Warn("ignoring .env", "error", err)
	}

	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := shared.NewNodeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer closer.Close()
	r.logger = logger

	flush, err := shared.InitSentry(cfg.Sentry, version)
	if err != nil {
		logger.Warn("error reporting disabled", "error", err)
	}
	defer flush()

	node, err := buildNode(cfg, logger)
	if err != nil {
		shared.CaptureError(err, map[string]string{"stage": "startup"})
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		shared.CaptureError(err, map[string]string{"stage": "serve"})
		return err
	}
	logger.Info("node stopped")
	return nil
}
