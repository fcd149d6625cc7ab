package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/repositories"
)

// CacheCount prints the number of live entries in the mirror track cache.
func (r *Runner) CacheCount(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := repositories.NewTrackCacheRepository(db).Count()
	if err != nil {
		return fmt.Errorf("failed to count cached tracks: %w", err)
	}
	return r.writePlain("%d cached tracks\n", count)
}

// CachePrune soft deletes cache entries older than --age.
func (r *Runner) CachePrune(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	age := cmd.Duration("age")
	pruned, err := repositories.NewTrackCacheRepository(db).Prune(age)
	if err != nil {
		return fmt.Errorf("failed to prune track cache: %w", err)
	}

	r.logger.Info("pruned track cache", "count", pruned, "age", age)
	return r.writePlain("✓ Pruned %d tracks older than %s\n", pruned, age)
}
