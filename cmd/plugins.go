package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/plugins"
	"github.com/desertthunder/waveline/internal/repositories"
	"github.com/desertthunder/waveline/internal/shared"
)

type pluginRow struct {
	Dependency string `json:"dependency"`
	Path       string `json:"path"`
	Installed  bool   `json:"installed"`
}

func (r *Runner) pluginManager(cfg *shared.Config, recorder plugins.Recorder) (*plugins.Manager, error) {
	return plugins.NewManager(cfg, r.httpClient, recorder, r.logger)
}

// PluginsList prints the declared plugins.
func (r *Runner) PluginsList(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	pm, err := r.pluginManager(cfg, nil)
	if err != nil {
		return err
	}

	entries := pm.List()
	if cmd.Bool("json") {
		rows := make([]pluginRow, len(entries))
		for i, e := range entries {
			rows[i] = pluginRow{Dependency: e.Dependency.String(), Path: e.Path, Installed: e.Installed}
		}
		return r.writeJSON(rows, true)
	}

	if len(entries) == 0 {
		return r.writePlain("No plugins declared in %s\n", r.configPath)
	}

	r.writePlainHeader(fmt.Sprintf("Plugins (%d)", len(entries)))
	for _, e := range entries {
		mark := "✗"
		if e.Installed {
			mark = "✓"
		}
		r.writePlain("%s %s\n", mark, e.Dependency)
	}
	return nil
}

// PluginsSync downloads missing plugins and records each install in the database.
func (r *Runner) PluginsSync(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	pm, err := r.pluginManager(cfg, repositories.NewPluginRepository(db))
	if err != nil {
		return err
	}

	results, err := pm.Sync(ctx)
	for _, res := range results {
		if res.Err != nil {
			r.writePlain("✗ %s: %v\n", res.Dependency, res.Err)
		} else {
			r.writePlain("✓ %s %s\n", res.Dependency, res.Status)
		}
		for _, path := range res.Removed {
			r.writePlain("  removed %s\n", path)
		}
	}
	return err
}
