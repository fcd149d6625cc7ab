package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/formatter"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/services"
	"github.com/desertthunder/waveline/internal/shared"
	"github.com/desertthunder/waveline/internal/tasks"
)

// remoteLoader loads through the REST API of a running node.
type remoteLoader struct {
	api *services.APIService
}

func (l remoteLoader) LoadItem(ctx context.Context, identifier string) *models.LoadResult {
	res, err := l.api.LoadTracks(ctx, identifier)
	if err != nil {
		return models.ErrorResult(err.Error(), models.SeverityFault, err)
	}
	return res
}

// TracksLoad bulk loads identifiers and writes one export per identifier plus a manifest.
func (r *Runner) TracksLoad(ctx context.Context, cmd *cli.Command) error {
	identifiers := cmd.Args().Slice()
	if len(identifiers) == 0 {
		return fmt.Errorf("%w: at least one identifier", shared.ErrMissingArgument)
	}

	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	var loader tasks.Loader = remoteLoader{api: r.client(cmd)}
	if cmd.Bool("local") {
		loader = buildRegistry(cfg, services.NewHTTPClient(services.HTTPOptions{Proxy: cfg.Node.HTTPConfig}), r.logger)
	}

	progressCh := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progressCh {
			switch update.Phase {
			case tasks.LoadTracks:
				r.writePlain("📥 %s\n", update.Message)
			case tasks.WriteFiles:
				r.writePlain("   %s\n", update.Message)
			case tasks.WriteManifest:
				r.writePlain("\n📝 %s\n", update.Message)
			}
		}
	}()

	result, err := tasks.BulkLoad(ctx, progressCh, loader, identifiers, tasks.BulkLoadOpts{
		Format:     format,
		OutputDir:  cmd.String("output"),
		NumWorkers: cmd.Int("workers"),
		RateLimit:  cmd.Float("rate"),
		Client:     r.httpClient,
	})
	close(progressCh)
	<-done

	if err != nil {
		return err
	}

	r.writePlain("\n")
	r.writePlainHeader("Load Complete!")
	r.writePlain("Output: %s\n", result.OutputDirectory)
	r.writePlain("Loaded: %d/%d\n", result.Successful, result.Total)
	if result.Failed > 0 {
		r.writePlain("Failed: %d\n", result.Failed)
		for _, res := range result.Results {
			if !res.Success {
				r.writePlain("  ✗ %s: %v\n", res.Identifier, res.Error)
			}
		}
	}
	return nil
}

// TracksDecode prints the track info of each encoded argument.
func (r *Runner) TracksDecode(ctx context.Context, cmd *cli.Command) error {
	encoded := cmd.Args().Slice()
	if len(encoded) == 0 {
		return fmt.Errorf("%w: at least one encoded track", shared.ErrMissingArgument)
	}

	tracks := make([]models.Track, 0, len(encoded))
	for _, e := range encoded {
		track, err := codec.DecodeTrack(e)
		if err != nil {
			return fmt.Errorf("%w: %s", err, e)
		}
		tracks = append(tracks, track)
	}

	if len(tracks) == 1 {
		return r.writeJSON(tracks[0], cmd.Bool("pretty"))
	}
	return r.writeJSON(tracks, cmd.Bool("pretty"))
}
