package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/audio"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/plugins"
	"github.com/desertthunder/waveline/internal/repositories"
	"github.com/desertthunder/waveline/internal/routeplanner"
	"github.com/desertthunder/waveline/internal/scrobble"
	"github.com/desertthunder/waveline/internal/server"
	"github.com/desertthunder/waveline/internal/services"
	"github.com/desertthunder/waveline/internal/shared"
	"github.com/desertthunder/waveline/internal/stats"
	"github.com/desertthunder/waveline/internal/tasks"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version   = "4.0.0"
	commit    = ""
	branch    = ""
	buildTime = ""
)

const shutdownTimeout = 10 * time.Second

// Node is a fully wired audio node.
type Node struct {
	cfg       *shared.Config
	logger    *log.Logger
	db        *sql.DB
	registry  *services.Registry
	sessions  *player.SessionManager
	plugins   *plugins.Manager
	scheduler *tasks.Scheduler
	server    *server.Server
	info      models.NodeInfo
}

// buildNode wires every component of the node from cfg. The caller must Close the node.
func buildNode(cfg *shared.Config, logger *log.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger}

	var planner *routeplanner.Planner
	if len(cfg.Node.RateLimit.IPBlocks) > 0 {
		p, err := routeplanner.New(cfg.Node.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to create route planner: %w", err)
		}
		planner = p
		logger.Info("route planner enabled", "strategy", cfg.Node.RateLimit.Strategy, "blocks", cfg.Node.RateLimit.IPBlocks)
	}

	client := services.NewHTTPClient(services.HTTPOptions{Proxy: cfg.Node.HTTPConfig, Planner: planner})

	n.registry = buildRegistry(cfg, client, logger)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	n.db = db

	tracks := repositories.NewTrackCacheRepository(db)
	users := repositories.NewLastFMUserRepository(db)
	mirror := services.NewMirror(n.registry, cfg.Providers.Providers, repositories.NewTrackCacheAdapter(tracks, logger), logger)

	deps := player.Deps{
		Loader:   n.registry,
		Resolver: mirror,
		Opener:   audio.NewDecoders(client, time.Duration(cfg.Node.BufferDurationMs)*time.Millisecond, logger),
		NewEncoder: func() (audio.Encoder, error) {
			enc, err := audio.NewOpusEncoder(cfg.Node.OpusEncodingQuality)
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
		Pipeline:       audio.PipelineConfigFrom(cfg.Node),
		Filters:        cfg.Node.Filters,
		UpdateInterval: time.Duration(cfg.Node.PlayerUpdateInterval) * time.Second,
		Logger:         logger,
	}

	var lastfm *scrobble.Client
	if cfg.LastFM.Enabled() {
		lastfm, err = scrobble.NewClient(cfg.LastFM, client, logger)
		if err != nil {
			n.Close()
			return nil, err
		}
		deps.Observer = scrobble.NewScrobbler(lastfm, users, logger)
	}

	n.sessions = player.NewSessionManager(deps)
	collector := stats.NewCollector(stats.FromSessions(n.sessions))
	metrics := stats.NewMetrics(collector)
	n.registry.Observe(metrics.ObserveLoad)

	n.plugins, err = plugins.NewManager(cfg, client, repositories.NewPluginRepository(db), logger)
	if err != nil {
		n.Close()
		return nil, err
	}

	n.info = nodeInfo(n.registry, cfg, n.plugins)

	jobs := tasks.NodeJobs{
		Sessions: n.sessions,
		Stats:    collector,
		Tracks:   tracks,
		Sources:  n.registry,
		Logger:   logger,
	}
	opts := server.Options{
		Config:   cfg,
		Version:  n.info.Version.Semver,
		Info:     func() models.NodeInfo { return n.info },
		Stats:    collector,
		Loader:   n.registry,
		Sessions: n.sessions,
		Metrics:  metrics,
		Logger:   logger,
	}
	if planner != nil {
		jobs.Planner = planner
		opts.Planner = planner
	}
	if lastfm != nil {
		opts.LastFM = lastfm
		opts.LastFMUsers = users
	}

	n.scheduler, err = tasks.NewNodeScheduler(jobs, nil)
	if err != nil {
		n.Close()
		return nil, err
	}

	n.server, err = server.New(opts)
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// buildRegistry registers the enabled sources. Built-in sources come first so their prefixes win.
func buildRegistry(cfg *shared.Config, client *http.Client, logger *log.Logger) *services.Registry {
	registry := services.NewRegistry(logger)
	src := cfg.Node.Sources

	if src.YouTube {
		registry.Register(services.NewYouTubeSource(cfg.Node.YouTubeProxyURL, client, cfg.Node.YouTubePlaylistLoadLimit, logger))
		if !cfg.Node.YouTubeSearchEnabled {
			registry.DisableSearch("ytsearch", "ytmsearch")
		}
	}
	if src.Bandcamp {
		registry.Register(services.NewBandcampSource(client, logger))
	}
	if src.SoundCloud {
		registry.Register(services.NewSoundCloudSource(client, logger))
		if !cfg.Node.SoundCloudSearchEnabled {
			registry.DisableSearch("scsearch")
		}
	}
	if src.Twitch {
		registry.MarkDisabled("twitch")
	}
	if src.Vimeo {
		registry.MarkDisabled("vimeo")
	}
	if src.HTTP {
		registry.Register(services.NewHTTPSource(client, logger))
	}
	if src.Local {
		registry.Register(services.NewLocalSource(logger))
	}

	providers := cfg.Providers.Sources
	if providers.Spotify {
		if sp, err := services.NewSpotifySource(cfg.Providers.Spotify, client, logger); err != nil {
			logger.Warn("spotify source disabled", "error", err)
		} else {
			registry.Register(sp)
		}
	}
	if providers.AppleMusic {
		if am, err := services.NewAppleMusicSource(cfg.Providers.AppleMusic, client, logger); err != nil {
			logger.Warn("apple music source disabled", "error", err)
		} else {
			registry.Register(am)
		}
	}
	if providers.Deezer {
		registry.Register(services.NewDeezerSource(client, logger))
	}

	if disabled := registry.Disabled(); len(disabled) > 0 {
		logger.Warn("sources enabled without an implementation", "sources", disabled)
	}
	return registry
}

func openDatabase(cfg shared.DatabaseConfig) (*sql.DB, error) {
	db, err := shared.NewDatabase(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	shared.ConfigureDatabase(db, cfg.MaxOpenConns, cfg.MaxIdleConns)

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func nodeInfo(registry *services.Registry, cfg *shared.Config, pm *plugins.Manager) models.NodeInfo {
	v, err := models.ParseVersion(version)
	if err != nil {
		v = models.Version{Semver: version}
	}

	info := models.NodeInfo{
		Version:        v,
		Git:            models.GitInfo{Branch: branch, Commit: commit},
		Runtime:        runtime.Version(),
		SourceManagers: registry.Names(),
		Filters:        cfg.Node.Filters.Enabled(),
		Plugins:        []models.PluginInfo{},
	}
	if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
		info.BuildTime = t.UnixMilli()
	}
	for _, e := range pm.List() {
		if e.Installed {
			info.Plugins = append(info.Plugins, models.PluginInfo{Name: e.Dependency.Artifact, Version: e.Dependency.Version})
		}
	}
	return info
}

// Run starts the scheduler and serves until ctx is cancelled, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	n.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("listening", "addr", n.server.Addr(), "version", n.info.Version.Semver)
		errCh <- n.server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		n.logger.Info("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.server.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn("server shutdown", "error", err)
	}
	if err := n.scheduler.Stop(shutdownCtx); err != nil {
		n.logger.Warn("scheduler stop", "error", err)
	}
	return serveErr
}

// Close releases the sessions and the database.
func (n *Node) Close() error {
	if n.sessions != nil {
		n.sessions.Close()
	}
	if n.db != nil {
		return n.db.Close()
	}
	return nil
}

var _ io.Closer = (*Node)(nil)
