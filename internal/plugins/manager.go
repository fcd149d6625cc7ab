package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// Recorder stores successful installs. [repositories.PluginRepository] implements it.
type Recorder interface {
	RecordInstall(group, artifact, version, path, checksum string) (*models.PluginRecord, error)
}

// Status is the outcome of syncing one dependency.
type Status string

const (
	StatusInstalled Status = "installed"
	StatusPresent   Status = "present"
	StatusFailed    Status = "failed"
)

// SyncResult reports what [Manager.Sync] did for a dependency.
type SyncResult struct {
	Dependency Dependency
	Status     Status
	Path       string
	Checksum   string
	Removed    []string
	Err        error
}

// Entry is a declared plugin and whether its jar is on disk.
type Entry struct {
	Dependency Dependency
	Path       string
	Installed  bool
}

// Manager downloads declared plugins into the plugins directory.
type Manager struct {
	dir      string
	defaults Repositories
	deps     []Dependency
	client   *http.Client
	limiter  *rate.Limiter
	recorder Recorder
	logger   *log.Logger
}

// NewManager parses the plugins declared in cfg. recorder may be nil.
func NewManager(cfg *shared.Config, client *http.Client, recorder Recorder, logger *log.Logger) (*Manager, error) {
	deps := make([]Dependency, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		dep, err := NewDependency(p)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}

	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	dir := cfg.PluginsDir
	if dir == "" {
		dir = "./plugins"
	}

	return &Manager{
		dir:      dir,
		defaults: Repositories{Release: cfg.DefaultPluginRepository, Snapshot: cfg.DefaultPluginSnapshotRepository},
		deps:     deps,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(2), 1),
		recorder: recorder,
		logger:   shared.WithLogger(logger, "component", "plugins"),
	}, nil
}

// Dependencies returns the declared plugins.
func (m *Manager) Dependencies() []Dependency {
	return m.deps
}

// List returns every declared plugin with its install state.
func (m *Manager) List() []Entry {
	entries := make([]Entry, 0, len(m.deps))
	for _, dep := range m.deps {
		path := filepath.Join(m.dir, dep.FileName())
		_, err := os.Stat(path)
		entries = append(entries, Entry{Dependency: dep, Path: path, Installed: err == nil})
	}
	return entries
}

// Sync downloads missing artifacts and removes other versions of declared artifacts.
//
// A failed download does not stop the others; the returned error joins every failure.
func (m *Manager) Sync(ctx context.Context) ([]SyncResult, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	results := make([]SyncResult, 0, len(m.deps))
	var errs []error

	for _, dep := range m.deps {
		res := m.syncOne(ctx, dep)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dep, res.Err))
			m.logger.Error("plugin sync failed", "plugin", dep.String(), "error", res.Err)
		} else {
			m.logger.Info("plugin synced", "plugin", dep.String(), "status", res.Status)
		}
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

func (m *Manager) syncOne(ctx context.Context, dep Dependency) SyncResult {
	res := SyncResult{Dependency: dep, Path: filepath.Join(m.dir, dep.FileName())}

	if _, err := os.Stat(res.Path); err == nil {
		res.Status = StatusPresent
	} else {
		checksum, err := m.download(ctx, dep, res.Path)
		if err != nil {
			res.Status, res.Err = StatusFailed, err
			return res
		}
		res.Status, res.Checksum = StatusInstalled, checksum

		if m.recorder != nil {
			if _, err := m.recorder.RecordInstall(dep.Group, dep.Artifact, dep.Version, res.Path, checksum); err != nil {
				m.logger.Warn("failed to record plugin install", "plugin", dep.String(), "error", err)
			}
		}
	}

	removed, err := m.removeStale(dep)
	res.Removed = removed
	if err != nil {
		res.Err = err
	}
	return res
}

func (m *Manager) download(ctx context.Context, dep Dependency, dest string) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", err
	}

	url := dep.ArtifactURL(m.defaults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	m.logger.Debug("downloading plugin", "url", url)
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: GET %s returned %d", shared.ErrAPIRequest, url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(m.dir, "."+dep.Artifact+"-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to install %s: %w", dest, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// removeStale deletes <artifact>-<other version>.jar files.
func (m *Manager) removeStale(dep Dependency) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == dep.FileName() || !isArtifactJar(name, dep.Artifact) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		m.logger.Info("removed stale plugin", "file", name)
		removed = append(removed, name)
	}
	return removed, nil
}

// isArtifactJar reports whether name is "<artifact>-<version>.jar" with a version starting with a digit,
// so lavasrc-1.0.jar does not match lavasrc-plugin-1.0.jar.
func isArtifactJar(name, artifact string) bool {
	rest, ok := strings.CutPrefix(name, artifact+"-")
	if !ok || !strings.HasSuffix(rest, ".jar") || rest == ".jar" {
		return false
	}
	return unicode.IsDigit(rune(rest[0]))
}
