// Package plugins resolves plugin artifacts declared as Maven coordinates and keeps the
// plugins directory in sync with the configuration.
package plugins

import (
	"fmt"
	"strings"

	"github.com/desertthunder/waveline/internal/shared"
)

// Coordinate is a Maven group:artifact:version triple.
type Coordinate struct {
	Group    string
	Artifact string
	Version  string
}

// ParseCoordinate parses "group:artifact:version". All three parts are required.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("%w: coordinate %q must be group:artifact:version", shared.ErrInvalidArgument, s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Coordinate{}, fmt.Errorf("%w: coordinate %q has an empty part", shared.ErrInvalidArgument, s)
		}
	}
	return Coordinate{Group: parts[0], Artifact: parts[1], Version: parts[2]}, nil
}

func (c Coordinate) String() string {
	return c.Group + ":" + c.Artifact + ":" + c.Version
}

// FileName is the jar name of the artifact.
func (c Coordinate) FileName() string {
	return c.Artifact + "-" + c.Version + ".jar"
}

// Repositories are the fallback repositories for dependencies without an explicit one.
type Repositories struct {
	Release  string
	Snapshot string
}

// Dependency is a declared plugin.
type Dependency struct {
	Coordinate
	Repository string
	Snapshot   bool
}

// NewDependency parses a configured plugin entry.
func NewDependency(cfg shared.PluginConfig) (Dependency, error) {
	coord, err := ParseCoordinate(cfg.Dependency)
	if err != nil {
		return Dependency{}, err
	}
	return Dependency{Coordinate: coord, Repository: cfg.Repository, Snapshot: cfg.Snapshot}, nil
}

// RepositoryURL returns the explicit repository or the snapshot/release default, without a trailing slash.
func (d Dependency) RepositoryURL(defaults Repositories) string {
	repo := d.Repository
	if repo == "" {
		repo = defaults.Release
		if d.Snapshot {
			repo = defaults.Snapshot
		}
	}
	return strings.TrimRight(repo, "/")
}

// ArtifactURL returns repo/<group path>/<artifact>/<version>/<artifact>-<version>.jar.
func (d Dependency) ArtifactURL(defaults Repositories) string {
	return strings.Join([]string{
		d.RepositoryURL(defaults),
		strings.ReplaceAll(d.Group, ".", "/"),
		d.Artifact,
		d.Version,
		d.FileName(),
	}, "/")
}
