package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the node's semantic version.
type Version struct {
	Semver     string  `json:"semver"`
	Major      int     `json:"major"`
	Minor      int     `json:"minor"`
	Patch      int     `json:"patch"`
	PreRelease *string `json:"preRelease"`
	Build      *string `json:"build"`
}

// ParseVersion parses "major.minor.patch[-pre][+build]". A leading "v" is ignored.
func ParseVersion(s string) (Version, error) {
	v := Version{Semver: strings.TrimPrefix(s, "v")}
	core := v.Semver

	if i := strings.IndexByte(core, '+'); i >= 0 {
		v.Build = StringPtr(core[i+1:])
		core = core[:i]
	}
	if i := strings.IndexByte(core, '-'); i >= 0 {
		v.PreRelease = StringPtr(core[i+1:])
		core = core[:i]
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid version %q", s)
	}
	nums := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version %q", s)
		}
		*nums[i] = n
	}
	return v, nil
}

// GitInfo describes the commit the node was built from.
type GitInfo struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitTime int64  `json:"commitTime"`
}

// PluginInfo names a plugin loaded by the node.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NodeInfo is the body of GET /v4/info.
type NodeInfo struct {
	Version        Version      `json:"version"`
	BuildTime      int64        `json:"buildTime"`
	Git            GitInfo      `json:"git"`
	Runtime        string       `json:"runtime"`
	SourceManagers []string     `json:"sourceManagers"`
	Filters        []string     `json:"filters"`
	Plugins        []PluginInfo `json:"plugins"`
}

// Memory is the memory section of [Stats] in bytes.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPU is the cpu section of [Stats]. Loads are fractions in 0..1.
type CPU struct {
	Cores      int     `json:"cores"`
	SystemLoad float64 `json:"systemLoad"`
	NodeLoad   float64 `json:"nodeLoad"`
}

// FrameStats counts audio frames over the last minute, averaged per player.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// Stats is the body of GET /v4/stats and of the websocket stats message.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats"`
}
