// Package stats builds the node statistics sent on GET /v4/stats and the websocket, and exports
// them as Prometheus metrics.
package stats

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/desertthunder/waveline/internal/audio"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
)

// PlayerStat is one player at sampling time.
type PlayerStat struct {
	Playing bool
	Counter *audio.FrameCounter
}

// PlayerSource lists the players of the node.
type PlayerSource func() []PlayerStat

// FromSessions lists the players of every session.
func FromSessions(m *player.SessionManager) PlayerSource {
	return func() []PlayerStat {
		players := m.Players()
		out := make([]PlayerStat, len(players))
		for i, p := range players {
			out[i] = PlayerStat{Playing: p.Status() == player.Playing, Counter: p.Counter()}
		}
		return out
	}
}

type frameTotals struct {
	sent, nulled int64
}

// Collector samples process and host statistics.
type Collector struct {
	players PlayerSource
	started time.Time
	now     func() time.Time

	mu         sync.Mutex
	proc       *process.Process
	prev       map[*audio.FrameCounter]frameTotals
	lastSample time.Time
	frames     *models.FrameStats
}

// NewCollector creates a collector. Uptime counts from the call.
func NewCollector(players PlayerSource) *Collector {
	c := &Collector{
		players: players,
		started: time.Now(),
		now:     time.Now,
		prev:    make(map[*audio.FrameCounter]frameTotals),
	}
	c.lastSample = c.started
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	}
	return c
}

// Snapshot returns the current statistics. Frame stats are those of the last [Collector.SampleFrames]
// and are omitted while no player exists.
func (c *Collector) Snapshot(ctx context.Context) models.Stats {
	players := c.players()
	stats := models.Stats{
		Players: len(players),
		Uptime:  c.now().Sub(c.started).Milliseconds(),
		Memory:  c.memory(ctx),
		CPU:     c.cpu(ctx),
	}
	for _, p := range players {
		if p.Playing {
			stats.PlayingPlayers++
		}
	}

	c.mu.Lock()
	if len(players) > 0 && c.frames != nil {
		f := *c.frames
		stats.FrameStats = &f
	}
	c.mu.Unlock()
	return stats
}

// SampleFrames averages frame counts since the previous sample over the playing players.
//
// Deficit is the number of frames expected for the interval minus those sent or nulled.
func (c *Collector) SampleFrames() {
	players := c.players()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.lastSample)
	c.lastSample = now
	expected := int64(elapsed / audio.FrameDuration)

	seen := make(map[*audio.FrameCounter]bool, len(players))
	var sent, nulled, deficit, playing int64
	for _, p := range players {
		if p.Counter == nil {
			continue
		}
		seen[p.Counter] = true
		cur := frameTotals{sent: p.Counter.Sent(), nulled: p.Counter.Nulled()}
		prev, known := c.prev[p.Counter]
		c.prev[p.Counter] = cur
		if !known || !p.Playing {
			continue
		}

		dSent, dNulled := cur.sent-prev.sent, cur.nulled-prev.nulled
		sent += dSent
		nulled += dNulled
		deficit += max(expected-dSent-dNulled, 0)
		playing++
	}
	for counter := range c.prev {
		if !seen[counter] {
			delete(c.prev, counter)
		}
	}

	if playing == 0 {
		c.frames = nil
		return
	}
	c.frames = &models.FrameStats{
		Sent:    sent / playing,
		Nulled:  nulled / playing,
		Deficit: deficit / playing,
	}
}

func (c *Collector) memory(ctx context.Context) models.Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := ms.HeapInuse + ms.StackInuse
	m := models.Memory{
		Used:       used,
		Allocated:  ms.Sys,
		Free:       ms.Sys - min(used, ms.Sys),
		Reservable: ms.Sys,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Reservable = vm.Total
	}
	return m
}

func (c *Collector) cpu(ctx context.Context) models.CPU {
	cores := runtime.NumCPU()
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		cores = n
	}
	out := models.CPU{Cores: cores}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.SystemLoad = pct[0] / 100
	}

	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			out.NodeLoad = pct / 100 / float64(cores)
		}
	}
	return out
}
