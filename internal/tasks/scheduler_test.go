package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/shared"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeBroadcaster) Broadcast(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

type fakeStats struct {
	sampled atomic.Int32
}

func (f *fakeStats) SampleFrames() { f.sampled.Add(1) }

func (f *fakeStats) Snapshot(ctx context.Context) models.Stats {
	return models.Stats{Players: 3, PlayingPlayers: 1, Uptime: 1000}
}

type fakePlanner struct{ calls atomic.Int32 }

func (f *fakePlanner) Prune() int {
	f.calls.Add(1)
	return 2
}

type fakeCache struct {
	olderThan time.Duration
	err       error
}

func (f *fakeCache) Prune(olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 7, f.err
}

type fakeRefresher struct{ calls atomic.Int32 }

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestSchedulerAdd(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
	}{
		{"missing name", Job{Schedule: StatsSchedule, Run: noop}},
		{"missing func", Job{Name: "x", Schedule: StatsSchedule}},
		{"bad schedule", Job{Name: "x", Schedule: "every minute", Run: noop}},
		{"five fields", Job{Name: "x", Schedule: "* * * * *", Run: noop}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(nil, nil)
			assert.ErrorIs(t, s.Add(tt.job), shared.ErrInvalidInput)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		s := NewScheduler(nil, nil)
		job := Job{Name: "x", Schedule: StatsSchedule, Run: noop}
		require.NoError(t, s.Add(job))
		assert.ErrorIs(t, s.Add(job), shared.ErrInvalidInput)
	})
}

func TestNodeJobs(t *testing.T) {
	t.Run("all collaborators", func(t *testing.T) {
		jobs := NodeJobs{
			Sessions: &fakeBroadcaster{},
			Stats:    &fakeStats{},
			Planner:  &fakePlanner{},
			Tracks:   &fakeCache{},
			Sources:  &fakeRefresher{},
		}.Jobs()

		want := map[string]string{
			"stats broadcast":     StatsSchedule,
			"route planner prune": RoutePlannerSchedule,
			"track cache prune":   TrackCacheSchedule,
			"source refresh":      RefreshSchedule,
		}
		require.Len(t, jobs, len(want))
		for _, job := range jobs {
			assert.Equal(t, want[job.Name], job.Schedule, "job %q", job.Name)
		}
	})

	t.Run("no collaborators", func(t *testing.T) {
		assert.Empty(t, (NodeJobs{}).Jobs())
	})
}

func TestSchedulerRunNow(t *testing.T) {
	sessions := &fakeBroadcaster{}
	stats := &fakeStats{}
	planner := &fakePlanner{}
	cache := &fakeCache{}
	sources := &fakeRefresher{}
	progress := make(chan ProgressUpdate, 10)

	s, err := NewNodeScheduler(NodeJobs{
		Sessions: sessions,
		Stats:    stats,
		Planner:  planner,
		Tracks:   cache,
		Sources:  sources,
	}, progress)
	require.NoError(t, err)

	t.Run("stats broadcast", func(t *testing.T) {
		require.NoError(t, s.RunNow("stats broadcast"))
		assert.Equal(t, int32(1), stats.sampled.Load(), "frames sampled once")
		require.Len(t, sessions.msgs, 1)

		msg, ok := sessions.msgs[0].(player.StatsMessage)
		require.True(t, ok, "expected StatsMessage, got %T", sessions.msgs[0])
		assert.Equal(t, player.OpStats, msg.Op)
		assert.Equal(t, 3, msg.Players)

		select {
		case update := <-progress:
			assert.Equal(t, RunJob, update.Phase)
			assert.Nil(t, update.Data)
		default:
			assert.Fail(t, "expected a progress update")
		}
	})

	t.Run("prunes and refresh", func(t *testing.T) {
		for _, name := range []string{"route planner prune", "track cache prune", "source refresh"} {
			require.NoError(t, s.RunNow(name), name)
		}
		assert.Equal(t, int32(1), planner.calls.Load())
		assert.Equal(t, TrackCacheMaxAge, cache.olderThan)
		assert.Equal(t, int32(1), sources.calls.Load())
	})

	t.Run("failure", func(t *testing.T) {
		for len(progress) > 0 {
			<-progress
		}
		cache.err = errors.New("disk full")
		require.Error(t, s.RunNow("track cache prune"))

		update := <-progress
		assert.NotNil(t, update.Data, "expected the error in the progress update")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.ErrorIs(t, s.RunNow("nope"), shared.ErrInvalidArgument)
	})
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	err := s.Add(Job{Name: "slow", Schedule: RefreshSchedule, Run: func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started

	assert.NoError(t, s.RunNow("slow"), "overlapping run should be skipped without error")
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerLifecycle(t *testing.T) {
	s, err := NewNodeScheduler(NodeJobs{Planner: &fakePlanner{}, Sources: &fakeRefresher{}}, nil)
	require.NoError(t, err)
	s.Start()

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "route planner prune", entries[0].Name)
	assert.Equal(t, "source refresh", entries[1].Name)
	for _, e := range entries {
		assert.False(t, e.Next.IsZero(), "entry %s has no next run", e.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
