package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/player"
	"github.com/desertthunder/waveline/internal/shared"
)

// Schedules of the node's jobs, with a seconds field.
const (
	StatsSchedule        = "0 * * * * *"
	RoutePlannerSchedule = "0 0 * * * *"
	TrackCacheSchedule   = "0 30 3 * * *"
	RefreshSchedule      = "0 0 */6 * * *"

	TrackCacheMaxAge = 30 * 24 * time.Hour
	jobTimeout       = 5 * time.Minute
)

// Job is a named function run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Entry describes a scheduled job.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

// Scheduler runs jobs over robfig/cron. A job still running when its next tick fires is skipped.
type Scheduler struct {
	cron     *cron.Cron
	logger   *log.Logger
	progress chan<- ProgressUpdate

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	running map[string]bool
}

// NewScheduler creates a stopped scheduler. Job runs are reported on progress when it is non-nil.
func NewScheduler(logger *log.Logger, progress chan<- ProgressUpdate) *Scheduler {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		logger:   shared.WithLogger(logger, "component", "scheduler"),
		progress: progress,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]Job),
		entries:  make(map[string]cron.EntryID),
		running:  make(map[string]bool),
	}
}

// Add schedules job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("%w: job needs a name and a function", shared.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: job %q already scheduled", shared.ErrInvalidInput, job.Name)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", shared.ErrInvalidInput, job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.logger.Debug("job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start starts the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.entries))
}

// Stop stops scheduling, cancels running jobs and waits for them or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns the scheduled jobs ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.cron.Entry(id)
		entries = append(entries, Entry{
			Name:     name,
			Schedule: s.jobs[name].Schedule,
			Next:     e.Next,
			Prev:     e.Prev,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// RunNow runs the named job synchronously, outside of its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %q", shared.ErrInvalidArgument, name)
	}
	return s.run(job)
}

// run executes job unless a previous run is still in progress.
func (s *Scheduler) run(job Job) error {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipping", "job", job.Name)
		return nil
	}
	s.running[job.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[job.Name] = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "error", err)
		shared.CaptureError(err, map[string]string{"job": job.Name})
	} else {
		s.logger.Debug("job finished", "job", job.Name, "took", took)
	}
	sendProgress(s.progress, jobUpdate(job.Name, took, err))
	return err
}

// Broadcaster sends a message to every websocket session.
type Broadcaster interface {
	Broadcast(msg any)
}

// StatsSource samples frame counters and snapshots node statistics.
type StatsSource interface {
	SampleFrames()
	Snapshot(ctx context.Context) models.Stats
}

// AddressPruner expires failing route planner addresses.
type AddressPruner interface {
	Prune() int
}

// CachePruner soft deletes cached tracks older than a cutoff.
type CachePruner interface {
	Prune(olderThan time.Duration) (int64, error)
}

// Refresher renews source credentials such as the SoundCloud client id.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// NodeJobs holds the collaborators of the node's scheduled jobs. Nil collaborators skip their job.
type NodeJobs struct {
	Sessions Broadcaster
	Stats    StatsSource
	Planner  AddressPruner
	Tracks   CachePruner
	Sources  Refresher
	Logger   *log.Logger
}

// Jobs returns the node's jobs: stats broadcast, route planner prune, track cache prune and
// source credential refresh.
func (n NodeJobs) Jobs() []Job {
	logger := n.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	var jobs []Job
	if n.Sessions != nil && n.Stats != nil {
		jobs = append(jobs, Job{
			Name:     "stats broadcast",
			Schedule: StatsSchedule,
			Run: func(ctx context.Context) error {
				n.Stats.SampleFrames()
				n.Sessions.Broadcast(player.NewStatsMessage(n.Stats.Snapshot(ctx)))
				return nil
			},
		})
	}
	if n.Planner != nil {
		jobs = append(jobs, Job{
			Name:     "route planner prune",
			Schedule: RoutePlannerSchedule,
			Run: func(ctx context.Context) error {
				if freed := n.Planner.Prune(); freed > 0 {
					logger.Info("freed expired failing addresses", "count", freed)
				}
				return nil
			},
		})
	}
	if n.Tracks != nil {
		jobs = append(jobs, Job{
			Name:     "track cache prune",
			Schedule: TrackCacheSchedule,
			Run: func(ctx context.Context) error {
				pruned, err := n.Tracks.Prune(TrackCacheMaxAge)
				if err != nil {
					return err
				}
				logger.Info("pruned track cache", "count", pruned)
				return nil
			},
		})
	}
	if n.Sources != nil {
		jobs = append(jobs, Job{
			Name:     "source refresh",
			Schedule: RefreshSchedule,
			Run:      n.Sources.Refresh,
		})
	}
	return jobs
}

// NewNodeScheduler creates a scheduler with the jobs of n.
func NewNodeScheduler(n NodeJobs, progress chan<- ProgressUpdate) (*Scheduler, error) {
	s := NewScheduler(n.Logger, progress)
	for _, job := range n.Jobs() {
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}
