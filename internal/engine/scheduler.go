package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Warmer preloads the pattern cache.
type Warmer interface {
	Warm(ctx context.Context, criteria model.WarmCriteria, now time.Time) (int, error)
}

// Maintainer runs the periodic learning sweeps.
type Maintainer interface {
	Decay(ctx context.Context, progress func(done, total int)) (*learner.DecayReport, error)
	MergeSimilar(ctx context.Context) (*learner.MergeReport, error)
}

// Scheduler owns the process's background maintenance: cache warm-up, decay, and merge.
// Each job runs at most once at a time. Stop cancels running jobs between items and waits for them.
type Scheduler struct {
	warmer  Warmer
	maint   Maintainer
	cron    *cron.Cron
	cancel  context.CancelFunc
	now     func() time.Time
	cfg     ScheduleConfig
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler. Either collaborator may be nil to disable its jobs.
func NewScheduler(warmer Warmer, maint Maintainer, cfg ScheduleConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{warmer: warmer, maint: maint, cfg: cfg, now: time.Now}, nil
}

// Start registers the jobs and starts the clock. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	jobs := []struct {
		run  func(context.Context) error
		name string
		spec string
	}{
		{name: "warm", spec: s.cfg.Warm, run: s.warm},
		{name: "decay", spec: s.cfg.Decay, run: s.decay},
		{name: "merge", spec: s.cfg.Merge, run: s.merge},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, s.job(ctx, job.name, job.run)); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	if s.cfg.WarmOnStart && s.warmer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.job(ctx, "warm", s.warm)()
		}()
	}

	c.Start()
	s.cron, s.cancel, s.running = c, cancel, true
	slog.Info("maintenance scheduler started",
		"warm", s.cfg.Warm, "decay", s.cfg.Decay, "merge", s.cfg.Merge)
	return nil
}

// Stop cancels running jobs and waits for them to finish their current item.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.running = false
	slog.Info("maintenance scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) job(ctx context.Context, name string, run func(context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := run(ctx); err != nil {
			common.LogError(err, "Maintenance job failed", common.Fields{
				"job":      name,
				"duration": time.Since(start),
			})
			return
		}
		slog.Debug("maintenance job finished", "job", name, "duration", time.Since(start))
	}
}

func (s *Scheduler) warm(ctx context.Context) error {
	if s.warmer == nil {
		return nil
	}
	_, err := s.warmer.Warm(ctx, s.cfg.Criteria, s.now())
	return err
}

func (s *Scheduler) decay(ctx context.Context) error {
	if s.maint == nil {
		return nil
	}
	_, err := s.maint.Decay(ctx, nil)
	return err
}

func (s *Scheduler) merge(ctx context.Context) error {
	if s.maint == nil {
		return nil
	}
	_, err := s.maint.MergeSimilar(ctx)
	return err
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
