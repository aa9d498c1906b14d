package runner

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/THPTUHA/careflow/pkg/extcron"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	cronInspect      = expvar.NewMap("cron_entries")
	schedulerStarted = expvar.NewInt("scheduler_started")

	ErrScheduleParse = errors.New("can't parse schedule")
)

// Scheduler fires the queue's periodic jobs: the tick that claims due jobs,
// the stuck-job health check and the cleanup of finished jobs.
type Scheduler struct {
	mu      sync.RWMutex
	Cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
	logger  *logrus.Entry
}

func NewScheduler(logger *logrus.Entry) *Scheduler {
	schedulerStarted.Set(0)
	return &Scheduler{
		Cron: cron.New(
			cron.WithParser(extcron.NewParser()),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddJob registers fn under name, replacing an entry with the same name.
func (s *Scheduler) AddJob(name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.Cron.Remove(id)
		delete(s.entries, name)
	}
	id, err := s.Cron.AddFunc(schedule, fn)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrScheduleParse, schedule, err)
	}
	s.entries[name] = id

	v := new(expvar.String)
	v.Set(schedule)
	cronInspect.Set(name, v)

	s.logger.WithFields(logrus.Fields{
		"job":      name,
		"schedule": schedule,
	}).Debug("scheduler: Adding job to cron")
	return nil
}

func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.logger.WithField("job", name).Info("scheduler: Removing job from cron")
		s.Cron.Remove(id)
		delete(s.entries, name)
		cronInspect.Delete(name)
	}
}

// Next returns when the named job fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.Cron.Entry(id).Next, true
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler: cron already started, should be stopped first")
	}
	s.Cron.Start()
	s.started = true
	schedulerStarted.Set(1)
	return nil
}

// Stop halts the cron and returns a context that is done once running jobs
// have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.Cron.Stop()
	if s.started {
		s.logger.Info("scheduler: Stopping scheduler")
		s.started = false
	}
	schedulerStarted.Set(0)
	return ctx
}

func (s *Scheduler) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

const (
	JobTick    = "tick"
	JobHealth  = "health"
	JobCleanup = "cleanup"
)

// ScheduleQueue wires the queue's periodic work into s.
func ScheduleQueue(s *Scheduler, q *Queue, config *Configs, logger *logrus.Entry) error {
	timeout := q.Config().StuckAfter

	jobs := []struct {
		name     string
		schedule string
		fn       func(ctx context.Context)
	}{
		{JobTick, config.Runner.TickSchedule, func(ctx context.Context) {
			report, err := q.LoadScheduledJobs(ctx, true)
			if err != nil {
				logger.WithError(err).Error("scheduler: tick failed")
				return
			}
			if report.Claimed > 0 {
				logger.WithFields(logrus.Fields{
					"claimed":   report.Claimed,
					"completed": report.Completed,
					"deferred":  report.Deferred,
					"failed":    report.Failed,
					"errored":   report.Errored,
				}).Info("scheduler: tick processed jobs")
			}
		}},
		{JobHealth, config.Runner.HealthSchedule, func(ctx context.Context) {
			if _, err := q.Health(ctx); err != nil {
				logger.WithError(err).Error("scheduler: health check failed")
			}
		}},
		{JobCleanup, config.Runner.CleanupSchedule, func(ctx context.Context) {
			if _, err := q.Cleanup(ctx, config.Runner.Retention); err != nil {
				logger.WithError(err).Error("scheduler: cleanup failed")
			}
		}},
	}

	for _, j := range jobs {
		j := j
		err := s.AddJob(j.name, j.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			j.fn(ctx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
