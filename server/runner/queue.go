package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/helper"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/engine"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/google/uuid"
	"github.com/panjf2000/ants"
	"github.com/sirupsen/logrus"
)

// Executor runs one workflow for one patient. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, run engine.Run, opts engine.Options) (*engine.Result, error)
}

type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool
}

type QueueConfig struct {
	ClaimLimit     int
	MaxRetries     int
	MaxConcurrency int
	StuckAfter     time.Duration
	Retention      time.Duration
	Backoff        BackoffConfig
}

// Options tune a single enqueued job.
type Options struct {
	Priority workflow.Priority
	Tags     []string
	// MaxRetries defaults to models.DefaultMaxRetries when nil.
	MaxRetries   *int
	Timeout      time.Duration
	Delay        time.Duration
	ScheduledFor time.Time
	// ExecutionContext overrides patient and appointment fields when the
	// job runs.
	ExecutionContext *models.ExecutionSnapshot
}

type EnqueueRequest struct {
	WorkflowID    string
	PatientID     string
	AppointmentID string
	Context       workflow.ExecutionContext
	Options       Options
}

type RetryRequest struct {
	RetryOptions workflow.RetryOptions
	// MaxRetries bounds how many times one execution may be retried.
	MaxRetries int
}

// JobReport is the outcome of processing one claimed job.
type JobReport struct {
	JobID       string `json:"jobId"`
	WorkflowID  string `json:"workflowId"`
	PatientID   string `json:"patientId"`
	Status      string `json:"status"`
	ExecutionID string `json:"executionId,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	ReportCompleted = "completed"
	ReportDeferred  = "deferred"
	ReportFailed    = "failed"
	ReportRetrying  = "retrying"
	ReportErrored   = "errored"
)

type BatchReport struct {
	Claimed    int         `json:"claimed"`
	Dispatched int         `json:"dispatched"`
	Completed  int         `json:"completed"`
	Deferred   int         `json:"deferred"`
	Failed     int         `json:"failed"`
	Errored    int         `json:"errored"`
	Jobs       []JobReport `json:"jobs"`
}

func (b *BatchReport) add(r JobReport) {
	switch r.Status {
	case ReportCompleted:
		b.Completed++
	case ReportDeferred:
		b.Deferred++
	case ReportFailed:
		b.Failed++
	default:
		b.Errored++
	}
	b.Jobs = append(b.Jobs, r)
}

type Health struct {
	Healthy   bool         `json:"healthy"`
	StuckJobs int          `json:"stuckJobs"`
	Stats     models.Stats `json:"stats"`
}

// Queue is the persistent workflow job queue. One Queue is built at startup
// and shared by the scheduler and the HTTP controllers.
type Queue struct {
	store     storage.Store
	engine    Executor
	config    QueueConfig
	logger    *logrus.Entry
	publisher messaging.Publisher
	stats     *StatsCache
	backoff   *backoffDeliver
	pool      *ants.PoolWithFunc
	now       func() time.Time
	newSuffix func() string
}

type QueueOption func(*Queue)

func WithPublisher(p messaging.Publisher) QueueOption {
	return func(q *Queue) { q.publisher = p }
}

func WithStatsCache(c *StatsCache) QueueOption {
	return func(q *Queue) { q.stats = c }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(store storage.Store, exec Executor, config QueueConfig, logger *logrus.Entry, opts ...QueueOption) (*Queue, error) {
	if config.ClaimLimit <= 0 {
		config.ClaimLimit = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = models.DefaultMaxRetries
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = 10 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}

	q := &Queue{
		store:     store,
		engine:    exec,
		config:    config,
		logger:    logger,
		publisher: messaging.NoopPublisher{},
		backoff: &backoffDeliver{
			MinDelay: config.Backoff.Min,
			MaxDelay: config.Backoff.Max,
			Factor:   config.Backoff.Factor,
			Jitter:   config.Backoff.Jitter,
		},
		now:       time.Now,
		newSuffix: func() string { return uuid.New().String()[:8] },
	}
	for _, opt := range opts {
		opt(q)
	}

	p, err := ants.NewPoolWithFunc(config.MaxConcurrency, func(arg interface{}) {
		t := arg.(*task)
		t.done(q.process(t.ctx, t.job))
	}, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	q.pool = p
	return q, nil
}

type task struct {
	ctx  context.Context
	job  *models.WorkflowJob
	done func(JobReport)
}

// Close releases the worker pool. Jobs still running are reclaimed once they
// turn stuck.
func (q *Queue) Close() {
	q.pool.Release()
}

func (q *Queue) Config() QueueConfig { return q.config }

func (q *Queue) jobID(workflowID, patientID string) string {
	return fmt.Sprintf("wf_%s_%s_%d_%s", workflowID, patientID, q.now().UnixMilli(), q.newSuffix())
}

// Enqueue persists a queued job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	opts := req.Options
	if req.WorkflowID == "" {
		return "", errs.NewValidation("workflow_id", "is required")
	}
	if req.PatientID == "" {
		return "", errs.NewValidation("patient_id", "is required")
	}
	if req.AppointmentID == "" && (opts.ExecutionContext == nil || opts.ExecutionContext.Appointment == nil) {
		return "", errs.NewValidation("appointment_id", "is required")
	}
	priority, err := workflow.ParsePriority(string(opts.Priority))
	if err != nil {
		return "", errs.NewValidation("priority", "%v", err)
	}
	maxRetries := models.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		return "", errs.NewValidation("max_retries", "must not be negative")
	}
	if opts.Timeout < 0 {
		return "", errs.NewValidation("timeout", "must not be negative")
	}
	if opts.Timeout >= q.config.StuckAfter {
		return "", errs.NewValidation("timeout", "must be shorter than the stuck threshold %s", q.config.StuckAfter)
	}
	if opts.Delay < 0 {
		return "", errs.NewValidation("delay", "must not be negative")
	}
	for _, tag := range opts.Tags {
		if !helper.IsTag(tag) {
			return "", errs.NewValidation("tags", "invalid tag %q", tag)
		}
	}

	now := q.now()
	scheduled := now
	switch {
	case !opts.ScheduledFor.IsZero():
		scheduled = opts.ScheduledFor
	case opts.Delay > 0:
		scheduled = now.Add(opts.Delay)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = models.DefaultTimeout
		if timeout >= q.config.StuckAfter {
			timeout = q.config.StuckAfter / 2
		}
	}

	job := &models.WorkflowJob{
		ID:            q.jobID(req.WorkflowID, req.PatientID),
		WorkflowID:    req.WorkflowID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Data: models.JobData{
			Context:    req.Context.Clone(),
			Priority:   priority,
			TimeoutMs:  timeout.Milliseconds(),
			MaxRetries: maxRetries,
			Tags:       opts.Tags,
		},
		Status:       models.JobQueued,
		Priority:     priority,
		ScheduledFor: scheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.ExecutionContext != nil {
		job.Snapshot = *opts.ExecutionContext
	}
	if err := job.Data.Validate(); err != nil {
		return "", err
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		q.logger.WithError(err).WithField("workflow", req.WorkflowID).Error("queue: enqueue failed")
		return "", err
	}
	q.logger.WithFields(logrus.Fields{
		"job":           job.ID,
		"workflow":      job.WorkflowID,
		"patient":       job.PatientID,
		"priority":      priority,
		"scheduled_for": scheduled,
	}).Debug("queue: job enqueued")
	q.publish(messaging.JobEvent{Type: "queued", JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, Status: string(job.Status)})
	return job.ID, nil
}

// Claim atomically takes up to limit due or stuck jobs. Jobs that already
// spent maxRetries are failed by the store instead of being returned.
func (q *Queue) Claim(ctx context.Context, limit, maxRetries int) ([]*models.WorkflowJob, error) {
	if limit <= 0 {
		limit = q.config.ClaimLimit
	}
	if maxRetries <= 0 {
		maxRetries = q.config.MaxRetries
	}
	return q.store.ClaimJobs(ctx, limit, maxRetries, q.config.StuckAfter)
}

// LoadScheduledJobs claims due jobs and processes them on the worker pool.
// With processImmediately the call waits for every claimed job; otherwise
// it returns once the jobs are handed to the pool.
func (q *Queue) LoadScheduledJobs(ctx context.Context, processImmediately bool) (*BatchReport, error) {
	jobs, err := q.Claim(ctx, q.config.ClaimLimit, q.config.MaxRetries)
	if err != nil {
		q.logger.WithError(err).Error("queue: claim failed")
		return nil, err
	}
	report := &BatchReport{Claimed: len(jobs), Jobs: make([]JobReport, 0, len(jobs))}
	if len(jobs) == 0 {
		return report, nil
	}
	q.logger.WithField("count", len(jobs)).Info("queue: claimed jobs")

	if !processImmediately {
		for _, job := range jobs {
			t := &task{ctx: context.Background(), job: job, done: func(JobReport) {}}
			if err := q.pool.Invoke(t); err != nil {
				q.logger.WithError(err).WithField("job", job.ID).Error("queue: dispatch failed")
				continue
			}
			report.Dispatched++
		}
		return report, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, job := range jobs {
		wg.Add(1)
		t := &task{ctx: ctx, job: job, done: func(r JobReport) {
			mu.Lock()
			report.add(r)
			mu.Unlock()
			wg.Done()
		}}
		if err := q.pool.Invoke(t); err != nil {
			q.logger.WithError(err).WithField("job", job.ID).Error("queue: dispatch failed")
			wg.Done()
			mu.Lock()
			report.add(JobReport{JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, Status: ReportErrored, Error: err.Error()})
			mu.Unlock()
		}
	}
	wg.Wait()
	report.Dispatched = len(jobs)
	return report, nil
}

// RunJob enqueues a job and processes it in the calling goroutine without
// waiting for the next tick. The job is claimed by id first, so a concurrent
// tick cannot run it twice.
func (q *Queue) RunJob(ctx context.Context, req EnqueueRequest) (JobReport, error) {
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		return JobReport{}, err
	}
	job, err := q.store.ClaimJob(ctx, id)
	if err != nil {
		return JobReport{JobID: id}, err
	}
	return q.process(ctx, job), nil
}

func (q *Queue) Stats(ctx context.Context) (models.Stats, error) {
	if q.stats != nil {
		return q.stats.Get(ctx, func(ctx context.Context) (models.Stats, error) {
			return q.store.JobStats(ctx)
		})
	}
	return q.store.JobStats(ctx)
}

// Health reports how many jobs are stuck in processing.
func (q *Queue) Health(ctx context.Context) (*Health, error) {
	stuck, err := q.store.CountStuckJobs(ctx, q.config.StuckAfter)
	if err != nil {
		return nil, err
	}
	stats, err := q.store.JobStats(ctx)
	if err != nil {
		return nil, err
	}
	if stuck > 0 {
		q.logger.WithField("stuck", stuck).Warn("queue: found stuck jobs, they will be reclaimed on the next claim")
	}
	return &Health{Healthy: stuck == 0, StuckJobs: stuck, Stats: stats}, nil
}

// Cleanup removes completed and failed jobs older than maxAge. Zero uses
// the configured retention.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = q.config.Retention
	}
	n, err := q.store.DeleteFinishedJobs(ctx, q.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.WithField("deleted", n).Info("queue: cleaned up finished jobs")
	}
	return n, nil
}

func (q *Queue) JobStatus(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	return q.store.GetJob(ctx, jobID)
}

// Retry spawns a new job from a finished execution.
func (q *Queue) Retry(ctx context.Context, executionID string, req RetryRequest) (string, error) {
	rec, err := q.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if !rec.Status.Retryable() {
		return "", errs.NewValidation("status", "execution %s is %s, only completed or failed executions can be retried", executionID, rec.Status)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.config.MaxRetries
	}
	now := q.now()
	count, err := q.store.IncrementExecutionRetry(ctx, executionID, maxRetries, now)
	if err != nil {
		return "", err
	}

	opts := req.RetryOptions
	var c workflow.ExecutionContext
	if opts.ResetContext {
		c = workflow.ExecutionContext{
			DaysPassed:  rec.Data.DaysPassed,
			TriggerType: rec.Data.Context.TriggerType,
		}
	} else {
		c = rec.Data.Context.Clone()
		c.DaysPassed = rec.Data.DaysPassed
		c.ExecutionID = ""
		c.TriggeredAt = nil
		c.ResumeFrom = nil
		c.ResumeOffsets = nil
		c.RetryFromExecutionID = executionID
		c.RetryOptions = &opts
		if opts.RetryFailedNodesOnly {
			if failed := rec.Data.ErroredNodes(); len(failed) > 0 {
				c.ResumeFrom = failed
			}
		}
	}

	priority := opts.Priority
	if priority == "" {
		priority = workflow.PriorityHigh
	}
	retryOpts := Options{
		Priority: priority,
		Tags:     []string{"retry", "original-execution-" + executionID},
	}
	// Manual runs have no appointment row; reuse the snapshot of the job
	// that started the execution while it is still around.
	if origin := rec.Data.OriginJobID; origin != "" {
		if job, err := q.store.GetJob(ctx, origin); err == nil && (job.Snapshot.Patient != nil || job.Snapshot.Appointment != nil) {
			snap := job.Snapshot
			retryOpts.ExecutionContext = &snap
		}
	}
	jobID, err := q.Enqueue(ctx, EnqueueRequest{
		WorkflowID:    rec.WorkflowID,
		PatientID:     rec.PatientID,
		AppointmentID: rec.AppointmentID,
		Context:       c,
		Options:       retryOpts,
	})
	if err != nil {
		return "", err
	}
	if err := q.store.SetExecutionRetryJob(ctx, executionID, jobID); err != nil {
		q.logger.WithError(err).WithField("execution", executionID).Warn("queue: could not record retry job")
	}

	q.logger.WithFields(logrus.Fields{
		"execution":   executionID,
		"job":         jobID,
		"retry_count": count,
	}).Info("queue: execution retry enqueued")
	return jobID, nil
}

func (q *Queue) publish(ev messaging.JobEvent) {
	if ev.At.IsZero() {
		ev.At = q.now()
	}
	if err := q.publisher.Publish(ev); err != nil {
		q.logger.WithError(err).WithField("event", ev.Type).Warn("queue: publish job event failed")
	}
}
