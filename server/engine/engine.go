package engine

import (
	"context"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/helper"
	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the engine needs for one run.
type Store interface {
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	HasDelivery(ctx context.Context, key models.DeliveryKey) (bool, error)
	RecordDelivery(ctx context.Context, d *models.Delivery) error
}

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeNotExecuted Outcome = "not_executed"
	OutcomeFailed      Outcome = "failed"
)

// Run is one workflow applied to one patient and appointment.
type Run struct {
	Definition  *workflow.Definition
	Patient     *models.Patient
	Appointment *models.Appointment
	Context     workflow.ExecutionContext
	JobID       string
}

type Options struct {
	DryRun bool
}

type Result struct {
	Executed    bool                       `json:"executed"`
	Outcome     Outcome                    `json:"outcome"`
	ExecutionID string                     `json:"executionId,omitempty"`
	Log         []string                   `json:"log"`
	Results     []models.NodeExecutionInfo `json:"results"`
	// TriggeredAt is the instant delays were measured from.
	TriggeredAt time.Time `json:"triggeredAt"`
	// NextEligibleAt, ResumeFrom and ResumeOffsets are set for deferred runs.
	NextEligibleAt time.Time                `json:"nextEligibleAt,omitempty"`
	ResumeFrom     []string                 `json:"resumeFrom,omitempty"`
	ResumeOffsets  map[string]time.Duration `json:"resumeOffsets,omitempty"`
}

type Engine struct {
	store  Store
	sender messaging.Sender
	logger *logrus.Entry
	now    func() time.Time
	newID  func() string
}

type Option func(*Engine)

func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func New(store Store, sender messaging.Sender, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		sender: sender,
		logger: logger.Discard(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute walks the workflow graph for run. A run whose outcome is Failed is
// returned together with a *errs.RunFailure. Other errors mean the run could
// not be started or its record could not be saved.
func (e *Engine) Execute(ctx context.Context, run Run, opts Options) (*Result, error) {
	if run.Definition == nil {
		return nil, errs.NewValidation("definition", "workflow definition is required")
	}
	if run.Patient == nil {
		return nil, errs.NewValidation("patient", "patient is required")
	}
	g, err := run.Definition.Compile()
	if err != nil {
		return nil, err
	}

	now := e.now()
	run.Context = anchor(run.Context, now)
	w := newWalker(e, g, run, opts, now)

	starts, err := w.entryNodes()
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		w.logf("No trigger matches %q, nothing to run", run.Context.Trigger())
		e.logger.WithFields(logrus.Fields{
			"workflow": run.Definition.ID,
			"patient":  run.Patient.ID,
			"trigger":  run.Context.Trigger(),
		}).Debug("engine: no matching trigger")
		return &Result{Outcome: OutcomeNotExecuted, TriggeredAt: w.anchor, Log: w.log, Results: []models.NodeExecutionInfo{}}, nil
	}

	rec, err := e.openRecord(ctx, run, opts, now)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		w.executionID = rec.ID
	}
	w.walk(ctx, starts)
	res := w.result()
	res.ExecutionID = w.executionID

	var runErr error
	if res.Outcome == OutcomeFailed {
		runErr = &errs.RunFailure{ExecutionID: res.ExecutionID, Reason: w.failReason(), Err: w.halted}
	}

	if rec != nil {
		if err := e.closeRecord(ctx, rec, g, run, res, runErr); err != nil {
			return res, err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"workflow":  run.Definition.ID,
		"patient":   run.Patient.ID,
		"execution": res.ExecutionID,
		"outcome":   res.Outcome,
		"dry_run":   opts.DryRun,
	}).Info("engine: run finished")
	return res, runErr
}

// anchor fixes the instant the run's delays count from. A context without one
// is anchored DaysPassed days before now; a context with one gets DaysPassed
// recomputed from it.
func anchor(c workflow.ExecutionContext, now time.Time) workflow.ExecutionContext {
	c = c.Clone()
	if c.TriggeredAt == nil {
		at := now.AddDate(0, 0, -c.DaysPassed)
		c.TriggeredAt = &at
		return c
	}
	c.DaysPassed = helper.DaysBetween(*c.TriggeredAt, now)
	if c.DaysPassed < 0 {
		c.DaysPassed = 0
	}
	return c
}

// openRecord creates the execution record of a fresh run or reopens the
// record a deferred run left behind. Dry runs have no record.
func (e *Engine) openRecord(ctx context.Context, run Run, opts Options, now time.Time) (*models.ExecutionRecord, error) {
	if opts.DryRun {
		return nil, nil
	}

	if id := run.Context.ExecutionID; id != "" {
		rec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		rec.Status = models.ExecutionRunning
		rec.JobID = run.JobID
		if err := e.store.UpdateExecution(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec := &models.ExecutionRecord{
		ID:            e.newID(),
		WorkflowID:    run.Definition.ID,
		PatientID:     run.Patient.ID,
		AppointmentID: appointmentID(run),
		JobID:         run.JobID,
		Status:        models.ExecutionPending,
		TotalSteps:    len(run.Definition.Nodes),
		StartedAt:     now,
		Data: models.ExecutionData{
			DaysPassed:  run.Context.DaysPassed,
			Context:     run.Context.Clone(),
			OriginJobID: run.JobID,
		},
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}
	rec.Status = models.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) closeRecord(ctx context.Context, rec *models.ExecutionRecord, g *workflow.Graph, run Run, res *Result, runErr error) error {
	merged := mergeResults(rec.Data.NodeResults, res.Results)
	done := 0
	for _, r := range merged {
		if r.Status == models.NodeSuccess || r.Status == models.NodeSkipped {
			done++
		}
	}

	rec.TotalSteps = g.Len()
	rec.StepsCompleted = done
	rec.CurrentStepIndex = len(merged)
	rec.Data.NodeResults = merged
	rec.Data.Log = append(rec.Data.Log, res.Log...)
	rec.Data.DaysPassed = run.Context.DaysPassed

	now := e.now()
	switch res.Outcome {
	case OutcomeCompleted:
		rec.Status = models.ExecutionCompleted
		rec.CompletedAt = &now
	case OutcomeFailed:
		rec.Status = models.ExecutionFailed
		rec.CompletedAt = &now
		rec.ErrorMessage = runErr.Error()
	case OutcomeDeferred:
		rec.Status = models.ExecutionDeferred
	}
	return e.store.UpdateExecution(ctx, rec)
}

// mergeResults overlays the node results of the current pass on those of
// earlier passes of the same execution.
func mergeResults(prev, cur []models.NodeExecutionInfo) []models.NodeExecutionInfo {
	out := make([]models.NodeExecutionInfo, 0, len(prev)+len(cur))
	index := make(map[string]int, len(prev)+len(cur))
	for _, r := range prev {
		index[r.NodeID] = len(out)
		out = append(out, r)
	}
	for _, r := range cur {
		if i, ok := index[r.NodeID]; ok {
			out[i] = r
			continue
		}
		index[r.NodeID] = len(out)
		out = append(out, r)
	}
	return out
}

func appointmentID(run Run) string {
	if run.Appointment == nil {
		return ""
	}
	return run.Appointment.ID
}
