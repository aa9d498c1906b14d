package runner

import (
	"context"
	"errors"
	"reflect"
	"time"

	"dario.cat/mergo"
	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/helper"
	"github.com/THPTUHA/careflow/server/engine"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/THPTUHA/careflow/server/storage/models"
	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

type backoffDeliver struct {
	Factor   float64
	Jitter   bool
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (r *backoffDeliver) timeBeforeNextAttempt(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    r.MinDelay,
		Max:    r.MaxDelay,
		Factor: r.Factor,
		Jitter: r.Jitter,
	}
	return b.ForAttempt(float64(attempt))
}

// timeTransformer keeps a zero time in the overrides from clearing a set one.
type timeTransformer struct{}

func (timeTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf(time.Time{}) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if dst.CanSet() && !src.Interface().(time.Time).IsZero() {
			dst.Set(src)
		}
		return nil
	}
}

// mergeOver copies the non-empty fields of src onto dst.
func mergeOver(dst, src interface{}) error {
	return mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(timeTransformer{}))
}

// resultSummary is stored in the job's result column.
type resultSummary struct {
	Executed       bool           `json:"executed"`
	Outcome        engine.Outcome `json:"outcome"`
	ExecutionID    string         `json:"executionId,omitempty"`
	NextEligibleAt *time.Time     `json:"nextEligibleAt,omitempty"`
	Log            []string       `json:"log,omitempty"`
}

func summarize(res *engine.Result) models.JSONB {
	if res == nil {
		return nil
	}
	s := resultSummary{
		Executed:    res.Executed,
		Outcome:     res.Outcome,
		ExecutionID: res.ExecutionID,
		Log:         res.Log,
	}
	if !res.NextEligibleAt.IsZero() {
		t := res.NextEligibleAt
		s.NextEligibleAt = &t
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return models.JSONB(b)
}

// process runs one claimed job to a terminal or rescheduled state. It never
// returns an error: failures are recorded on the job and in the report.
func (q *Queue) process(ctx context.Context, job *models.WorkflowJob) JobReport {
	log := q.logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"workflow": job.WorkflowID,
		"patient":  job.PatientID,
		"attempt":  job.RetryCount,
	})
	report := JobReport{JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID}

	if err := job.Data.Validate(); err != nil {
		return q.fail(ctx, log, job, report, nil, err)
	}

	run, err := q.buildRun(ctx, job)
	if err != nil {
		return q.handleError(ctx, log, job, report, nil, err)
	}

	log.Debug("queue: executing job")
	runCtx, cancel := context.WithTimeout(ctx, q.runTimeout(job))
	res, err := q.engine.Execute(runCtx, run, engine.Options{})
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	if res != nil {
		report.ExecutionID = res.ExecutionID
	}
	if err == nil && timedOut && res != nil && res.Outcome != engine.OutcomeCompleted {
		err = context.DeadlineExceeded
	}
	if err != nil {
		return q.handleError(ctx, log, job, report, res, err)
	}

	if res.Outcome == engine.OutcomeDeferred {
		return q.deferJob(ctx, log, job, report, res)
	}
	return q.complete(ctx, log, job, report, res)
}

// runTimeout keeps a run shorter than the stuck threshold.
func (q *Queue) runTimeout(job *models.WorkflowJob) time.Duration {
	timeout := job.Data.Timeout()
	if timeout >= q.config.StuckAfter {
		timeout = q.config.StuckAfter / 2
	}
	return timeout
}

// finish applies u to a job this worker claimed. It fails with
// storage.ErrClaimLost once another claim has taken the job over.
func (q *Queue) finish(ctx context.Context, job *models.WorkflowJob, u storage.JobUpdate) error {
	if job.StartedAt != nil {
		u.ClaimedAt = *job.StartedAt
	}
	return q.store.FinishJob(ctx, job.ID, u)
}

// buildRun loads the rows a job refers to and lays the job snapshot over
// them. A snapshot appointment stands in for a missing appointment row.
func (q *Queue) buildRun(ctx context.Context, job *models.WorkflowJob) (engine.Run, error) {
	wf, err := q.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return engine.Run{}, &errs.RunFailure{Reason: "workflow " + job.WorkflowID + " not found", Err: err}
		}
		return engine.Run{}, err
	}
	def, err := wf.Parse()
	if err != nil {
		return engine.Run{}, err
	}

	snap := job.Snapshot
	patient, err := q.store.GetPatient(ctx, job.PatientID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound) && snap.Patient != nil:
		patient = &models.Patient{ID: job.PatientID, OwnerID: wf.OwnerID}
	case errors.Is(err, storage.ErrNotFound):
		return engine.Run{}, &errs.RunFailure{Reason: "patient " + job.PatientID + " not found", Err: err}
	default:
		return engine.Run{}, err
	}
	if snap.Patient != nil {
		if err := mergeOver(patient, *snap.Patient); err != nil {
			return engine.Run{}, err
		}
		patient.ID = job.PatientID
	}

	var appt *models.Appointment
	if job.AppointmentID != "" {
		appt, err = q.store.GetAppointment(ctx, job.AppointmentID)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound) && snap.Appointment != nil:
			appt = nil
		case errors.Is(err, storage.ErrNotFound):
			return engine.Run{}, &errs.RunFailure{Reason: "appointment " + job.AppointmentID + " not found", Err: err}
		default:
			return engine.Run{}, err
		}
	}
	if snap.Appointment != nil {
		if appt == nil {
			appt = &models.Appointment{
				ID:        job.AppointmentID,
				OwnerID:   patient.OwnerID,
				PatientID: job.PatientID,
			}
		}
		if err := mergeOver(appt, *snap.Appointment); err != nil {
			return engine.Run{}, err
		}
		if job.AppointmentID != "" {
			appt.ID = job.AppointmentID
		}
		appt.PatientID = job.PatientID
	}

	return engine.Run{
		Definition:  def,
		Patient:     patient,
		Appointment: appt,
		Context:     job.Data.Context.Clone(),
		JobID:       job.ID,
	}, nil
}

func (q *Queue) complete(ctx context.Context, log *logrus.Entry, job *models.WorkflowJob, report JobReport, res *engine.Result) JobReport {
	err := q.finish(ctx, job, storage.JobUpdate{
		Status:     models.JobCompleted,
		RetryCount: job.RetryCount,
		Result:     summarize(res),
	})
	if err != nil {
		log.WithError(err).Error("queue: could not complete job")
		report.Status = ReportErrored
		report.Error = err.Error()
		return report
	}
	log.WithField("outcome", res.Outcome).Info("queue: job completed")
	q.publish(messaging.JobEvent{Type: "completed", JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, ExecutionID: res.ExecutionID, Status: string(models.JobCompleted)})
	report.Status = ReportCompleted
	return report
}

// deferJob puts the job back in the queue for when its deferred nodes become
// eligible. The context keeps the trigger instant the run was measured from,
// so the next run derives its days passed from the clock it resumes at, and
// it resumes at the deferred nodes under the same execution.
func (q *Queue) deferJob(ctx context.Context, log *logrus.Entry, job *models.WorkflowJob, report JobReport, res *engine.Result) JobReport {
	data := job.Data
	data.Context = job.Data.Context.Clone()
	triggeredAt := res.TriggeredAt
	data.Context.TriggeredAt = &triggeredAt
	data.Context.DaysPassed = helper.DaysBetween(triggeredAt, res.NextEligibleAt)
	data.Context.ResumeFrom = res.ResumeFrom
	data.Context.ResumeOffsets = res.ResumeOffsets
	data.Context.ExecutionID = res.ExecutionID

	err := q.finish(ctx, job, storage.JobUpdate{
		Status:       models.JobQueued,
		ScheduledFor: res.NextEligibleAt,
		RetryCount:   job.RetryCount,
		Data:         &data,
		Result:       summarize(res),
	})
	if err != nil {
		log.WithError(err).Error("queue: could not reschedule deferred job")
		report.Status = ReportErrored
		report.Error = err.Error()
		return report
	}
	log.WithFields(logrus.Fields{
		"next_eligible_at": res.NextEligibleAt,
		"resume_from":      res.ResumeFrom,
	}).Info("queue: job deferred")
	q.publish(messaging.JobEvent{Type: "deferred", JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, ExecutionID: res.ExecutionID, Status: string(models.JobQueued)})
	report.Status = ReportDeferred
	return report
}

// handleError fails run failures and invalid jobs outright and requeues
// everything else with backoff while the job has retries left.
func (q *Queue) handleError(ctx context.Context, log *logrus.Entry, job *models.WorkflowJob, report JobReport, res *engine.Result, err error) JobReport {
	if errs.IsRunFailure(err) || errs.IsValidation(err) {
		return q.fail(ctx, log, job, report, res, err)
	}

	next := job.RetryCount + 1
	if next >= job.Data.MaxRetries {
		exhausted := &errs.RetryExhausted{ID: job.ID, RetryCount: next, MaxRetries: job.Data.MaxRetries}
		log.WithError(err).Warn("queue: job exhausted its retries")
		report = q.fail(ctx, log, job, report, res, exhausted)
		report.Error = exhausted.Error() + ": " + err.Error()
		return report
	}

	delay := q.backoff.timeBeforeNextAttempt(job.RetryCount)
	ferr := q.finish(ctx, job, storage.JobUpdate{
		Status:       models.JobQueued,
		ScheduledFor: q.now().Add(delay),
		RetryCount:   next,
		LastError:    err.Error(),
		Result:       summarize(res),
	})
	if ferr != nil {
		log.WithError(ferr).Error("queue: could not requeue job")
		report.Status = ReportErrored
		report.Error = ferr.Error()
		return report
	}
	log.WithError(err).WithField("retry_in", delay).Warn("queue: job failed, retrying")
	q.publish(messaging.JobEvent{Type: "retrying", JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, ExecutionID: report.ExecutionID, Status: string(models.JobQueued), Error: err.Error()})
	report.Status = ReportRetrying
	report.Error = err.Error()
	return report
}

func (q *Queue) fail(ctx context.Context, log *logrus.Entry, job *models.WorkflowJob, report JobReport, res *engine.Result, cause error) JobReport {
	ferr := q.finish(ctx, job, storage.JobUpdate{
		Status:       models.JobFailed,
		RetryCount:   job.RetryCount,
		LastError:    cause.Error(),
		ErrorMessage: cause.Error(),
		Result:       summarize(res),
	})
	if ferr != nil {
		log.WithError(ferr).Error("queue: could not fail job")
		report.Status = ReportErrored
		report.Error = ferr.Error()
		return report
	}
	log.WithError(cause).Error("queue: job failed")
	q.publish(messaging.JobEvent{Type: "failed", JobID: job.ID, WorkflowID: job.WorkflowID, PatientID: job.PatientID, ExecutionID: report.ExecutionID, Status: string(models.JobFailed), Error: cause.Error()})
	report.Status = ReportFailed
	report.Error = cause.Error()
	return report
}
