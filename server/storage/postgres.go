package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Postgres struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

func NewPostgres(dsn string, logger *logrus.Entry) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errs.NewStorage("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.NewStorage("ping", err)
	}
	logger.Info("storage: connected to postgres")
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection.
func NewPostgresFromDB(db *sqlx.DB, logger *logrus.Entry) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

func (s *Postgres) InsertJob(ctx context.Context, job *models.WorkflowJob) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_jobs (
			id, workflow_id, patient_id, appointment_id, job_data, status, priority,
			retry_count, scheduled_for, created_at, updated_at, execution_snapshot
		) VALUES (
			:id, :workflow_id, :patient_id, :appointment_id, :job_data, :status, :priority,
			:retry_count, :scheduled_for, :created_at, :updated_at, :execution_snapshot
		)`, job)
	if err != nil {
		return errs.NewStorage("insert job", errors.Wrapf(err, "job %s", job.ID))
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	var job models.WorkflowJob
	err := s.db.GetContext(ctx, &job, `SELECT * FROM workflow_jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("get job", errors.Wrapf(err, "job %s", id))
	}
	return &job, nil
}

func (s *Postgres) ClaimJobs(ctx context.Context, limit, maxRetries int, stuckAfter time.Duration) ([]*models.WorkflowJob, error) {
	jobs := make([]*models.WorkflowJob, 0, limit)
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM get_next_jobs($1, $2, $3::interval)`,
		limit, maxRetries, interval(stuckAfter))
	if err != nil {
		return nil, errs.NewStorage("claim jobs", errors.Wrap(err, "get_next_jobs"))
	}
	sort.SliceStable(jobs, func(i, j int) bool { return claimOrder(jobs[i], jobs[j]) })
	return jobs, nil
}

func (s *Postgres) ClaimJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	var job models.WorkflowJob
	err := s.db.GetContext(ctx, &job, `
		UPDATE workflow_jobs
		SET status = 'processing', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING *`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "queued job %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("claim job", errors.Wrapf(err, "job %s", id))
	}
	return &job, nil
}

func (s *Postgres) FinishJob(ctx context.Context, id string, u JobUpdate) error {
	var scheduled, claimed *time.Time
	if !u.ScheduledFor.IsZero() {
		scheduled = &u.ScheduledFor
	}
	if !u.ClaimedAt.IsZero() {
		claimed = &u.ClaimedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = $2::text,
			scheduled_for = COALESCE($3::timestamptz, scheduled_for),
			retry_count = $4,
			job_data = COALESCE($5::jsonb, job_data),
			last_error = $6,
			error_message = $7,
			result = COALESCE($8::jsonb, result),
			updated_at = NOW(),
			completed_at = CASE WHEN $2::text = 'completed' THEN NOW() ELSE completed_at END,
			failed_at = CASE WHEN $2::text = 'failed' THEN NOW() ELSE failed_at END
		WHERE id = $1 AND status = 'processing'
			AND ($9::timestamptz IS NULL OR started_at = $9::timestamptz)`,
		id, string(u.Status), scheduled, u.RetryCount, u.Data, u.LastError, u.ErrorMessage, u.Result, claimed)
	if err != nil {
		return errs.NewStorage("finish job", errors.Wrapf(err, "job %s", id))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM workflow_jobs WHERE id = $1`, id)
	if err == nil && status == string(models.JobProcessing) {
		return errors.Wrapf(ErrClaimLost, "job %s", id)
	}
	return errors.Wrapf(ErrNotFound, "processing job %s", id)
}

func (s *Postgres) JobStats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'processing') AS active,
			COUNT(*) FILTER (WHERE status = 'queued' AND scheduled_for <= NOW()) AS waiting,
			COUNT(*) FILTER (WHERE status = 'queued' AND scheduled_for > NOW()) AS delayed,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM workflow_jobs`)
	if err != nil {
		return st, errs.NewStorage("job stats", errors.Wrap(err, "count workflow_jobs"))
	}
	return st, nil
}

func (s *Postgres) CountStuckJobs(ctx context.Context, stuckAfter time.Duration) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM workflow_jobs
		WHERE status = 'processing' AND updated_at < NOW() - $1::interval`, interval(stuckAfter))
	if err != nil {
		return 0, errs.NewStorage("count stuck jobs", errors.Wrap(err, "count workflow_jobs"))
	}
	return n, nil
}

func (s *Postgres) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, errs.NewStorage("delete jobs", errors.Wrap(err, "delete workflow_jobs"))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Postgres) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, patient_id, appointment_id, job_id, status, current_step_index,
			total_steps, steps_completed, started_at, completed_at, error_message, execution_data
		) VALUES (
			:id, :workflow_id, :patient_id, :appointment_id, :job_id, :status, :current_step_index,
			:total_steps, :steps_completed, :started_at, :completed_at, :error_message, :execution_data
		)`, rec)
	if err != nil {
		return errs.NewStorage("create execution", errors.Wrapf(err, "execution %s", rec.ID))
	}
	return nil
}

func (s *Postgres) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM workflow_executions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("get execution", errors.Wrapf(err, "execution %s", id))
	}
	return &rec, nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE workflow_executions
		SET status = :status,
			job_id = :job_id,
			current_step_index = :current_step_index,
			total_steps = :total_steps,
			steps_completed = :steps_completed,
			completed_at = :completed_at,
			error_message = :error_message,
			execution_data = :execution_data
		WHERE id = :id`, rec)
	if err != nil {
		return errs.NewStorage("update execution", errors.Wrapf(err, "execution %s", rec.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "execution %s", rec.ID)
	}
	return nil
}

func (s *Postgres) IncrementExecutionRetry(ctx context.Context, id string, maxRetries int, at time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		UPDATE workflow_executions
		SET execution_data = jsonb_set(
				jsonb_set(execution_data, '{retryCount}',
					to_jsonb(COALESCE((execution_data->>'retryCount')::int, 0) + 1)),
				'{lastRetryAt}', to_jsonb($3::timestamptz))
		WHERE id = $1 AND COALESCE((execution_data->>'retryCount')::int, 0) < $2
		RETURNING (execution_data->>'retryCount')::int`, id, maxRetries, at)
	if err == nil {
		return count, nil
	}
	if err != sql.ErrNoRows {
		return 0, errs.NewStorage("increment retry", errors.Wrapf(err, "execution %s", id))
	}

	err = s.db.GetContext(ctx, &count, `
		SELECT COALESCE((execution_data->>'retryCount')::int, 0)
		FROM workflow_executions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return 0, errs.NewStorage("increment retry", errors.Wrapf(err, "execution %s", id))
	}
	return count, &errs.RetryExhausted{ID: id, RetryCount: count, MaxRetries: maxRetries}
}

func (s *Postgres) SetExecutionRetryJob(ctx context.Context, id, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET execution_data = jsonb_set(execution_data, '{retryJobId}', to_jsonb($2::text))
		WHERE id = $1`, id, jobID)
	if err != nil {
		return errs.NewStorage("set retry job", errors.Wrapf(err, "execution %s", id))
	}
	return nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "workflow %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("get workflow", errors.Wrapf(err, "workflow %s", id))
	}
	return &w, nil
}

func (s *Postgres) ListActiveWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	ws := make([]*models.Workflow, 0)
	err := s.db.SelectContext(ctx, &ws, `
		SELECT * FROM workflows WHERE owner_id = $1 AND is_active ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, errs.NewStorage("list workflows", errors.Wrapf(err, "owner %s", ownerID))
	}
	return ws, nil
}

func (s *Postgres) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.GetContext(ctx, &p, `SELECT * FROM patients WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "patient %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("get patient", errors.Wrapf(err, "patient %s", id))
	}
	return &p, nil
}

func (s *Postgres) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.GetContext(ctx, &a, `SELECT * FROM appointments WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "appointment %s", id)
	}
	if err != nil {
		return nil, errs.NewStorage("get appointment", errors.Wrapf(err, "appointment %s", id))
	}
	return &a, nil
}

func (s *Postgres) HasDelivery(ctx context.Context, key models.DeliveryKey) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_deliveries
			WHERE workflow_id = $1 AND patient_id = $2 AND appointment_id = $3 AND node_id = $4
		)`, key.WorkflowID, key.PatientID, key.AppointmentID, key.NodeID)
	if err != nil {
		return false, errs.NewStorage("has delivery", errors.Wrapf(err, "delivery %s", key))
	}
	return exists, nil
}

func (s *Postgres) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_deliveries (
			workflow_id, patient_id, appointment_id, node_id, channel, execution_id,
			provider_message_id, delivered_at
		) VALUES (
			:workflow_id, :patient_id, :appointment_id, :node_id, :channel, :execution_id,
			:provider_message_id, :delivered_at
		) ON CONFLICT DO NOTHING`, d)
	if err != nil {
		return errs.NewStorage("record delivery", errors.Wrapf(err, "delivery %s", d.DeliveryKey))
	}
	return nil
}

// claimOrder sorts by priority rank, highest first, then oldest schedule.
func claimOrder(a, b *models.WorkflowJob) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}
