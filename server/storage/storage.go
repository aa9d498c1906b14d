package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned by FinishJob when the job was claimed again
	// after the caller took it.
	ErrClaimLost = errors.New("claim lost")
)

// JobUpdate is applied to a job leaving the processing state.
type JobUpdate struct {
	// ClaimedAt is the StartedAt the caller's claim set. When not zero the
	// update only applies while the job still carries that claim.
	ClaimedAt    time.Time
	Status       models.JobStatus
	ScheduledFor time.Time
	RetryCount   int
	Data         *models.JobData
	LastError    string
	ErrorMessage string
	Result       models.JSONB
}

type Store interface {
	InsertJob(ctx context.Context, job *models.WorkflowJob) error
	GetJob(ctx context.Context, id string) (*models.WorkflowJob, error)
	// ClaimJobs atomically moves up to limit due or stuck jobs to processing
	// and returns them. Concurrent callers never receive the same job.
	ClaimJobs(ctx context.Context, limit, maxRetries int, stuckAfter time.Duration) ([]*models.WorkflowJob, error)
	// ClaimJob moves one queued job to processing regardless of its
	// schedule. ErrNotFound when the job is not queued.
	ClaimJob(ctx context.Context, id string) (*models.WorkflowJob, error)
	// FinishJob moves a processing job to queued, completed or failed.
	// ErrClaimLost when u.ClaimedAt no longer matches the job's claim.
	FinishJob(ctx context.Context, id string, u JobUpdate) error
	JobStats(ctx context.Context) (models.Stats, error)
	CountStuckJobs(ctx context.Context, stuckAfter time.Duration) (int, error)
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)

	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	// IncrementExecutionRetry bumps the retry count of a finished execution
	// while it is below maxRetries and returns the new count. Otherwise it
	// returns *errs.RetryExhausted.
	IncrementExecutionRetry(ctx context.Context, id string, maxRetries int, at time.Time) (int, error)
	SetExecutionRetryJob(ctx context.Context, id, jobID string) error

	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListActiveWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error)
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)

	HasDelivery(ctx context.Context, key models.DeliveryKey) (bool, error)
	RecordDelivery(ctx context.Context, d *models.Delivery) error

	Close() error
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open returns the store selected by driver. dsn is ignored by the memory
// store.
func Open(driver, dsn string, logger *logrus.Entry) (Store, error) {
	switch driver {
	case DriverPostgres, "":
		return NewPostgres(dsn, logger)
	case DriverMemory:
		return NewMemory(logger)
	}
	return nil, fmt.Errorf("storage: unknown driver %q", driver)
}
