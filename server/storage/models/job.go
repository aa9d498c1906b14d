package models

import (
	"database/sql/driver"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/workflow"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Minute
)

// JobData is the typed payload of a queued job, stored as jsonb.
type JobData struct {
	Context    workflow.ExecutionContext `json:"context"`
	Priority   workflow.Priority         `json:"priority"`
	TimeoutMs  int64                     `json:"timeoutMs"`
	MaxRetries int                       `json:"maxRetries"`
	Tags       []string                  `json:"tags,omitempty"`
}

func (d JobData) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

func (d JobData) Validate() error {
	if _, err := workflow.ParsePriority(string(d.Priority)); err != nil {
		return errs.NewValidation("priority", "%v", err)
	}
	if d.MaxRetries < 0 {
		return errs.NewValidation("maxRetries", "must not be negative")
	}
	if d.TimeoutMs < 0 {
		return errs.NewValidation("timeout", "must not be negative")
	}
	if d.Context.DaysPassed < 0 {
		return errs.NewValidation("context.daysPassed", "must not be negative")
	}
	return nil
}

func (d *JobData) Scan(src interface{}) error { return scanJSON(src, d) }
func (d JobData) Value() (driver.Value, error) { return valueJSON(d) }

// ExecutionSnapshot carries patient and appointment fields that override the
// stored rows when the job runs. A snapshot appointment stands in for a
// missing appointment row.
type ExecutionSnapshot struct {
	Patient     *Patient     `json:"patient,omitempty"`
	Appointment *Appointment `json:"appointment,omitempty"`
}

func (s *ExecutionSnapshot) Scan(src interface{}) error { return scanJSON(src, s) }
func (s ExecutionSnapshot) Value() (driver.Value, error) {
	if s.Patient == nil && s.Appointment == nil {
		return nil, nil
	}
	return valueJSON(s)
}

type WorkflowJob struct {
	ID            string            `db:"id" json:"id"`
	WorkflowID    string            `db:"workflow_id" json:"workflowId"`
	PatientID     string            `db:"patient_id" json:"patientId"`
	AppointmentID string            `db:"appointment_id" json:"appointmentId,omitempty"`
	Data          JobData           `db:"job_data" json:"jobData"`
	Status        JobStatus         `db:"status" json:"status"`
	Priority      workflow.Priority `db:"priority" json:"priority"`
	RetryCount    int               `db:"retry_count" json:"retryCount"`
	ScheduledFor  time.Time         `db:"scheduled_for" json:"scheduledFor"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updatedAt"`
	StartedAt     *time.Time        `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	FailedAt      *time.Time        `db:"failed_at" json:"failedAt,omitempty"`
	Snapshot      ExecutionSnapshot `db:"execution_snapshot" json:"executionSnapshot"`
	LastError     string            `db:"last_error" json:"lastError,omitempty"`
	ErrorMessage  string            `db:"error_message" json:"errorMessage,omitempty"`
	Result        JSONB             `db:"result" json:"result,omitempty"`
}

// Finished reports whether the job reached a terminal status.
func (j *WorkflowJob) Finished() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Stats counts jobs by state. Waiting jobs are due now, Delayed ones are
// queued for later.
type Stats struct {
	Active    int `db:"active" json:"active"`
	Waiting   int `db:"waiting" json:"waiting"`
	Delayed   int `db:"delayed" json:"delayed"`
	Completed int `db:"completed" json:"completed"`
	Failed    int `db:"failed" json:"failed"`
}
