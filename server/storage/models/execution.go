package models

import (
	"database/sql/driver"
	"time"

	"github.com/THPTUHA/careflow/pkg/workflow"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionDeferred  ExecutionStatus = "deferred"
)

// Retryable reports whether a new job may be spawned from the execution.
func (s ExecutionStatus) Retryable() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeSkipped NodeStatus = "skipped"
)

type NodeExecutionInfo struct {
	NodeID          string            `json:"nodeId"`
	Kind            workflow.Kind     `json:"kind"`
	Status          NodeStatus        `json:"status"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	LastExecuted    *time.Time        `json:"lastExecuted,omitempty"`
	Output          map[string]string `json:"output,omitempty"`
}

// ExecutionData is the audit payload of an execution, stored as jsonb.
type ExecutionData struct {
	DaysPassed  int                       `json:"daysPassed"`
	Context     workflow.ExecutionContext `json:"context"`
	RetryCount  int                       `json:"retryCount"`
	LastRetryAt *time.Time                `json:"lastRetryAt,omitempty"`
	RetryJobID  string                    `json:"retryJobId,omitempty"`
	OriginJobID string                    `json:"originJobId,omitempty"`
	NodeResults []NodeExecutionInfo       `json:"nodeResults,omitempty"`
	Log         []string                  `json:"log,omitempty"`
}

func (d *ExecutionData) Scan(src interface{}) error { return scanJSON(src, d) }
func (d ExecutionData) Value() (driver.Value, error) { return valueJSON(d) }

// ErroredNodes returns the ids of nodes that ended in error, in result order.
func (d ExecutionData) ErroredNodes() []string {
	out := make([]string, 0)
	for _, r := range d.NodeResults {
		if r.Status == NodeError {
			out = append(out, r.NodeID)
		}
	}
	return out
}

type ExecutionRecord struct {
	ID               string          `db:"id" json:"id"`
	WorkflowID       string          `db:"workflow_id" json:"workflowId"`
	PatientID        string          `db:"patient_id" json:"patientId"`
	AppointmentID    string          `db:"appointment_id" json:"appointmentId,omitempty"`
	JobID            string          `db:"job_id" json:"jobId,omitempty"`
	Status           ExecutionStatus `db:"status" json:"status"`
	CurrentStepIndex int             `db:"current_step_index" json:"currentStepIndex"`
	TotalSteps       int             `db:"total_steps" json:"totalSteps"`
	StepsCompleted   int             `db:"steps_completed" json:"stepsCompleted"`
	StartedAt        time.Time       `db:"started_at" json:"startedAt"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	ErrorMessage     string          `db:"error_message" json:"errorMessage,omitempty"`
	Data             ExecutionData   `db:"execution_data" json:"executionData"`
}
