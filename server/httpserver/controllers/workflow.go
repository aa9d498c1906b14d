package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/engine"
	"github.com/THPTUHA/careflow/server/runner"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

type triggerRequest struct {
	PatientID       string            `json:"patientId"`
	AppointmentID   string            `json:"appointmentId"`
	TriggerType     string            `json:"triggerType"`
	Priority        string            `json:"priority"`
	CustomVariables map[string]string `json:"customVariables"`
}

// manualRequest builds the job of a manual run. Without an appointment the
// job carries a synthetic completed appointment dated now, under an id of
// its own so repeated manual runs are not taken for the same occurrence.
func (ctr *Controller) manualRequest(workflowID, patientID, appointmentID string, req triggerRequest) runner.EnqueueRequest {
	er := runner.EnqueueRequest{
		WorkflowID:    workflowID,
		PatientID:     patientID,
		AppointmentID: appointmentID,
		Context: workflow.ExecutionContext{
			DaysPassed:      0,
			TriggerType:     req.TriggerType,
			CustomVariables: req.CustomVariables,
		},
		Options: runner.Options{
			Priority: workflow.Priority(req.Priority),
			Tags:     []string{"manual"},
		},
	}
	if appointmentID == "" {
		now := ctr.now()
		er.AppointmentID = fmt.Sprintf("manual-%s-%d", patientID, now.UnixMilli())
		er.Options.ExecutionContext = &models.ExecutionSnapshot{
			Appointment: &models.Appointment{
				AppointmentDate: now,
				Status:          models.AppointmentCompleted,
			},
		}
	}
	return er
}

// TriggerWorkflow enqueues a manual run of one workflow for one patient.
func (ctr *Controller) TriggerWorkflow(c *gin.Context) {
	var req triggerRequest
	if !ctr.bind(c, &req) {
		return
	}
	workflowID := c.Param("id")
	if _, err := ctr.store.GetWorkflow(c.Request.Context(), workflowID); err != nil {
		ctr.fail(c, err)
		return
	}

	er := ctr.manualRequest(workflowID, req.PatientID, req.AppointmentID, req)
	if c.Query("immediate") == "true" {
		report, err := ctr.queue.RunJob(c.Request.Context(), er)
		if err != nil {
			ctr.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":  report.JobID,
			"report": report,
		})
		return
	}

	jobID, err := ctr.queue.Enqueue(c.Request.Context(), er)
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId": jobID,
	})
}

type batchRequest struct {
	WorkflowID      string            `json:"workflowId"`
	PatientIDs      []string          `json:"patientIds"`
	TriggerType     string            `json:"triggerType"`
	Priority        string            `json:"priority"`
	CustomVariables map[string]string `json:"customVariables"`
}

type batchLine struct {
	PatientID   string `json:"patientId"`
	JobID       string `json:"jobId,omitempty"`
	Status      string `json:"status"`
	ExecutionID string `json:"executionId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BatchExecute runs the first patients through the queue right away and
// enqueues the rest. A failing patient never stops the batch.
func (ctr *Controller) BatchExecute(c *gin.Context) {
	var req batchRequest
	if !ctr.bind(c, &req) {
		return
	}
	if req.WorkflowID == "" {
		ctr.fail(c, errs.NewValidation("workflowId", "is required"))
		return
	}
	if len(req.PatientIDs) == 0 {
		ctr.fail(c, errs.NewValidation("patientIds", "at least one patient is required"))
		return
	}
	ctx := c.Request.Context()
	if _, err := ctr.store.GetWorkflow(ctx, req.WorkflowID); err != nil {
		ctr.fail(c, err)
		return
	}

	tr := triggerRequest{TriggerType: req.TriggerType, Priority: req.Priority, CustomVariables: req.CustomVariables}
	lines := make([]batchLine, 0, len(req.PatientIDs))
	executed, queued, failed := 0, 0, 0
	for i, patientID := range req.PatientIDs {
		er := ctr.manualRequest(req.WorkflowID, patientID, "", tr)
		line := batchLine{PatientID: patientID}

		if i < ctr.batchImmediate {
			report, err := ctr.queue.RunJob(ctx, er)
			line.JobID = report.JobID
			switch {
			case err != nil:
				line.Status, line.Error = runner.ReportFailed, err.Error()
			default:
				line.Status, line.ExecutionID, line.Error = report.Status, report.ExecutionID, report.Error
			}
			switch line.Status {
			case runner.ReportFailed, runner.ReportErrored:
				failed++
			case runner.ReportRetrying, runner.ReportDeferred:
				queued++
			default:
				executed++
			}
		} else {
			jobID, err := ctr.queue.Enqueue(ctx, er)
			if err != nil {
				line.Status, line.Error = runner.ReportFailed, err.Error()
				failed++
			} else {
				line.Status, line.JobID = "queued", jobID
				queued++
			}
		}
		lines = append(lines, line)
	}

	ctr.log.WithFields(logrus.Fields{
		"workflow": req.WorkflowID,
		"total":    len(req.PatientIDs),
		"executed": executed,
		"queued":   queued,
		"failed":   failed,
	}).Info("http: batch execute finished")
	c.JSON(http.StatusOK, gin.H{
		"total":    len(req.PatientIDs),
		"executed": executed,
		"queued":   queued,
		"failed":   failed,
		"results":  lines,
	})
}

type retryRequest struct {
	RetryFailedNodesOnly bool   `json:"retryFailedNodesOnly"`
	ResetContext         bool   `json:"resetContext"`
	Priority             string `json:"priority"`
	MaxRetries           int    `json:"maxRetries"`
}

func (ctr *Controller) RetryExecution(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength != 0 && !ctr.bind(c, &req) {
		return
	}
	priority := workflow.Priority("")
	if req.Priority != "" {
		p, err := workflow.ParsePriority(req.Priority)
		if err != nil {
			ctr.fail(c, errs.NewValidation("priority", "%v", err))
			return
		}
		priority = p
	}

	jobID, err := ctr.queue.Retry(c.Request.Context(), c.Param("id"), runner.RetryRequest{
		RetryOptions: workflow.RetryOptions{
			RetryFailedNodesOnly: req.RetryFailedNodesOnly,
			ResetContext:         req.ResetContext,
			Priority:             priority,
		},
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId": jobID,
	})
}

type testRequest struct {
	Definition      json.RawMessage   `json:"definition"`
	PatientID       string            `json:"patientId"`
	AppointmentID   string            `json:"appointmentId"`
	DaysPassed      *int              `json:"daysPassed"`
	TriggerType     string            `json:"triggerType"`
	CustomVariables map[string]string `json:"customVariables"`
}

func mockPatient() *models.Patient {
	birth := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Patient{
		ID:        "test-patient",
		Name:      "Test Patient",
		Phone:     "010-0000-0000",
		Email:     "test.patient@example.com",
		Gender:    "female",
		BirthDate: &birth,
	}
}

func mockAppointment(now time.Time) *models.Appointment {
	return &models.Appointment{
		ID:              "test-appointment",
		PatientID:       "test-patient",
		AppointmentDate: now.AddDate(0, 0, -1),
		Status:          models.AppointmentCompleted,
		SurgeryType:     "general",
	}
}

// TestWorkflow dry-runs a stored or inline definition. Nothing is sent and
// nothing is written.
func (ctr *Controller) TestWorkflow(c *gin.Context) {
	var req testRequest
	if c.Request.ContentLength != 0 && !ctr.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	var def *workflow.Definition
	if len(req.Definition) > 0 && string(req.Definition) != "null" {
		d, err := workflow.Parse(req.Definition)
		if err != nil {
			ctr.fail(c, err)
			return
		}
		d.ID = c.Param("id")
		def = d
	} else {
		wf, err := ctr.store.GetWorkflow(ctx, c.Param("id"))
		if err != nil {
			ctr.fail(c, err)
			return
		}
		if def, err = wf.Parse(); err != nil {
			ctr.fail(c, err)
			return
		}
	}

	now := ctr.now()
	patient := mockPatient()
	if req.PatientID != "" {
		p, err := ctr.store.GetPatient(ctx, req.PatientID)
		if err != nil {
			ctr.fail(c, err)
			return
		}
		patient = p
	}
	appt := mockAppointment(now)
	appt.PatientID = patient.ID
	if req.AppointmentID != "" {
		a, err := ctr.store.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			ctr.fail(c, err)
			return
		}
		appt = a
	}

	days := 1
	if req.DaysPassed != nil {
		days = *req.DaysPassed
	}
	if days < 0 {
		ctr.fail(c, errs.NewValidation("daysPassed", "must not be negative"))
		return
	}

	res, err := ctr.engine.Execute(ctx, engine.Run{
		Definition:  def,
		Patient:     patient,
		Appointment: appt,
		Context: workflow.ExecutionContext{
			DaysPassed:      days,
			TriggerType:     req.TriggerType,
			CustomVariables: req.CustomVariables,
		},
	}, engine.Options{DryRun: true})
	if err != nil && !errs.IsRunFailure(err) {
		ctr.fail(c, err)
		return
	}

	body := gin.H{
		"success": err == nil,
		"result":  res,
	}
	if err != nil {
		body["err"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
