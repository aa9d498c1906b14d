package controllers

import (
	"net/http"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/runner"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type appointmentEvent struct {
	AppointmentID string                   `json:"appointmentId"`
	Status        models.AppointmentStatus `json:"status"`
	SurgeryType   string                   `json:"surgeryType"`
}

// AppointmentEvent reacts to an appointment status change by enqueueing one
// job per active workflow of the clinic whose trigger matches.
func (ctr *Controller) AppointmentEvent(c *gin.Context) {
	var ev appointmentEvent
	if !ctr.bind(c, &ev) {
		return
	}
	if ev.AppointmentID == "" {
		ctr.fail(c, errs.NewValidation("appointmentId", "is required"))
		return
	}
	ctx := c.Request.Context()

	appt, err := ctr.store.GetAppointment(ctx, ev.AppointmentID)
	if err != nil {
		ctr.fail(c, err)
		return
	}
	var snapshot *models.ExecutionSnapshot
	if ev.Status != "" || ev.SurgeryType != "" {
		override := &models.Appointment{Status: ev.Status, SurgeryType: ev.SurgeryType}
		if ev.Status != "" {
			appt.Status = ev.Status
		}
		if ev.SurgeryType != "" {
			appt.SurgeryType = ev.SurgeryType
		}
		snapshot = &models.ExecutionSnapshot{Appointment: override}
	}

	trigger := appt.TriggerType()
	if trigger == "" {
		c.JSON(http.StatusOK, gin.H{
			"enqueued": 0,
			"jobIds":   []string{},
		})
		return
	}

	workflows, err := ctr.store.ListActiveWorkflows(ctx, appt.OwnerID)
	if err != nil {
		ctr.fail(c, err)
		return
	}

	now := ctr.now()
	jobIDs := make([]string, 0)
	for _, wf := range workflows {
		def, err := wf.Parse()
		if err != nil {
			ctr.log.WithError(err).WithField("workflow", wf.ID).Warn("http: skipping invalid workflow")
			continue
		}
		g, err := def.Compile()
		if err != nil || len(g.Triggers(trigger)) == 0 {
			continue
		}
		jobID, err := ctr.queue.Enqueue(ctx, runner.EnqueueRequest{
			WorkflowID:    wf.ID,
			PatientID:     appt.PatientID,
			AppointmentID: appt.ID,
			Context: workflow.ExecutionContext{
				DaysPassed:  appt.DaysSince(now),
				TriggerType: trigger,
			},
			Options: runner.Options{ExecutionContext: snapshot},
		})
		if err != nil {
			ctr.fail(c, err)
			return
		}
		jobIDs = append(jobIDs, jobID)
	}

	ctr.log.WithFields(logrus.Fields{
		"appointment": appt.ID,
		"trigger":     trigger,
		"enqueued":    len(jobIDs),
	}).Info("http: appointment event handled")
	c.JSON(http.StatusAccepted, gin.H{
		"enqueued": len(jobIDs),
		"jobIds":   jobIDs,
	})
}
