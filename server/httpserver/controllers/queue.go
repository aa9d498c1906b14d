package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CronTick claims due jobs. With immediate=false the jobs are handed to the
// worker pool and the call returns before they finish.
func (ctr *Controller) CronTick(c *gin.Context) {
	immediate := c.DefaultQuery("immediate", "true") != "false"
	report, err := ctr.queue.LoadScheduledJobs(c.Request.Context(), immediate)
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"immediate": immediate,
		"report":    report,
		"timestamp": ctr.now(),
	})
}

func (ctr *Controller) QueueStats(c *gin.Context) {
	stats, err := ctr.queue.Stats(c.Request.Context())
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func (ctr *Controller) QueueHealth(c *gin.Context) {
	h, err := ctr.queue.Health(c.Request.Context())
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (ctr *Controller) JobStatus(c *gin.Context) {
	job, err := ctr.queue.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctr.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job": job,
	})
}
