package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/server/runner"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type ControllerConfig struct {
	Queue *runner.Queue
	// Engine runs dry runs for the test endpoint.
	Engine         runner.Executor
	Store          storage.Store
	BatchImmediate int
	Logger         *logrus.Entry
	Now            func() time.Time
}

type Controller struct {
	queue          *runner.Queue
	engine         runner.Executor
	store          storage.Store
	batchImmediate int
	log            *logrus.Entry
	now            func() time.Time
}

func NewController(ctrconf *ControllerConfig) *Controller {
	ctr := &Controller{
		queue:          ctrconf.Queue,
		engine:         ctrconf.Engine,
		store:          ctrconf.Store,
		batchImmediate: ctrconf.BatchImmediate,
		log:            ctrconf.Logger,
		now:            ctrconf.Now,
	}
	if ctr.now == nil {
		ctr.now = time.Now
	}
	if ctr.batchImmediate <= 0 {
		ctr.batchImmediate = 20
	}
	return ctr
}

func statusOf(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errs.IsRetryExhausted(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (ctr *Controller) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		ctr.log.WithError(err).WithField("path", c.FullPath()).Error("http: request failed")
	}
	c.JSON(status, gin.H{
		"err": err.Error(),
	})
}

func (ctr *Controller) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"err": err.Error(),
		})
		return false
	}
	return true
}
