package v1

import (
	"github.com/THPTUHA/careflow/server/httpserver/controllers"
	"github.com/gin-gonic/gin"
)

func Workflow(ginApp *gin.RouterGroup, ctr *controllers.Controller) {
	routeGroup := ginApp.Group("/workflows")
	routeGroup.POST("/batch-execute", ctr.BatchExecute)
	routeGroup.POST("/executions/:id/retry", ctr.RetryExecution)
	routeGroup.POST("/:id/trigger", ctr.TriggerWorkflow)
	routeGroup.POST("/:id/test", ctr.TestWorkflow)
}
