package v1

import (
	"github.com/THPTUHA/careflow/server/httpserver/controllers"
	"github.com/gin-gonic/gin"
)

func Queue(ginApp *gin.RouterGroup, ctr *controllers.Controller) {
	routeGroup := ginApp.Group("/queue")
	routeGroup.GET("/stats", ctr.QueueStats)
	routeGroup.GET("/health", ctr.QueueHealth)
	routeGroup.GET("/jobs/:id", ctr.JobStatus)
}

func Events(ginApp *gin.RouterGroup, ctr *controllers.Controller) {
	routeGroup := ginApp.Group("/events")
	routeGroup.POST("/appointments", ctr.AppointmentEvent)
}
