package v1

import (
	"github.com/THPTUHA/careflow/server/httpserver/controllers"
	"github.com/THPTUHA/careflow/server/httpserver/middlewares"
	"github.com/gin-gonic/gin"
)

func Cron(ginApp *gin.RouterGroup, ctr *controllers.Controller, secret string) {
	routeGroup := ginApp.Group("/cron")
	routeGroup.Use(middlewares.CronSecret(secret))
	routeGroup.GET("/tick", ctr.CronTick)
	routeGroup.POST("/tick", ctr.CronTick)
}
