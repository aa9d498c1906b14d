package routes

import (
	"github.com/THPTUHA/careflow/server/httpserver/controllers"
	"github.com/THPTUHA/careflow/server/httpserver/middlewares"
	v1 "github.com/THPTUHA/careflow/server/httpserver/routes/v1"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Auth struct {
	CronSecret string
	APIKey     string
}

func initialize(ginApp *gin.Engine, ctr *controllers.Controller, auth Auth) {
	routeGroup := ginApp.Group("/apis/v1")
	v1.Cron(routeGroup, ctr, auth.CronSecret)

	privateGroup := ginApp.Group("/apis/v1")
	privateGroup.Use(middlewares.APIKey(auth.APIKey))
	v1.Workflow(privateGroup, ctr)
	v1.Events(privateGroup, ctr)
	v1.Queue(privateGroup, ctr)
}

func Build(ctr *controllers.Controller, auth Auth, log *logrus.Entry) *gin.Engine {
	ginApp := gin.New()
	ginApp.Use(gin.Recovery())
	ginApp.Use(middlewares.Logger(log))
	initialize(ginApp, ctr, auth)

	return ginApp
}
