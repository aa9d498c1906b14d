package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/THPTUHA/careflow/server/httpserver/controllers"
	"github.com/THPTUHA/careflow/server/httpserver/routes"
	"github.com/THPTUHA/careflow/server/runner"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

type HttpServer struct {
	Router *gin.Engine
	Config *runner.Configs

	srv *http.Server
	log *logrus.Entry
}

func NewHttpServer(r *runner.Runner, log *logrus.Entry) *HttpServer {
	ctr := controllers.NewController(&controllers.ControllerConfig{
		Queue:          r.Queue,
		Engine:         r.Engine,
		Store:          r.Store,
		BatchImmediate: r.Config.HTTP.BatchImmediate,
		Logger:         log,
	})
	server := &HttpServer{
		Config: r.Config,
		log:    log,
	}
	server.Router = routes.Build(ctr, routes.Auth{
		CronSecret: r.Config.HTTP.CronSecret,
		APIKey:     r.Config.HTTP.APIKey,
	}, log)
	server.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", r.Config.HTTP.Port),
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (server *HttpServer) Start() error {
	server.log.WithField("addr", server.srv.Addr).Info("http: starting the server")
	if err := server.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		server.log.WithError(err).Error("http: server is not running")
		return err
	}
	return nil
}

func (server *HttpServer) Shutdown() {
	server.log.Warn("http: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.srv.Shutdown(ctx); err != nil {
		server.log.WithError(err).Error("http: shutdown failed")
	}
}
