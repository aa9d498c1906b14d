package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/server/httpserver"
	"github.com/THPTUHA/careflow/server/runner"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var noScheduler bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API and the in-process scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serverRun(cmd, config)
	},
}

func init() {
	careflowCmd.AddCommand(serverCmd)
	serverCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only and leave ticking to an external cron")
}

func serverRun(cmd *cobra.Command, config *runner.Configs) error {
	log := logger.New(config.LogLevel, config.LogFormat, "careflow")
	r, err := runner.NewRunner(config)
	if err != nil {
		return err
	}
	defer r.Close()

	if !noScheduler {
		if err := r.StartScheduler(); err != nil {
			return err
		}
	}
	srv := httpserver.NewHttpServer(r, logger.New(config.LogLevel, config.LogFormat, "http"))

	var g run.Group
	g.Add(srv.Start, func(error) {
		srv.Shutdown()
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		return handleSignals(ctx, cmd, r, log)
	}, func(error) {
		cancel()
	})

	err = g.Run()
	var se signalError
	if errors.As(err, &se) {
		err = nil
	}
	log.Info("careflow: stopped")
	return err
}

type signalError struct {
	sig os.Signal
}

func (e signalError) Error() string {
	return fmt.Sprintf("received signal %s", e.sig)
}

// handleSignals returns on SIGINT or SIGTERM. SIGHUP reloads the scheduler
// settings from the config file.
func handleSignals(ctx context.Context, cmd *cobra.Command, r *runner.Runner, log *logrus.Entry) error {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-signalCh:
			if sig == syscall.SIGHUP {
				handleReload(cmd, r, log)
				continue
			}
			log.WithField("signal", sig).Warn("careflow: shutting down")
			return signalError{sig: sig}
		}
	}
}

func handleReload(cmd *cobra.Command, r *runner.Runner, log *logrus.Entry) {
	log.Info("careflow: reloading configuration")
	config, err := loadConfig(cmd)
	if err != nil {
		log.WithError(err).Error("careflow: reload failed, keeping the current configuration")
		return
	}
	if noScheduler {
		return
	}
	next := *r.Config
	next.Runner.TickSchedule = config.Runner.TickSchedule
	next.Runner.HealthSchedule = config.Runner.HealthSchedule
	next.Runner.CleanupSchedule = config.Runner.CleanupSchedule
	next.Runner.Retention = config.Runner.Retention
	if err := runner.ScheduleQueue(r.Sched, r.Queue, &next, log); err != nil {
		log.WithError(err).Error("careflow: rescheduling failed")
	}
}
