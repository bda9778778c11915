package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/freundallein/enroller/chassis/logging"

	"github.com/freundallein/enroller/api"
	"github.com/freundallein/enroller/chassis/config"
	"github.com/freundallein/enroller/chassis/queue"
	"github.com/freundallein/enroller/control"
	"github.com/freundallein/enroller/devicepool"
	"github.com/freundallein/enroller/intake"
	"github.com/freundallein/enroller/orchestrator"
	"github.com/freundallein/enroller/sink"
	"github.com/freundallein/enroller/workflow"
)

func makeSink(appCfg *config.AppConfig) (sink.Sink, error) {
	switch appCfg.Sink.Kind {
	case "postgres":
		return sink.InitPostgres(sink.Config{DSN: appCfg.Sink.DSN})
	case "queue":
		queueCfg := queue.Config{
			Name:    appCfg.Sink.Queuedst.Name,
			URL:     appCfg.Sink.Queuedst.URL,
			Retries: appCfg.Sink.Queuedst.Retries,

			//AWS specific
			Region:             appCfg.AWS.Region,
			CredentialsFile:    appCfg.AWS.CredentialsFile,
			CredentialsProfile: appCfg.AWS.CredentialsProfile,
		}
		return sink.NewQueue(queue.InitAWSQueue(queueCfg)), nil
	default:
		return sink.NewLog(), nil
	}
}

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	if err := appCfg.Validate(); err != nil {
		log.WithFields(log.Fields{
			"event": "config_invalid",
		}).Fatal(err)
	}
	log.Init("orchestrator", appCfg.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	// The real device transport and recognition services plug in here; the
	// simulated client drives the same surface end to end.
	client := control.NewSimulated(control.SimConfig{
		Devices:        appCfg.Pool.Devices,
		FaultRate:      appCfg.Provider.FaultRate,
		CodeAfterPolls: appCfg.Provider.CodeAfterPoll,
	})

	pool := devicepool.New(client, devicepool.Config{
		Devices:            appCfg.Pool.Devices,
		AdmissionTimeout:   time.Duration(appCfg.Pool.AdmissionTimeoutSec) * time.Second,
		HealthInterval:     time.Duration(appCfg.Pool.HealthIntervalSec) * time.Second,
		QuarantineCooldown: time.Duration(appCfg.Pool.QuarantineCooldownSec) * time.Second,
		MaxHealthFailures:  appCfg.Pool.MaxHealthFailures,
	})

	machine := workflow.NewMachine(client, workflow.MachineConfig{
		Definitions: workflow.DefaultDefinitions(workflow.StageConfig{
			StageTimeout:     time.Duration(appCfg.Stages.StageTimeoutSec) * time.Second,
			MaxRetries:       appCfg.Stages.MaxRetries,
			StuckCeiling:     appCfg.Stages.StuckCeiling,
			CodePollInterval: time.Duration(appCfg.Stages.CodePollIntervalSec) * time.Second,
			CodeWaitBudget:   time.Duration(appCfg.Stages.CodeWaitBudgetSec) * time.Second,
		}),
		GlobalTimeout: time.Duration(appCfg.Attempt.GlobalTimeoutSec) * time.Second,
	})

	out, err := makeSink(appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_sink_failed",
		}).Fatal(err)
	}

	svc := orchestrator.New(pool, machine, out, orchestrator.Config{
		MaxConcurrent: appCfg.Pool.MaxConcurrent,
		ArchiveTTL:    time.Duration(appCfg.Attempt.ArchiveTTLSec) * time.Second,
		Country:       appCfg.Provider.Country,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	pool.Run(ctx, &group)
	if appCfg.Intake.Enabled {
		queueSrcCfg := queue.Config{
			Name:    appCfg.Intake.Queuesrc.Name,
			URL:     appCfg.Intake.Queuesrc.URL,
			Retries: appCfg.Intake.Queuesrc.Retries,

			//AWS specific
			Region:             appCfg.AWS.Region,
			CredentialsFile:    appCfg.AWS.CredentialsFile,
			CredentialsProfile: appCfg.AWS.CredentialsProfile,
		}
		intake.Run(ctx, &intake.Config{
			Queue:   queue.InitAWSQueue(queueSrcCfg),
			Service: svc,
			Workers: appCfg.Intake.Workers,
		}, &group)
	}

	router := api.NewRouter(ctx, svc, pool)
	srv := &http.Server{
		Addr:    appCfg.API.Addr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("listen: %s\n", err))
		}
	}()
	<-done
	log.WithFields(log.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(fmt.Sprintf("Server Shutdown Failed:%+v", err))
	}
	group.Wait()
}
