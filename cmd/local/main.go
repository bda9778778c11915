// An in-process end-to-end run against the simulated control client: a
// small pool, a burst of attempts, a log sink. Useful for eyeballing the
// pipeline without any external service.
package main

import (
	"context"
	"sync"
	"time"

	log "github.com/freundallein/enroller/chassis/logging"

	"github.com/freundallein/enroller/control"
	"github.com/freundallein/enroller/devicepool"
	"github.com/freundallein/enroller/orchestrator"
	"github.com/freundallein/enroller/sink"
	"github.com/freundallein/enroller/workflow"
)

func main() {
	log.Init("local", "debug")

	devices := []string{"emu-01", "emu-02"}
	client := control.NewSimulated(control.SimConfig{
		Devices:        devices,
		FaultRate:      0.01,
		CodeAfterPolls: 3,
	})

	pool := devicepool.New(client, devicepool.Config{
		Devices:            devices,
		AdmissionTimeout:   5 * time.Minute,
		HealthInterval:     5 * time.Second,
		QuarantineCooldown: 10 * time.Second,
		MaxHealthFailures:  3,
	})

	machine := workflow.NewMachine(client, workflow.MachineConfig{
		Definitions: workflow.DefaultDefinitions(workflow.StageConfig{
			StageTimeout:     10 * time.Second,
			MaxRetries:       3,
			StuckCeiling:     5,
			CodePollInterval: 200 * time.Millisecond,
			CodeWaitBudget:   5 * time.Second,
		}),
		GlobalTimeout: time.Minute,
		RetryDelay:    100 * time.Millisecond,
		AnchorPoll:    50 * time.Millisecond,
	})

	svc := orchestrator.New(pool, machine, sink.NewLog(), orchestrator.Config{
		MaxConcurrent: 2,
		Country:       "US",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var group sync.WaitGroup
	pool.Run(ctx, &group)

	ids, results := svc.Submit(ctx, 5, orchestrator.Options{})
	log.WithFields(log.Fields{
		"event":    "submitted",
		"attempts": ids,
	}).Info("submitted attempts")

	succeeded, failed := 0, 0
	for rec := range results {
		if rec.Outcome == workflow.SUCCESS {
			succeeded++
		} else {
			failed++
		}
	}
	log.Info("-----------------------")
	log.Info("SUCCEEDED ", succeeded)
	log.Info("FAILED ", failed)
	reserved, released := client.Reservations()
	log.Info("NUMBERS reserved=", reserved, " released=", released)
	cancel()
	group.Wait()
}
