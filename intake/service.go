// Package intake feeds the orchestrator from an inbound request queue.
package intake

import (
	"context"
	"strconv"
	"sync"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/chassis/protocol"
	"github.com/freundallein/enroller/chassis/queue"
	"github.com/freundallein/enroller/orchestrator"
)

// Config ...
type Config struct {
	Queue   queue.Client
	Service *orchestrator.Service
	Workers int
}

func worker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
	cli := cfg.Queue
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": workerID,
			}).Info("exit goroutine")
			group.Done()
			return
		default:
			msg, err := cli.ReceiveMessage()
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "receive_failed",
					"worker": workerID,
				}).Error(err)
				continue
			}
			request := protocol.Request{}
			err = request.FromJSON(msg.Body)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "received_broken_message",
					"worker": workerID,
				}).Error(err)
				continue
			}
			if request.Method != protocol.MethodCreate {
				log.WithFields(log.Fields{
					"event":  "unsupported_message",
					"worker": workerID,
					"method": request.Method,
				}).Error("unknown method")
				continue
			}
			count, err := strconv.Atoi(request.Params["count"])
			if err != nil || count < 1 {
				log.WithFields(log.Fields{
					"event":  "unsupported_message",
					"worker": workerID,
				}).Error("bad count param")
				continue
			}
			ids, results := cfg.Service.Submit(ctx, count, orchestrator.Options{
				Country: request.Params["country"],
			})
			log.WithFields(log.Fields{
				"event":     "request_admitted",
				"worker":    workerID,
				"requestID": request.ID,
				"count":     count,
				"attempts":  ids,
			}).Info("admitted creation request")
			// Terminal records reach the sink on their own; drain here so
			// the stream never backs up.
			go func() {
				for range results {
				}
			}()
			err = cli.Acknowledge(msg)
			if err != nil {
				log.WithFields(log.Fields{
					"event":     "ack_message_failed",
					"worker":    workerID,
					"requestID": request.ID,
				}).Error(err)
				continue
			}
		}
	}
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", cfg.Workers, " workers")
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		group.Add(1)
		go worker(ctx, cfg, wrk, group)
	}
}
