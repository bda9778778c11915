package sink

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/freundallein/enroller/chassis/protocol"
	"github.com/freundallein/enroller/chassis/queue"
	"github.com/freundallein/enroller/workflow"
)

// Queue publishes terminal records as JSON-RPC responses onto an outbound
// queue for downstream consumers.
type Queue struct {
	client queue.Client
}

// NewQueue ...
func NewQueue(client queue.Client) *Queue {
	return &Queue{client: client}
}

// Consume ...
func (s *Queue) Consume(ctx context.Context, rec *workflow.Record) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return err
	}
	response := &protocol.Response{
		ID: rec.AttemptID,
	}
	payload := map[string]string{
		"outcome":  string(rec.Outcome),
		"deviceID": rec.DeviceID,
		"stages":   strconv.Itoa(len(rec.History)),
		"history":  string(history),
	}
	for k, v := range rec.Fields {
		payload[k] = v
	}
	if rec.Outcome == workflow.SUCCESS {
		response.Result = payload
	} else {
		payload["stage"] = rec.FailureStage
		payload["reason"] = rec.FailureReason
		response.Error = payload
	}
	jsonMsg, err := response.JSON()
	if err != nil {
		return err
	}
	return s.client.SendMessage(jsonMsg)
}
