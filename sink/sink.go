// Package sink delivers terminal attempt records to downstream storage.
// The orchestration core treats the sink as an external collaborator: a
// failing sink is logged, never allowed to block attempt teardown.
package sink

import (
	"context"
	"sync"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/workflow"
)

// Sink consumes one terminal record per attempt. Records arrive in
// completion order, which is arbitrary across attempts.
type Sink interface {
	Consume(ctx context.Context, rec *workflow.Record) error
}

// Log writes record summaries to the service log.
type Log struct{}

// NewLog ...
func NewLog() *Log {
	return &Log{}
}

// Consume ...
func (s *Log) Consume(ctx context.Context, rec *workflow.Record) error {
	log.WithFields(log.Fields{
		"event":     "record_consumed",
		"attemptID": rec.AttemptID,
		"device":    rec.DeviceID,
		"outcome":   rec.Outcome,
		"stage":     rec.FailureStage,
		"reason":    rec.FailureReason,
		"stages":    len(rec.History),
	}).Info("terminal record")
	return nil
}

// Memory buffers records for tests.
type Memory struct {
	mu      sync.Mutex
	records []*workflow.Record
}

// NewMemory ...
func NewMemory() *Memory {
	return &Memory{}
}

// Consume ...
func (s *Memory) Consume(ctx context.Context, rec *workflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records ...
func (s *Memory) Records() []*workflow.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*workflow.Record{}, s.records...)
}
