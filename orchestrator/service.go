// Package orchestrator admits account creation requests onto the device
// pool, runs one workflow machine per attempt and fans terminal records out
// to the configured sink.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/chassis/metrics"
	"github.com/freundallein/enroller/devicepool"
	"github.com/freundallein/enroller/sink"
	"github.com/freundallein/enroller/workflow"
)

// ErrUnknownAttempt ...
var ErrUnknownAttempt = errors.New("unknown attempt")

// ErrAlreadyTerminal ...
var ErrAlreadyTerminal = errors.New("attempt already terminal")

// Options - per-request knobs.
type Options struct {
	Country string
}

// Config ...
type Config struct {
	MaxConcurrent int
	// ArchiveTTL bounds how long terminal attempts stay queryable.
	ArchiveTTL  time.Duration
	SinkTimeout time.Duration
	Country     string
}

type entry struct {
	attempt *workflow.Attempt
	cancel  context.CancelFunc
}

// Service ...
type Service struct {
	cfg     Config
	pool    *devicepool.Pool
	machine *workflow.Machine
	out     sink.Sink

	// slots is the global concurrency ceiling; each in-flight attempt holds
	// one slot for its whole life, devices or not.
	slots chan struct{}

	mu      sync.Mutex
	live    map[string]*entry
	archive *cache.Cache
}

// New ...
func New(pool *devicepool.Pool, machine *workflow.Machine, out sink.Sink, cfg Config) *Service {
	if cfg.SinkTimeout == 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	if cfg.ArchiveTTL == 0 {
		cfg.ArchiveTTL = time.Hour
	}
	return &Service{
		cfg:     cfg,
		pool:    pool,
		machine: machine,
		out:     out,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		live:    map[string]*entry{},
		archive: cache.New(cfg.ArchiveTTL, 2*cfg.ArchiveTTL),
	}
}

// Submit admits count attempts. Attempt IDs are assigned immediately; the
// returned channel streams terminal records in completion order and closes
// once every admitted attempt is terminal. In-flight concurrency is bounded
// by the configured ceiling; submissions above it wait for a free slot.
func (s *Service) Submit(ctx context.Context, count int, opts Options) ([]string, <-chan *workflow.Record) {
	if opts.Country == "" {
		opts.Country = s.cfg.Country
	}
	attempts := make([]*workflow.Attempt, 0, count)
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		att := workflow.NewAttempt(opts.Country)
		attempts = append(attempts, att)
		ids = append(ids, att.ID)
	}
	results := make(chan *workflow.Record, count)
	go func() {
		defer close(results)
		var group sync.WaitGroup
		for _, att := range attempts {
			att := att
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
				att.Fail("", workflow.ReasonCanceled)
				results <- s.finish(att)
				continue
			}
			group.Add(1)
			go func() {
				defer group.Done()
				defer func() { <-s.slots }()
				results <- s.runOne(ctx, att)
			}()
		}
		group.Wait()
	}()
	return ids, results
}

func (s *Service) runOne(ctx context.Context, att *workflow.Attempt) *workflow.Record {
	attCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.register(att, cancel)
	metrics.AttemptStarted()

	device, err := s.pool.Allocate(attCtx, att.ID)
	if err != nil {
		// Resource exhaustion is surfaced as-is, no retry budget consumed.
		reason := workflow.ReasonNoDevice
		if attCtx.Err() != nil {
			reason = workflow.ReasonCanceled
		}
		att.Fail("", reason)
		log.WithFields(log.Fields{
			"event":     "allocation_failed",
			"attemptID": att.ID,
			"reason":    reason,
		}).Error(err)
		return s.finish(att)
	}

	att.BindDevice(device.ID)
	rec := s.machine.Run(attCtx, att)
	s.pool.Release(device, deviceHealthyAfter(rec))
	return s.finish(att)
}

func (s *Service) finish(att *workflow.Attempt) *workflow.Record {
	rec := att.Record()
	outcome := string(rec.Outcome)
	if rec.FailureReason != "" {
		outcome = rec.FailureReason
	}
	metrics.AttemptFinished(outcome)
	s.consume(rec)
	s.mu.Lock()
	delete(s.live, att.ID)
	s.mu.Unlock()
	s.archive.SetDefault(att.ID, rec)
	return rec
}

func (s *Service) consume(rec *workflow.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
	defer cancel()
	if err := s.out.Consume(ctx, rec); err != nil {
		log.WithFields(log.Fields{
			"event":     "sink_consume_failed",
			"attemptID": rec.AttemptID,
		}).Error(err)
	}
}

func (s *Service) register(att *workflow.Attempt, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[att.ID] = &entry{attempt: att, cancel: cancel}
}

// Status reports the current stage and history of a live or archived
// attempt.
func (s *Service) Status(id string) (workflow.Status, error) {
	s.mu.Lock()
	e, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return e.attempt.Snapshot(), nil
	}
	if rec, found := s.archive.Get(id); found {
		r := rec.(*workflow.Record)
		return workflow.Status{
			ID:            r.AttemptID,
			DeviceID:      r.DeviceID,
			Result:        r.Outcome,
			FailureReason: r.FailureReason,
			ElapsedMS:     r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
			History:       r.History,
		}, nil
	}
	return workflow.Status{}, ErrUnknownAttempt
}

// Cancel aborts a live attempt. Cancellation propagates to the executor's
// active suspension point; compensation and device quarantine follow in the
// machine and pool.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		e.cancel()
		log.WithFields(log.Fields{
			"event":     "attempt_canceled",
			"attemptID": id,
		}).Info("cancellation requested")
		return nil
	}
	if _, found := s.archive.Get(id); found {
		return ErrAlreadyTerminal
	}
	return ErrUnknownAttempt
}

// deviceHealthyAfter decides whether the device goes straight back to the
// free set or through a quarantine health check first.
func deviceHealthyAfter(rec *workflow.Record) bool {
	switch rec.FailureReason {
	case workflow.ReasonCanceled, workflow.ReasonDeviceUnreachable,
		workflow.ReasonScreenStuck, workflow.ReasonAttemptTimeout:
		return false
	}
	return true
}
