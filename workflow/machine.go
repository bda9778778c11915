package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/looplab/fsm"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/chassis/metrics"
	"github.com/freundallein/enroller/control"
)

// Lifecycle states and events guarding the attempt terminal rule: exactly
// one terminal state, no stage execution afterward.
const (
	lcRunning   = "running"
	lcSucceeded = "succeeded"
	lcFailed    = "failed"
	lcCanceled  = "canceled"

	evSucceed = "succeed"
	evFail    = "fail"
	evCancel  = "cancel"
)

// MachineConfig ...
type MachineConfig struct {
	Definitions   Definitions
	GlobalTimeout time.Duration
	// RetryDelay seeds the exponential backoff between stage retries.
	RetryDelay time.Duration
	AnchorPoll time.Duration
}

// Machine drives one attempt through the ordered stages. It is stateless
// between invocations; everything an attempt knows lives on the Attempt
// record.
type Machine struct {
	cfg    MachineConfig
	client control.Client
	execs  map[Stage]Executor
}

// NewMachine ...
func NewMachine(client control.Client, cfg MachineConfig) *Machine {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	b := base{client: client, poll: cfg.AnchorPoll}
	execs := map[Stage]Executor{
		StageInit:             &initExecutor{base: b},
		StageSurfaceLaunch:    &launchExecutor{base: b},
		StageFormFill:         &formExecutor{base: b},
		StagePhoneRequest:     &phoneExecutor{base: b},
		StageSupplementalFill: &supplementalExecutor{base: b},
		StageVerify:           &verifyExecutor{base: b},
	}
	for _, def := range cfg.Definitions {
		if def.Stage == StageCodeWait {
			execs[StageCodeWait] = &codeWaitExecutor{
				base:         b,
				pollInterval: def.PollInterval,
				waitBudget:   def.WaitBudget,
			}
		}
	}
	return &Machine{cfg: cfg, client: client, execs: execs}
}

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		lcRunning,
		fsm.Events{
			{Name: evSucceed, Src: []string{lcRunning}, Dst: lcSucceeded},
			{Name: evFail, Src: []string{lcRunning}, Dst: lcFailed},
			{Name: evCancel, Src: []string{lcRunning}, Dst: lcCanceled},
		},
		fsm.Callbacks{},
	)
}

// Run executes the attempt to a terminal state and returns its record. The
// caller owns device allocation; the attempt must be bound to a device.
func (m *Machine) Run(ctx context.Context, att *Attempt) *Record {
	lifecycle := newLifecycle()
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.GlobalTimeout)
	defer cancel()

	for _, def := range m.cfg.Definitions {
		if lifecycle.Current() != lcRunning {
			break
		}
		att.EnterStage(def.Stage)
		m.runStage(ctx, runCtx, lifecycle, att, def)
	}
	if lifecycle.Current() == lcRunning {
		_ = lifecycle.Event(context.Background(), evSucceed)
		att.Succeed()
	}
	m.compensate(att)
	rec := att.Record()
	log.WithFields(log.Fields{
		"event":     "attempt_finished",
		"attemptID": att.ID,
		"device":    rec.DeviceID,
		"outcome":   rec.Outcome,
		"stage":     rec.FailureStage,
		"reason":    rec.FailureReason,
	}).Info("attempt reached terminal state")
	return rec
}

// runStage runs one stage to completion or drives the attempt terminal.
func (m *Machine) runStage(parent, runCtx context.Context, lifecycle *fsm.FSM, att *Attempt, def Definition) {
	exec := m.execs[def.Stage]
	deviceID := att.DeviceID()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryDelay
	bo.MaxElapsedTime = 0

	for {
		// Attempt-level timeout and cancellation outrank any stage policy.
		if runCtx.Err() != nil {
			if parent.Err() != nil {
				m.terminate(lifecycle, att, def.Stage, evCancel, ReasonCanceled)
			} else {
				m.terminate(lifecycle, att, def.Stage, evFail, ReasonAttemptTimeout)
			}
			return
		}

		stageCtx, cancelStage := context.WithTimeout(runCtx, def.Timeout)
		started := time.Now()
		result := exec.Execute(stageCtx, att, deviceID)
		cancelStage()
		elapsed := time.Since(started)

		metrics.ObserveStage(def.Stage.String(), elapsed)
		att.Append(HistoryEntry{
			Stage:      def.Stage.String(),
			Ordinal:    def.Stage.Ordinal(),
			Outcome:    result.Status.String(),
			Reason:     result.Reason,
			StartedAt:  started,
			DurationMS: elapsed.Milliseconds(),
		})
		log.WithFields(log.Fields{
			"event":     "stage_executed",
			"attemptID": att.ID,
			"device":    deviceID,
			"stage":     def.Stage.String(),
			"outcome":   result.Status.String(),
			"reason":    result.Reason,
			"elapsed":   elapsed.String(),
		}).Debug("stage executed")

		switch result.Status {
		case StatusCompleted:
			att.MergeFields(result.Data)
			att.ResetNotFound(def.Stage)
			return
		case StatusFatal:
			// A stage timing out because the whole attempt timed out is an
			// attempt timeout, not a stage verdict.
			if runCtx.Err() != nil && parent.Err() == nil {
				m.terminate(lifecycle, att, def.Stage, evFail, ReasonAttemptTimeout)
				return
			}
			m.terminate(lifecycle, att, def.Stage, evFail, result.Reason)
			return
		case StatusRetryable:
			if runCtx.Err() != nil {
				continue // precedence handled at loop top
			}
			if result.Reason == ReasonAnchorNotFound {
				if att.IncNotFound(def.Stage) >= def.StuckCeiling {
					m.terminate(lifecycle, att, def.Stage, evFail, ReasonScreenStuck)
					return
				}
			} else {
				att.ResetNotFound(def.Stage)
			}
			if att.IncRetry(def.Stage) > def.MaxRetries {
				m.terminate(lifecycle, att, def.Stage, evFail, ReasonRetryExhausted)
				return
			}
			metrics.StageRetried(def.Stage.String())
			if def.Idempotency == MustCompensate {
				// Never blindly repeat a paid reservation: release the held
				// number before the stage may run again.
				m.compensate(att)
			}
			select {
			case <-runCtx.Done():
			case <-time.After(bo.NextBackOff()):
			}
		}
	}
}

func (m *Machine) terminate(lifecycle *fsm.FSM, att *Attempt, stage Stage, event, reason string) {
	if err := lifecycle.Event(context.Background(), event); err != nil {
		log.WithFields(log.Fields{
			"event":     "lifecycle_transition_rejected",
			"attemptID": att.ID,
			"stage":     stage.String(),
		}).Error(err)
		return
	}
	att.Fail(stage.String(), reason)
}

// compensate releases any phone number the attempt still holds. Used on
// PhoneRequest retries and at every terminal transition, so a reservation
// can never leak past its attempt.
func (m *Machine) compensate(att *Attempt) {
	res := att.TakeReservation()
	if res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.ReleaseNumber(ctx, res); err != nil {
		log.WithFields(log.Fields{
			"event":     "number_release_failed",
			"attemptID": att.ID,
			"handle":    res.Handle,
		}).Error(err)
		return
	}
	log.WithFields(log.Fields{
		"event":     "number_released",
		"attemptID": att.ID,
		"handle":    res.Handle,
	}).Debug("released phone number")
}
