package workflow

import (
	"context"
	"errors"
	"time"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/control"
)

// phoneExecutor reserves a number from the provider and submits it. The
// stage is not idempotent: a reservation costs money, so the machine must
// release any held number before this executor runs again.
type phoneExecutor struct {
	base
}

func (e *phoneExecutor) Stage() Stage { return StagePhoneRequest }

func (e *phoneExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	if att.Reservation() != nil {
		// A prior reservation was never compensated; refusing to reserve a
		// second number is the invariant, not an optimization.
		return Fatal(ReasonUnreleasedNumber)
	}
	res, err := e.client.ReserveNumber(ctx, att.Country)
	if err != nil {
		return classify(err)
	}
	att.SetReservation(res)
	log.WithFields(log.Fields{
		"event":     "number_reserved",
		"attemptID": att.ID,
		"handle":    res.Handle,
	}).Debug("reserved phone number")

	if failed := e.fillField(ctx, deviceID, anchorPhone, res.Number); failed != nil {
		return *failed
	}
	if failed := e.tapAnchor(ctx, deviceID, anchorNext); failed != nil {
		return *failed
	}
	if _, failed := e.await(ctx, deviceID, anchorCode); failed != nil {
		return *failed
	}
	return Completed(map[string]string{"number": res.Number})
}

// codeWaitExecutor polls the provider on a fixed interval within a wait
// budget, then types the received code into the verification screen.
type codeWaitExecutor struct {
	base
	pollInterval time.Duration
	waitBudget   time.Duration
}

func (e *codeWaitExecutor) Stage() Stage { return StageCodeWait }

func (e *codeWaitExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	res := att.Reservation()
	if res == nil {
		return Fatal(ReasonNoReservation)
	}
	deadline := time.Now().Add(e.waitBudget)
	var code string
	for {
		received, err := e.client.PollCode(ctx, res)
		switch {
		case err == nil:
			code = received
		case errors.Is(err, control.ErrCodePending):
			if time.Now().After(deadline) {
				return Fatal(ReasonCodeTimeout)
			}
			select {
			case <-ctx.Done():
				return Retryable(ReasonStageTimeout)
			case <-time.After(e.pollInterval):
			}
			continue
		case errors.Is(err, control.ErrNumberExpired):
			return Fatal(ReasonNumberExpired)
		default:
			return classify(err)
		}
		break
	}
	log.WithFields(log.Fields{
		"event":     "code_received",
		"attemptID": att.ID,
	}).Debug("verification code received")

	if failed := e.fillField(ctx, deviceID, anchorCode, code); failed != nil {
		return *failed
	}
	if failed := e.tapAnchor(ctx, deviceID, anchorVerifyBtn); failed != nil {
		return *failed
	}
	if _, failed := e.await(ctx, deviceID, anchorBirthday); failed != nil {
		return *failed
	}
	return Completed(map[string]string{"code": code})
}
