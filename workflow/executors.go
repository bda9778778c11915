package workflow

import (
	"context"
	"time"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/control"
)

// UI anchors the executors wait for.
const (
	anchorHome       = "Home"
	anchorCreate     = "Create account"
	anchorFirstName  = "First name"
	anchorLastName   = "Last name"
	anchorUsername   = "Username"
	anchorPassword   = "Password"
	anchorNext       = "Next"
	anchorPhone      = "Phone number"
	anchorCode       = "Verification code"
	anchorVerifyBtn  = "Verify"
	anchorBirthday   = "Birthday"
	anchorGender     = "Gender"
	anchorWelcome    = "Welcome"
	maxSetupScreens  = 5
	defaultAnchorPoll = 500 * time.Millisecond
)

// setup screens carry one of these dismiss buttons.
var setupAnchors = []string{anchorNext, "I agree", "Skip", "Accept"}

// Executor implements one stage. Execute never returns an error; every
// failure comes back classified as a StageResult.
type Executor interface {
	Stage() Stage
	Execute(ctx context.Context, att *Attempt, deviceID string) StageResult
}

// base - shared capture/locate/act skeleton for anchor-driven executors.
type base struct {
	client control.Client
	poll   time.Duration
}

func (b base) interval() time.Duration {
	if b.poll > 0 {
		return b.poll
	}
	return defaultAnchorPoll
}

// classify normalizes a facade error into a stage result.
func classify(err error) StageResult {
	switch control.KindOf(err) {
	case control.KindFatal:
		return Fatal(ReasonDeviceUnreachable)
	case control.KindExhausted:
		return Fatal(ReasonProviderExhausted)
	default:
		return Retryable(err.Error())
	}
}

// await polls capture+locate for an anchor until it shows up or the stage
// deadline passes. An absent anchor at deadline is retryable; escalation to
// fatal (screen presumed stuck) happens in the machine once the consecutive
// miss streak exceeds the stage ceiling.
func (b base) await(ctx context.Context, deviceID, target string) (*control.Region, *StageResult) {
	for {
		screen, err := b.client.CaptureScreen(ctx, deviceID)
		if err != nil {
			res := classify(err)
			return nil, &res
		}
		region, err := b.client.Locate(ctx, screen, target)
		if err != nil {
			res := classify(err)
			return nil, &res
		}
		if region != nil && region.Confidence >= control.MinConfidence {
			return region, nil
		}
		select {
		case <-ctx.Done():
			res := Retryable(ReasonAnchorNotFound)
			return nil, &res
		case <-time.After(b.interval()):
		}
	}
}

// tapAnchor waits for an anchor and taps it.
func (b base) tapAnchor(ctx context.Context, deviceID, target string) *StageResult {
	region, failed := b.await(ctx, deviceID, target)
	if failed != nil {
		return failed
	}
	if err := b.client.Tap(ctx, deviceID, region); err != nil {
		res := classify(err)
		return &res
	}
	return nil
}

// fillField taps the labelled input and types the value into it.
func (b base) fillField(ctx context.Context, deviceID, label, value string) *StageResult {
	if failed := b.tapAnchor(ctx, deviceID, label); failed != nil {
		return failed
	}
	if err := b.client.Type(ctx, deviceID, value); err != nil {
		res := classify(err)
		return &res
	}
	return nil
}

// initExecutor brings the device into a known state: liveness check, surface
// reset, home screen visible.
type initExecutor struct {
	base
}

func (e *initExecutor) Stage() Stage { return StageInit }

func (e *initExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	if err := e.client.CheckHealth(ctx, deviceID); err != nil {
		return classify(err)
	}
	if err := e.client.ClearSurface(ctx, deviceID); err != nil {
		return classify(err)
	}
	if _, failed := e.await(ctx, deviceID, anchorHome); failed != nil {
		return *failed
	}
	return Completed(nil)
}

// launchExecutor opens the registration surface and enters the signup flow.
type launchExecutor struct {
	base
}

func (e *launchExecutor) Stage() Stage { return StageSurfaceLaunch }

func (e *launchExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	if err := e.client.LaunchSurface(ctx, deviceID); err != nil {
		return classify(err)
	}
	if failed := e.tapAnchor(ctx, deviceID, anchorCreate); failed != nil {
		return *failed
	}
	// Post-condition: the form is on screen.
	if _, failed := e.await(ctx, deviceID, anchorFirstName); failed != nil {
		return *failed
	}
	return Completed(nil)
}

// formExecutor fills the main registration form.
type formExecutor struct {
	base
}

func (e *formExecutor) Stage() Stage { return StageFormFill }

func (e *formExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	identity := att.Identity()
	fields := []struct {
		label string
		value string
	}{
		{anchorFirstName, identity.GivenName},
		{anchorLastName, identity.Surname},
		{anchorUsername, identity.Username},
		{anchorPassword, identity.Password},
	}
	for _, f := range fields {
		if failed := e.fillField(ctx, deviceID, f.label, f.value); failed != nil {
			return *failed
		}
	}
	if failed := e.tapAnchor(ctx, deviceID, anchorNext); failed != nil {
		return *failed
	}
	if _, failed := e.await(ctx, deviceID, anchorPhone); failed != nil {
		return *failed
	}
	return Completed(nil)
}

// supplementalExecutor handles the trailing setup screens: birthday, gender
// and a bounded walk over whatever confirmation screens follow.
type supplementalExecutor struct {
	base
}

func (e *supplementalExecutor) Stage() Stage { return StageSupplementalFill }

func (e *supplementalExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	identity := att.Identity()
	if failed := e.fillField(ctx, deviceID, anchorBirthday, identity.BirthDate); failed != nil {
		return *failed
	}
	if failed := e.fillField(ctx, deviceID, anchorGender, identity.Gender); failed != nil {
		return *failed
	}
	for step := 0; step < maxSetupScreens; step++ {
		screen, err := e.client.CaptureScreen(ctx, deviceID)
		if err != nil {
			return classify(err)
		}
		if region, err := e.client.Locate(ctx, screen, anchorWelcome); err == nil && region != nil {
			return Completed(nil)
		} else if err != nil {
			return classify(err)
		}
		tapped := false
		for _, target := range setupAnchors {
			region, err := e.client.Locate(ctx, screen, target)
			if err != nil {
				return classify(err)
			}
			if region == nil || region.Confidence < control.MinConfidence {
				continue
			}
			if err := e.client.Tap(ctx, deviceID, region); err != nil {
				return classify(err)
			}
			tapped = true
			break
		}
		if !tapped {
			log.WithFields(log.Fields{
				"event":     "setup_screen_unrecognized",
				"attemptID": att.ID,
				"device":    deviceID,
				"step":      step,
			}).Debug("no dismiss anchor on setup screen")
			return Retryable(ReasonAnchorNotFound)
		}
	}
	// Walked the whole budget without reaching the landing screen.
	return Retryable(ReasonAnchorNotFound)
}

// verifyExecutor confirms the account is actually usable. Reaching the
// landing surface is the success criterion, not the form submission.
type verifyExecutor struct {
	base
}

func (e *verifyExecutor) Stage() Stage { return StageVerify }

func (e *verifyExecutor) Execute(ctx context.Context, att *Attempt, deviceID string) StageResult {
	if _, failed := e.await(ctx, deviceID, anchorWelcome); failed != nil {
		return *failed
	}
	return Completed(map[string]string{
		"verifiedAt": time.Now().UTC().Format(time.RFC3339),
	})
}
