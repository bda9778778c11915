package workflow

import (
	"time"
)

// Stage - ordered steps of the account registration workflow. The ordinal is
// the iota value; attempts advance through stages in this order only.
type Stage int

const (
	StageInit Stage = iota
	StageSurfaceLaunch
	StageFormFill
	StagePhoneRequest
	StageCodeWait
	StageSupplementalFill
	StageVerify
)

var stageNames = [...]string{
	"init",
	"surface_launch",
	"form_fill",
	"phone_request",
	"code_wait",
	"supplemental_fill",
	"verify",
}

// String ...
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Ordinal ...
func (s Stage) Ordinal() int {
	return int(s)
}

// Idempotency - whether a stage may be blindly re-run on retry.
type Idempotency int

const (
	// SafeToRetry - repeating the stage has no external side effect.
	SafeToRetry Idempotency = iota
	// MustCompensate - the stage acquires an external resource; any held
	// resource must be released before the stage runs again.
	MustCompensate
)

// Definition - immutable, process-wide configuration of one stage.
type Definition struct {
	Stage        Stage
	Timeout      time.Duration
	MaxRetries   int
	StuckCeiling int
	Idempotency  Idempotency

	// CodeWait only.
	PollInterval time.Duration
	WaitBudget   time.Duration
}

// Definitions - the full stage table, ordered by ordinal.
type Definitions []Definition

// StageConfig - knobs shared by all stage definitions.
type StageConfig struct {
	StageTimeout     time.Duration
	MaxRetries       int
	StuckCeiling     int
	CodePollInterval time.Duration
	CodeWaitBudget   time.Duration
}

// DefaultDefinitions builds the stage table from config. CodeWait gets the
// poll budget on top of the shared stage timeout since most of its life is
// spent waiting on the provider.
func DefaultDefinitions(cfg StageConfig) Definitions {
	defs := make(Definitions, 0, len(stageNames))
	for s := StageInit; s <= StageVerify; s++ {
		def := Definition{
			Stage:        s,
			Timeout:      cfg.StageTimeout,
			MaxRetries:   cfg.MaxRetries,
			StuckCeiling: cfg.StuckCeiling,
			Idempotency:  SafeToRetry,
		}
		switch s {
		case StagePhoneRequest:
			def.Idempotency = MustCompensate
		case StageCodeWait:
			def.PollInterval = cfg.CodePollInterval
			def.WaitBudget = cfg.CodeWaitBudget
			def.Timeout = cfg.CodeWaitBudget + cfg.StageTimeout
		}
		defs = append(defs, def)
	}
	return defs
}
