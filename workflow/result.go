package workflow

// StageStatus - classification of one executor run.
type StageStatus int

const (
	StatusCompleted StageStatus = iota
	StatusRetryable
	StatusFatal
)

func (s StageStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFatal:
		return "fatal"
	default:
		return "retryable"
	}
}

// Failure reasons recorded on history entries and terminal records.
const (
	ReasonAnchorNotFound    = "anchor_not_found"
	ReasonScreenStuck       = "screen_stuck"
	ReasonStageTimeout      = "stage_timeout"
	ReasonCodeTimeout       = "code_timeout"
	ReasonNumberExpired     = "number_expired"
	ReasonNoReservation     = "no_reservation"
	ReasonUnreleasedNumber  = "unreleased_reservation"
	ReasonAttemptTimeout    = "attempt_timeout"
	ReasonRetryExhausted    = "retry_exhausted"
	ReasonCanceled          = "canceled"
	ReasonDeviceUnreachable = "device_unreachable"
	ReasonProviderExhausted = "provider_exhausted"
	ReasonNoDevice          = "no_device_available"
)

// StageResult - the only thing an executor may return. Executors never leak
// errors past their boundary; everything is classified here.
type StageResult struct {
	Status StageStatus
	Reason string
	Data   map[string]string
}

// Completed ...
func Completed(data map[string]string) StageResult {
	return StageResult{Status: StatusCompleted, Data: data}
}

// Retryable ...
func Retryable(reason string) StageResult {
	return StageResult{Status: StatusRetryable, Reason: reason}
}

// Fatal ...
func Fatal(reason string) StageResult {
	return StageResult{Status: StatusFatal, Reason: reason}
}
