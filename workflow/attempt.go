package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freundallein/enroller/control"
)

// Result - terminal state of an attempt.
type Result string

const (
	PENDING Result = "PENDING"
	SUCCESS Result = "SUCCESS"
	FAILED  Result = "FAILED"
)

// HistoryEntry - one executed stage run. History is append-only and ordered
// by ordinal; a retried stage appends a new entry.
type HistoryEntry struct {
	Stage      string    `json:"stage"`
	Ordinal    int       `json:"ordinal"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
}

// Attempt - one end-to-end account creation effort bound to a device. Owned
// by its machine; concurrent readers (status queries) go through Snapshot.
type Attempt struct {
	ID        string
	Country   string
	CreatedAt time.Time

	mu            sync.Mutex
	deviceID      string
	stage         Stage
	history       []HistoryEntry
	retries       map[Stage]int
	notFound      map[Stage]int
	result        Result
	failureStage  string
	failureReason string
	identity      Identity
	fields        map[string]string
	reservation   *control.Reservation
	finishedAt    time.Time
}

// NewAttempt ...
func NewAttempt(country string) *Attempt {
	identity := NewIdentity()
	return &Attempt{
		ID:        uuid.NewString(),
		Country:   country,
		CreatedAt: time.Now(),
		stage:     StageInit,
		retries:   map[Stage]int{},
		notFound:  map[Stage]int{},
		result:    PENDING,
		identity:  identity,
		fields:    identity.Fields(),
	}
}

// BindDevice ...
func (a *Attempt) BindDevice(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceID = deviceID
}

// DeviceID ...
func (a *Attempt) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

// Identity ...
func (a *Attempt) Identity() Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// EnterStage ...
func (a *Attempt) EnterStage(s Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stage = s
}

// Append records one executed stage run.
func (a *Attempt) Append(entry HistoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, entry)
}

// History returns a copy of the stage history.
func (a *Attempt) History() []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]HistoryEntry{}, a.history...)
}

// IncRetry bumps and returns the retry count for a stage.
func (a *Attempt) IncRetry(s Stage) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retries[s]++
	return a.retries[s]
}

// Retries ...
func (a *Attempt) Retries(s Stage) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retries[s]
}

// IncNotFound bumps the consecutive anchor-miss streak for a stage.
func (a *Attempt) IncNotFound(s Stage) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notFound[s]++
	return a.notFound[s]
}

// ResetNotFound ...
func (a *Attempt) ResetNotFound(s Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notFound[s] = 0
}

// MergeFields ...
func (a *Attempt) MergeFields(data map[string]string) {
	if len(data) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range data {
		a.fields[k] = v
	}
}

// SetReservation ...
func (a *Attempt) SetReservation(res *control.Reservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reservation = res
}

// TakeReservation detaches and returns the held phone number reservation.
func (a *Attempt) TakeReservation() *control.Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.reservation
	a.reservation = nil
	return res
}

// Reservation ...
func (a *Attempt) Reservation() *control.Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservation
}

// Succeed marks the attempt terminal-successful. No stage runs afterward.
func (a *Attempt) Succeed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != PENDING {
		return
	}
	a.result = SUCCESS
	a.finishedAt = time.Now()
}

// Fail marks the attempt terminal-failed with the originating stage.
func (a *Attempt) Fail(stage string, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != PENDING {
		return
	}
	a.result = FAILED
	a.failureStage = stage
	a.failureReason = reason
	a.finishedAt = time.Now()
}

// Terminal ...
func (a *Attempt) Terminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result != PENDING
}

// Status - point-in-time external view of an attempt.
type Status struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"deviceId,omitempty"`
	Stage         string         `json:"stage"`
	Result        Result         `json:"result"`
	FailureReason string         `json:"failureReason,omitempty"`
	ElapsedMS     int64          `json:"elapsedMs"`
	History       []HistoryEntry `json:"history"`
}

// Snapshot ...
func (a *Attempt) Snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	elapsed := time.Since(a.CreatedAt)
	if !a.finishedAt.IsZero() {
		elapsed = a.finishedAt.Sub(a.CreatedAt)
	}
	return Status{
		ID:            a.ID,
		DeviceID:      a.deviceID,
		Stage:         a.stage.String(),
		Result:        a.result,
		FailureReason: a.failureReason,
		ElapsedMS:     elapsed.Milliseconds(),
		History:       append([]HistoryEntry{}, a.history...),
	}
}

// Record - the terminal export handed to the result sink, one per attempt.
type Record struct {
	AttemptID     string            `json:"attemptId"`
	DeviceID      string            `json:"deviceId,omitempty"`
	Outcome       Result            `json:"outcome"`
	FailureStage  string            `json:"failureStage,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	History       []HistoryEntry    `json:"history"`
	Fields        map[string]string `json:"fields,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
}

// Record builds the terminal record. Partial progress is never discarded;
// the full history travels with the outcome.
func (a *Attempt) Record() *Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	fields := make(map[string]string, len(a.fields))
	if a.result == SUCCESS {
		for k, v := range a.fields {
			fields[k] = v
		}
	}
	return &Record{
		AttemptID:     a.ID,
		DeviceID:      a.deviceID,
		Outcome:       a.result,
		FailureStage:  a.failureStage,
		FailureReason: a.failureReason,
		History:       append([]HistoryEntry{}, a.history...),
		Fields:        fields,
		StartedAt:     a.CreatedAt,
		FinishedAt:    a.finishedAt,
	}
}
