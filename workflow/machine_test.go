package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freundallein/enroller/control"
)

// stubClient is a scriptable control.Client. Every hook is optional; the
// default behavior is instant success with every anchor present. Hooks run
// with the stub lock held, so they may read stub counters directly.
type stubClient struct {
	mu          sync.Mutex
	locateFn    func(target string, call int) bool
	healthFn    func() error
	pollFn      func(call int) (string, error)
	locateCalls int
	pollCalls   int
	reserveSeq  int
	events      []string
}

func (c *stubClient) record(event string) {
	c.events = append(c.events, event)
}

func (c *stubClient) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.events...)
}

func (c *stubClient) counts(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

func (c *stubClient) ListDevices(ctx context.Context) ([]string, error) {
	return []string{"dev-1"}, nil
}

func (c *stubClient) CheckHealth(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthFn != nil {
		return c.healthFn()
	}
	return nil
}

func (c *stubClient) CaptureScreen(ctx context.Context, deviceID string) (*control.Screen, error) {
	return &control.Screen{DeviceID: deviceID, CapturedAt: time.Now()}, nil
}

func (c *stubClient) Locate(ctx context.Context, screen *control.Screen, target string) (*control.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locateCalls++
	if c.locateFn != nil && !c.locateFn(target, c.locateCalls) {
		return nil, nil
	}
	return &control.Region{Width: 10, Height: 10, Confidence: 0.9}, nil
}

func (c *stubClient) Tap(ctx context.Context, deviceID string, region *control.Region) error {
	return nil
}

func (c *stubClient) Type(ctx context.Context, deviceID, text string) error {
	return nil
}

func (c *stubClient) LaunchSurface(ctx context.Context, deviceID string) error {
	return nil
}

func (c *stubClient) ClearSurface(ctx context.Context, deviceID string) error {
	return nil
}

func (c *stubClient) ReserveNumber(ctx context.Context, country string) (*control.Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveSeq++
	c.record("reserve")
	return &control.Reservation{
		Handle:  fmt.Sprintf("res-%d", c.reserveSeq),
		Number:  fmt.Sprintf("+1555%07d", c.reserveSeq),
		Country: country,
	}, nil
}

func (c *stubClient) PollCode(ctx context.Context, res *control.Reservation) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollCalls++
	if c.pollFn != nil {
		return c.pollFn(c.pollCalls)
	}
	return "482913", nil
}

func (c *stubClient) ReleaseNumber(ctx context.Context, res *control.Reservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("release")
	return nil
}

func testDefs(stages ...Stage) Definitions {
	defs := make(Definitions, 0, len(stages))
	for _, s := range stages {
		def := Definition{
			Stage:        s,
			Timeout:      200 * time.Millisecond,
			MaxRetries:   3,
			StuckCeiling: 3,
		}
		switch s {
		case StagePhoneRequest:
			def.Idempotency = MustCompensate
		case StageCodeWait:
			def.PollInterval = time.Millisecond
			def.WaitBudget = 100 * time.Millisecond
			def.Timeout = time.Second
		}
		defs = append(defs, def)
	}
	return defs
}

func allStages() []Stage {
	return []Stage{
		StageInit, StageSurfaceLaunch, StageFormFill, StagePhoneRequest,
		StageCodeWait, StageSupplementalFill, StageVerify,
	}
}

func newTestMachine(client control.Client, defs Definitions) *Machine {
	return NewMachine(client, MachineConfig{
		Definitions:   defs,
		GlobalTimeout: 5 * time.Second,
		RetryDelay:    time.Millisecond,
		AnchorPoll:    5 * time.Millisecond,
	})
}

func runAttempt(t *testing.T, m *Machine) *Record {
	t.Helper()
	att := NewAttempt("US")
	att.BindDevice("dev-1")
	return m.Run(context.Background(), att)
}

func TestMachineHappyPath(t *testing.T) {
	t.Parallel()
	client := &stubClient{}
	m := newTestMachine(client, testDefs(allStages()...))
	rec := runAttempt(t, m)

	require.Equal(t, SUCCESS, rec.Outcome)
	require.Empty(t, rec.FailureReason)
	require.Len(t, rec.History, len(allStages()))
	for i, entry := range rec.History {
		require.Equal(t, "completed", entry.Outcome)
		require.Equal(t, i, entry.Ordinal)
	}
	require.Equal(t, "482913", rec.Fields["code"])
	require.NotEmpty(t, rec.Fields["username"])
	require.NotEmpty(t, rec.Fields["number"])

	// The reserved number is released at terminal, success included.
	require.Equal(t, 1, client.counts("reserve"))
	require.Equal(t, 1, client.counts("release"))
}

func TestHistoryOrdinalsMonotonic(t *testing.T) {
	t.Parallel()
	client := &stubClient{}
	m := newTestMachine(client, testDefs(allStages()...))
	rec := runAttempt(t, m)

	prev := -1
	for _, entry := range rec.History {
		require.GreaterOrEqual(t, entry.Ordinal, prev, "history must be ordinal-monotonic")
		require.LessOrEqual(t, entry.Ordinal-prev, 1, "no stage may be skipped")
		prev = entry.Ordinal
	}
}

func TestAlwaysAbsentEscalatesToScreenStuck(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		locateFn: func(string, int) bool { return false },
	}
	defs := testDefs(StageInit)
	defs[0].Timeout = 20 * time.Millisecond
	defs[0].MaxRetries = 100
	m := newTestMachine(client, defs)
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonScreenStuck, rec.FailureReason)
	require.Equal(t, "init", rec.FailureStage)
	// One history entry per executor run, the ceiling bounds them.
	require.Len(t, rec.History, defs[0].StuckCeiling)
	for _, entry := range rec.History {
		require.Equal(t, "retryable", entry.Outcome)
		require.Equal(t, ReasonAnchorNotFound, entry.Reason)
	}
}

func TestRetryCeilingExhaustion(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		locateFn: func(string, int) bool { return false },
	}
	defs := testDefs(StageInit)
	defs[0].Timeout = 20 * time.Millisecond
	defs[0].MaxRetries = 2
	defs[0].StuckCeiling = 100
	m := newTestMachine(client, defs)
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonRetryExhausted, rec.FailureReason)
	// Initial run plus MaxRetries re-runs, never indefinite.
	require.Len(t, rec.History, defs[0].MaxRetries+1)
}

func TestCompletesExactlyAtNthRun(t *testing.T) {
	t.Parallel()
	const n = 3
	client := &stubClient{
		// Each run locates exactly once (the anchor poll outlasts the stage
		// timeout), so the call number is the run number.
		locateFn: func(target string, call int) bool { return call >= n },
	}
	defs := testDefs(StageInit)
	defs[0].Timeout = 30 * time.Millisecond
	defs[0].MaxRetries = 5
	defs[0].StuckCeiling = 10
	m := NewMachine(client, MachineConfig{
		Definitions:   defs,
		GlobalTimeout: 5 * time.Second,
		RetryDelay:    time.Millisecond,
		AnchorPoll:    time.Minute,
	})
	rec := runAttempt(t, m)

	require.Equal(t, SUCCESS, rec.Outcome)
	require.Len(t, rec.History, n)
	require.Equal(t, "completed", rec.History[n-1].Outcome)
	for _, entry := range rec.History[:n-1] {
		require.Equal(t, "retryable", entry.Outcome)
	}
}

func TestCodeWaitPendingThenReceived(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		pollFn: func(call int) (string, error) {
			if call < 5 {
				return "", control.Transient("poll_code", control.ErrCodePending)
			}
			return "482913", nil
		},
	}
	m := newTestMachine(client, testDefs(StagePhoneRequest, StageCodeWait))
	rec := runAttempt(t, m)

	require.Equal(t, SUCCESS, rec.Outcome)
	require.Equal(t, "482913", rec.Fields["code"])
	require.Equal(t, 5, client.pollCalls)
}

func TestCodeWaitBudgetExpires(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		pollFn: func(int) (string, error) {
			return "", control.Transient("poll_code", control.ErrCodePending)
		},
	}
	defs := testDefs(StagePhoneRequest, StageCodeWait)
	defs[1].WaitBudget = 20 * time.Millisecond
	defs[1].PollInterval = time.Millisecond
	m := newTestMachine(client, defs)
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonCodeTimeout, rec.FailureReason)
	require.Equal(t, "code_wait", rec.FailureStage)
}

func TestCodeWaitNumberExpired(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		pollFn: func(int) (string, error) {
			return "", control.Fatal("poll_code", control.ErrNumberExpired)
		},
	}
	m := newTestMachine(client, testDefs(StagePhoneRequest, StageCodeWait))
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonNumberExpired, rec.FailureReason)
}

func TestGlobalTimeoutOverridesRetryBudget(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		locateFn: func(string, int) bool { return false },
	}
	defs := testDefs(StageInit)
	defs[0].Timeout = 10 * time.Millisecond
	defs[0].MaxRetries = 5
	defs[0].StuckCeiling = 100
	m := NewMachine(client, MachineConfig{
		Definitions:   defs,
		GlobalTimeout: 35 * time.Millisecond,
		RetryDelay:    5 * time.Millisecond,
		AnchorPoll:    time.Minute,
	})
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonAttemptTimeout, rec.FailureReason,
		"mid-retry global timeout must report attempt_timeout, not retry_exhausted")
	require.Less(t, len(rec.History), defs[0].MaxRetries+1)
}

func TestPhoneRetryReleasesPriorReservation(t *testing.T) {
	t.Parallel()
	client := &stubClient{}
	// The phone input anchor is missing for the first reservation only, so
	// the stage retries exactly once.
	client.locateFn = func(target string, call int) bool {
		if target != "Phone number" {
			return true
		}
		return client.reserveSeq > 1
	}
	defs := testDefs(StagePhoneRequest)
	defs[0].Timeout = 30 * time.Millisecond
	m := NewMachine(client, MachineConfig{
		Definitions:   defs,
		GlobalTimeout: 5 * time.Second,
		RetryDelay:    time.Millisecond,
		AnchorPoll:    time.Minute,
	})
	rec := runAttempt(t, m)

	require.Equal(t, SUCCESS, rec.Outcome)
	require.Equal(t, 2, client.counts("reserve"))
	require.Equal(t, 2, client.counts("release"))

	// Never two reservations without a release between them.
	depth := 0
	for _, event := range client.Events() {
		switch event {
		case "reserve":
			depth++
		case "release":
			depth--
		}
		require.LessOrEqual(t, depth, 1, "second number reserved before releasing the first")
	}
}

func TestCancellationCompensatesAndTerminates(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		pollFn: func(int) (string, error) {
			return "", control.Transient("poll_code", control.ErrCodePending)
		},
	}
	defs := testDefs(StagePhoneRequest, StageCodeWait)
	defs[1].WaitBudget = 10 * time.Second
	defs[1].Timeout = 10 * time.Second
	m := newTestMachine(client, defs)

	att := NewAttempt("US")
	att.BindDevice("dev-1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	rec := m.Run(ctx, att)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonCanceled, rec.FailureReason)
	require.Equal(t, 1, client.counts("reserve"))
	require.Equal(t, 1, client.counts("release"), "cancellation must release the held number")
	require.True(t, att.Terminal())
}

func TestNoExecutionAfterTerminal(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		healthFn: func() error {
			return control.Fatal("check_health", fmt.Errorf("device gone"))
		},
	}
	m := newTestMachine(client, testDefs(allStages()...))
	rec := runAttempt(t, m)

	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, ReasonDeviceUnreachable, rec.FailureReason)
	require.Equal(t, "init", rec.FailureStage)
	// Only the failed init run is on record, later stages never ran.
	require.Len(t, rec.History, 1)
}
