package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freundallein/enroller/control"
	"github.com/freundallein/enroller/devicepool"
	"github.com/freundallein/enroller/sink"
	"github.com/freundallein/enroller/workflow"
)

func fastMachine(client control.Client) *workflow.Machine {
	return workflow.NewMachine(client, workflow.MachineConfig{
		Definitions: workflow.DefaultDefinitions(workflow.StageConfig{
			StageTimeout:     2 * time.Second,
			MaxRetries:       3,
			StuckCeiling:     5,
			CodePollInterval: time.Millisecond,
			CodeWaitBudget:   time.Second,
		}),
		GlobalTimeout: 30 * time.Second,
		RetryDelay:    time.Millisecond,
		AnchorPoll:    time.Millisecond,
	})
}

func fastPool(client control.Client, devices []string) *devicepool.Pool {
	return devicepool.New(client, devicepool.Config{
		Devices:            devices,
		AdmissionTimeout:   10 * time.Second,
		HealthInterval:     10 * time.Millisecond,
		QuarantineCooldown: time.Millisecond,
		MaxHealthFailures:  3,
	})
}

func drain(results <-chan *workflow.Record) []*workflow.Record {
	var out []*workflow.Record
	for rec := range results {
		out = append(out, rec)
	}
	return out
}

func TestSubmitRunsEveryAttemptToTerminal(t *testing.T) {
	t.Parallel()
	devices := []string{"emu-01", "emu-02"}
	client := control.NewSimulated(control.SimConfig{
		Devices:        devices,
		CodeAfterPolls: 2,
	})
	pool := fastPool(client, devices)
	mem := sink.NewMemory()
	svc := New(pool, fastMachine(client), mem, Config{MaxConcurrent: 2, Country: "US"})

	ids, results := svc.Submit(context.Background(), 5, Options{})
	require.Len(t, ids, 5)

	records := drain(results)
	require.Len(t, records, 5)
	seen := map[string]bool{}
	for _, rec := range records {
		require.Equal(t, workflow.SUCCESS, rec.Outcome, "reason=%s stage=%s", rec.FailureReason, rec.FailureStage)
		require.NotEmpty(t, rec.Fields["username"])
		require.NotEmpty(t, rec.Fields["code"])
		seen[rec.AttemptID] = true
	}
	for _, id := range ids {
		require.True(t, seen[id], "missing terminal record for %s", id)
	}
	require.Len(t, mem.Records(), 5)

	// The stage histories of attempts sharing a device must not interleave.
	type interval struct{ start, end time.Time }
	byDevice := map[string][]interval{}
	for _, rec := range records {
		require.NotEmpty(t, rec.History)
		first := rec.History[0]
		last := rec.History[len(rec.History)-1]
		byDevice[rec.DeviceID] = append(byDevice[rec.DeviceID], interval{
			start: first.StartedAt,
			end:   last.StartedAt.Add(time.Duration(last.DurationMS) * time.Millisecond),
		})
	}
	for device, intervals := range byDevice {
		for i := range intervals {
			for j := range intervals {
				if i == j {
					continue
				}
				overlapping := intervals[i].start.Before(intervals[j].end) &&
					intervals[j].start.Before(intervals[i].end)
				require.False(t, overlapping, "device %s ran two attempts at once", device)
			}
		}
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	devices := []string{"emu-01", "emu-02", "emu-03", "emu-04", "emu-05"}
	client := control.NewSimulated(control.SimConfig{Devices: devices})
	pool := fastPool(client, devices)
	svc := New(pool, fastMachine(client), sink.NewLog(), Config{MaxConcurrent: 2, Country: "US"})

	stop := make(chan struct{})
	done := make(chan struct{})
	var mu sync.Mutex
	maxBusy := 0
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			busy := pool.Occupancy()[devicepool.BUSY]
			mu.Lock()
			if busy > maxBusy {
				maxBusy = busy
			}
			mu.Unlock()
		}
	}()

	_, results := svc.Submit(context.Background(), 6, Options{})
	records := drain(results)
	close(stop)
	<-done

	require.Len(t, records, 6)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxBusy, 2, "more in-flight attempts than the ceiling allows")
}

func TestCancelPropagatesAndCompensates(t *testing.T) {
	t.Parallel()
	devices := []string{"emu-01"}
	// The code never arrives, so the attempt parks in code_wait.
	client := control.NewSimulated(control.SimConfig{
		Devices:        devices,
		CodeAfterPolls: 1 << 20,
	})
	pool := fastPool(client, devices)
	machine := workflow.NewMachine(client, workflow.MachineConfig{
		Definitions: workflow.DefaultDefinitions(workflow.StageConfig{
			StageTimeout:     2 * time.Second,
			MaxRetries:       3,
			StuckCeiling:     5,
			CodePollInterval: 10 * time.Millisecond,
			CodeWaitBudget:   time.Minute,
		}),
		GlobalTimeout: time.Minute,
		RetryDelay:    time.Millisecond,
		AnchorPoll:    time.Millisecond,
	})
	mem := sink.NewMemory()
	svc := New(pool, machine, mem, Config{MaxConcurrent: 1, Country: "US"})

	ids, results := svc.Submit(context.Background(), 1, Options{})
	id := ids[0]

	require.Eventually(t, func() bool {
		status, err := svc.Status(id)
		return err == nil && status.Stage == "code_wait" && status.Result == workflow.PENDING
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(id))
	records := drain(results)
	require.Len(t, records, 1)
	require.Equal(t, workflow.FAILED, records[0].Outcome)
	require.Equal(t, workflow.ReasonCanceled, records[0].FailureReason)

	// The held number was released and the device went to quarantine.
	reserved, released := client.Reservations()
	require.Equal(t, 1, reserved)
	require.Equal(t, 1, released)
	require.Equal(t, 1, pool.Occupancy()[devicepool.QUARANTINED])

	// Terminal attempts stay queryable and reject further cancellation.
	status, err := svc.Status(id)
	require.NoError(t, err)
	require.Equal(t, workflow.FAILED, status.Result)
	require.ErrorIs(t, svc.Cancel(id), ErrAlreadyTerminal)
}

func TestStatusUnknownAttempt(t *testing.T) {
	t.Parallel()
	devices := []string{"emu-01"}
	client := control.NewSimulated(control.SimConfig{Devices: devices})
	svc := New(fastPool(client, devices), fastMachine(client), sink.NewLog(), Config{MaxConcurrent: 1})

	_, err := svc.Status("nope")
	require.ErrorIs(t, err, ErrUnknownAttempt)
	require.ErrorIs(t, svc.Cancel("nope"), ErrUnknownAttempt)
}

func TestExhaustedPoolFailsAdmission(t *testing.T) {
	t.Parallel()
	devices := []string{"emu-01"}
	client := control.NewSimulated(control.SimConfig{Devices: devices})
	pool := devicepool.New(client, devicepool.Config{
		Devices:          devices,
		AdmissionTimeout: 20 * time.Millisecond,
	})
	// Park the only device so every submission times out on admission.
	_, err := pool.Allocate(context.Background(), "holder")
	require.NoError(t, err)

	mem := sink.NewMemory()
	svc := New(pool, fastMachine(client), mem, Config{MaxConcurrent: 2, Country: "US"})
	_, results := svc.Submit(context.Background(), 2, Options{})
	records := drain(results)

	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, workflow.FAILED, rec.Outcome)
		require.Equal(t, workflow.ReasonNoDevice, rec.FailureReason)
		require.Empty(t, rec.Fields)
	}
	require.Len(t, mem.Records(), 2)
}
