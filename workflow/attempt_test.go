package workflow

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAttemptTerminalIsFinal(t *testing.T) {
	t.Parallel()
	att := NewAttempt("US")
	require.False(t, att.Terminal())

	att.Fail("init", ReasonScreenStuck)
	require.True(t, att.Terminal())

	// A second terminal transition must not rewrite the outcome.
	att.Succeed()
	att.Fail("verify", ReasonAnchorNotFound)
	rec := att.Record()
	require.Equal(t, FAILED, rec.Outcome)
	require.Equal(t, "init", rec.FailureStage)
	require.Equal(t, ReasonScreenStuck, rec.FailureReason)
}

func TestRecordHidesFieldsOnFailure(t *testing.T) {
	t.Parallel()
	att := NewAttempt("US")
	att.MergeFields(map[string]string{"code": "482913"})

	att.Fail("code_wait", ReasonCodeTimeout)
	rec := att.Record()
	require.Empty(t, rec.Fields, "failed attempts must not export credentials")
}

func TestRecordExportsFieldsOnSuccess(t *testing.T) {
	t.Parallel()
	att := NewAttempt("US")
	att.MergeFields(map[string]string{"number": "+15550000001"})
	att.Succeed()

	rec := att.Record()
	require.Equal(t, "+15550000001", rec.Fields["number"])
	require.NotEmpty(t, rec.Fields["username"])
	require.NotEmpty(t, rec.Fields["password"])
}

func TestRecordCarriesFullHistory(t *testing.T) {
	t.Parallel()
	att := NewAttempt("US")
	att.Append(HistoryEntry{Stage: "init", Ordinal: 0, Outcome: "completed"})
	att.Append(HistoryEntry{Stage: "surface_launch", Ordinal: 1, Outcome: "retryable", Reason: ReasonAnchorNotFound})
	att.Fail("surface_launch", ReasonScreenStuck)

	rec := att.Record()
	require.Len(t, rec.History, 2, "partial progress travels with the failure")
}

func TestSnapshotElapsedStopsAtTerminal(t *testing.T) {
	t.Parallel()
	att := NewAttempt("US")
	att.Succeed()
	first := att.Snapshot().ElapsedMS
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, first, att.Snapshot().ElapsedMS)
}

func TestNewIdentityShape(t *testing.T) {
	t.Parallel()
	id := NewIdentity()
	require.NotEmpty(t, id.GivenName)
	require.NotEmpty(t, id.Surname)
	require.Len(t, id.Password, 12)
	require.Regexp(t, regexp.MustCompile(`^[a-z]+\.[a-z]+\d{4}$`), id.Username)
	require.Regexp(t, regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`), id.BirthDate)

	fields := id.Fields()
	require.Equal(t, id.Username, fields["username"])
	require.Equal(t, id.BirthDate, fields["birthDate"])
}
