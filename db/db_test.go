package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/notifier"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

func newDB(t *testing.T) (*DB, *notifier.Notifier) {
	t.Helper()
	n := notifier.New()
	d, err := Make(":memory:", n)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, n
}

func record(id string) models.RunRecord {
	return models.RunRecord{
		Id:       id,
		Pipeline: "ci",
		Trigger: workflow.TriggerEvent{
			Kind:         workflow.TriggerKindPush,
			Branch:       "main",
			ChangedPaths: []string{"main.go"},
		},
		Started: time.Now(),
	}
}

var _ models.StatusSink = (*DB)(nil)

func TestRuns(t *testing.T) {
	d, _ := newDB(t)

	require.NoError(t, d.CreateRun(record("3la")))
	require.NoError(t, d.CreateRun(record("3lb")))

	r, err := d.GetRun("3la")
	require.NoError(t, err)
	assert.Equal(t, "ci", r.Pipeline)
	assert.Equal(t, models.VerdictPending, r.Verdict)
	assert.Equal(t, "main", r.Trigger.Branch)
	assert.Equal(t, []string{"main.go"}, r.Trigger.ChangedPaths)
	assert.True(t, r.Finished.IsZero())

	require.NoError(t, d.FinishRun("3la", models.VerdictFailure))
	r, err = d.GetRun("3la")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFailure, r.Verdict)
	assert.False(t, r.Finished.IsZero())

	runs, err := d.GetRuns("")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "3la", runs[0].Id)

	runs, err = d.GetRuns("3la")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "3lb", runs[0].Id)
}

func TestRuns_NotFound(t *testing.T) {
	d, _ := newDB(t)

	_, err := d.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, d.FinishRun("nope", models.VerdictSuccess), ErrRunNotFound)
}

func TestStatusEvents(t *testing.T) {
	d, n := newDB(t)
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	a := models.InstanceId{RunId: "3la", Job: "test", Index: 0}
	b := models.InstanceId{RunId: "3la", Job: "test", Index: 1}

	require.NoError(t, d.CreateRun(record("3la")))
	require.NoError(t, d.StatusPending(a))
	require.NoError(t, d.StatusPending(b))
	require.NoError(t, d.StatusRunning(a))
	require.NoError(t, d.StatusFailed(a, "step 1 (test): exit code 1"))
	require.NoError(t, d.StatusCancelled(b, "cancelled while pending"))

	select {
	case <-ch:
	default:
		t.Fatal("writes should notify subscribers")
	}

	s, err := d.GetStatus(a)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, "step 1 (test): exit code 1", *s.Error)

	statuses, err := d.GetInstanceStatuses("3la")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, a.String(), statuses[0].Instance)
	assert.Equal(t, models.StatusKindFailed, statuses[0].Status)
	assert.Equal(t, models.StatusKindCancelled, statuses[1].Status)

	_, err = d.GetStatus(models.InstanceId{RunId: "3la", Job: "lint"})
	assert.Error(t, err)
}

func TestGetEvents_Cursor(t *testing.T) {
	d, _ := newDB(t)
	id := models.InstanceId{RunId: "3la", Job: "lint"}

	require.NoError(t, d.CreateRun(record("3la")))
	require.NoError(t, d.StatusPending(id))
	require.NoError(t, d.StatusRunning(id))
	require.NoError(t, d.StatusSucceeded(id))
	require.NoError(t, d.FinishRun("3la", models.VerdictSuccess))

	all, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, EventKindRun, all[0].Kind)
	assert.Equal(t, EventKindRun, all[4].Kind)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Created, all[i-1].Created, "cursors are strictly increasing")
	}

	rest, err := d.GetEvents(all[2].Created)
	require.NoError(t, err)
	require.Len(t, rest, 2)

	var s StatusEvent
	require.NoError(t, json.Unmarshal([]byte(rest[0].EventJson), &s))
	assert.Equal(t, models.StatusKindSucceeded, s.Status)

	var r RunEvent
	require.NoError(t, json.Unmarshal([]byte(rest[1].EventJson), &r))
	assert.Equal(t, models.VerdictSuccess, r.Verdict)
}
