package intake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

func TestSubmitEventCreatesJobAndInputEntry(t *testing.T) {
	store := coord.NewMemStore()
	sess := store.NewSession()
	registry := rules.NewRegistry()
	in := New(store, sess, registry, nil)

	event := types.Event{Body: map[string]interface{}{"x": 1}, Extra: map[string]interface{}{"handler_type": "echo"}}
	jobID, err := in.SubmitEvent(context.Background(), event, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	ok, err := store.Exists(schema.JobPath(jobID))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(schema.TasksPath(jobID))
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.Children(schema.InputEntries)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestSubmitEventStampsRegistryVersion(t *testing.T) {
	store := coord.NewMemStore()
	sess := store.NewSession()
	registry := rules.NewRegistry()
	registry.Register(rules.HandlerDescriptor{Name: "echo-handler"})
	in := New(store, sess, registry, nil)

	jobID, err := in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)

	data, err := store.Get(schema.JobPath(jobID))
	require.NoError(t, err)

	var record types.JobRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, registry.Version(), record.Version)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := coord.NewMemStore()
	sess := store.NewSession()
	in := New(store, sess, rules.NewRegistry(), nil)

	jobID, err := in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)

	require.NoError(t, in.Cancel(jobID))
	require.NoError(t, in.Cancel(jobID), "cancelling an already-cancelled job must not error")

	ok, err := store.Exists(schema.CancelPath(jobID))
	require.NoError(t, err)
	assert.True(t, ok)
}

// Submitting three events with input_limit=2: the third is refused with
// ErrOverloaded while the first two become jobs normally.
func TestSubmitEventRejectsOverCapacity(t *testing.T) {
	store := coord.NewMemStore()
	sess := store.NewSession()
	in := New(store, sess, rules.NewRegistry(), nil)
	in.SetInputLimit(2)

	_, err := in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)
	_, err = in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)

	_, err = in.SubmitEvent(context.Background(), types.Event{}, nil)
	assert.ErrorIs(t, err, ErrOverloaded)

	names, err := store.Children(schema.InputEntries)
	require.NoError(t, err)
	assert.Len(t, names, 2, "the rejected submission must not have enqueued an entry")
}

func TestSubmitEventRecordsParents(t *testing.T) {
	store := coord.NewMemStore()
	sess := store.NewSession()
	in := New(store, sess, rules.NewRegistry(), nil)

	parentID := types.JobID("parent-job")
	jobID, err := in.SubmitEvent(context.Background(), types.Event{}, []types.JobID{parentID})
	require.NoError(t, err)

	data, err := store.Get(schema.JobPath(jobID))
	require.NoError(t, err)
	var record types.JobRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, []types.JobID{parentID}, record.Parents)
}
