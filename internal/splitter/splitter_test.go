package splitter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/intake"
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

func setup(t *testing.T) (*coord.Store, *coord.Session, *rules.Registry, *intake.Intake, *Splitter) {
	t.Helper()
	store := coord.NewMemStore()
	sess := store.NewSession()
	registry := rules.NewRegistry()
	in := intake.New(store, sess, registry, nil)
	sp := New(store, sess, registry, nil)
	return store, sess, registry, in, sp
}

func TestSplitCreatesOneTaskPerMatchedHandler(t *testing.T) {
	store, _, registry, in, sp := setup(t)
	registry.Register(rules.HandlerDescriptor{Name: "echo-handler", ExtraFilters: rules.FilterSet{"handler_type": rules.Eq("echo")}})
	registry.Register(rules.HandlerDescriptor{Name: "audit-handler"}) // no filters, matches everything

	event := types.Event{Extra: map[string]interface{}{"handler_type": "echo"}}
	jobID, err := in.SubmitEvent(context.Background(), event, nil)
	require.NoError(t, err)

	require.NoError(t, sp.step(context.Background()))

	taskIDs, err := store.Children(schema.TasksPath(jobID))
	require.NoError(t, err)
	assert.Len(t, taskIDs, 2)

	readyNames, err := store.Children(schema.Ready + "/entries")
	require.NoError(t, err)
	assert.Len(t, readyNames, 2)
}

func TestSplitMarksJobSplitted(t *testing.T) {
	store, _, _, in, sp := setup(t)

	jobID, err := in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)

	require.NoError(t, sp.step(context.Background()))

	data, err := store.Get(schema.JobPath(jobID))
	require.NoError(t, err)
	var record types.JobRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.NotZero(t, record.Splitted)
}

func TestSplitSkipsCancelledJob(t *testing.T) {
	store, _, registry, in, sp := setup(t)
	registry.Register(rules.HandlerDescriptor{Name: "always", ExtraFilters: nil})

	jobID, err := in.SubmitEvent(context.Background(), types.Event{}, nil)
	require.NoError(t, err)
	require.NoError(t, in.Cancel(jobID))

	require.NoError(t, sp.step(context.Background()))

	taskIDs, err := store.Children(schema.TasksPath(jobID))
	require.NoError(t, err)
	assert.Empty(t, taskIDs, "a cancelled job must produce no tasks even if a handler would otherwise match")
}

func TestSplitWithNoMatchingHandlerProducesZeroTasksAndStillSplits(t *testing.T) {
	store, _, registry, in, sp := setup(t)
	registry.Register(rules.HandlerDescriptor{Name: "specific", ExtraFilters: rules.FilterSet{"handler_type": rules.Eq("specific-only")}})

	jobID, err := in.SubmitEvent(context.Background(), types.Event{Extra: map[string]interface{}{"handler_type": "other"}}, nil)
	require.NoError(t, err)

	require.NoError(t, sp.step(context.Background()))

	taskIDs, err := store.Children(schema.TasksPath(jobID))
	require.NoError(t, err)
	assert.Empty(t, taskIDs)

	data, err := store.Get(schema.JobPath(jobID))
	require.NoError(t, err)
	var record types.JobRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.NotZero(t, record.Splitted, "a job with zero matched handlers is still considered split")
}

func TestSplitGatesOnDescriptorHandlerType(t *testing.T) {
	store, _, registry, in, sp := setup(t)
	registry.Register(rules.HandlerDescriptor{Name: "pinger", HandlerType: "ping"})
	registry.Register(rules.HandlerDescriptor{Name: "ponger", HandlerType: "pong"})

	jobID, err := in.SubmitEvent(context.Background(), types.Event{Extra: map[string]interface{}{"handler_type": "ping"}}, nil)
	require.NoError(t, err)

	require.NoError(t, sp.step(context.Background()))

	taskIDs, err := store.Children(schema.TasksPath(jobID))
	require.NoError(t, err)
	assert.Len(t, taskIDs, 1, "only the handler listening on the event's handler_type may fire")
}

func TestSplitSeedsTaskStateWithTheEvent(t *testing.T) {
	store, _, registry, in, sp := setup(t)
	registry.Register(rules.HandlerDescriptor{Name: "always"})

	event := types.Event{Body: map[string]interface{}{"remaining": float64(5)}, Extra: map[string]interface{}{"handler_type": "countdown"}}
	_, err := in.SubmitEvent(context.Background(), event, nil)
	require.NoError(t, err)

	require.NoError(t, sp.step(context.Background()))

	names, err := store.Children(schema.Ready + "/entries")
	require.NoError(t, err)
	require.Len(t, names, 1)

	data, err := store.Get(schema.Ready + "/entries/" + names[0])
	require.NoError(t, err)
	var entry types.ReadyEntry
	require.NoError(t, json.Unmarshal(data, &entry))

	var decoded types.Event
	require.NoError(t, json.Unmarshal(entry.State, &decoded))
	assert.Equal(t, event.Body, decoded.Body, "the first dispatch must see the submitted event as its state")
}
