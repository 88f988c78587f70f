package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

func TestGetJobsListsKnownJobs(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())

	_, err := store.Create(schema.JobPath("job-a"), nil, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)
	_, err = store.Create(schema.JobPath("job-b"), nil, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	jobs, err := q.GetJobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.JobID{"job-a", "job-b"}, jobs)
}

func TestGetInfoReturnsTasksAndCancelledFlag(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())

	jobID := types.JobID("job-c")
	record := types.JobRecord{Added: 123, Splitted: 456}
	recordData, err := json.Marshal(record)
	require.NoError(t, err)
	_, err = store.Create(schema.JobPath(jobID), recordData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	taskID := types.TaskID("task-c1")
	task := types.TaskRecord{Status: types.TaskReady}
	taskData, err := json.Marshal(task)
	require.NoError(t, err)
	_, err = store.Create(schema.TaskPath(jobID, taskID), taskData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	_, err = store.Create(schema.CancelPath(jobID), nil, coord.CreateFlags{})
	require.NoError(t, err)

	info, err := q.GetInfo(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(123), info.Added)
	assert.Equal(t, int64(456), info.Splitted)
	assert.True(t, info.Cancelled)
	require.Contains(t, info.Tasks, taskID)
	assert.Equal(t, types.TaskReady, info.Tasks[taskID].Status)
}

func TestGetInfoUnknownJobErrors(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())
	_, err := q.GetInfo(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestGetFinishedOnlyReturnsFullyFinishedJobs(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())

	finishedJob := types.JobID("finished-job")
	record := types.JobRecord{Splitted: 1}
	recordData, _ := json.Marshal(record)
	_, err := store.Create(schema.JobPath(finishedJob), recordData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)
	task := types.TaskRecord{Status: types.TaskFinished}
	taskData, _ := json.Marshal(task)
	_, err = store.Create(schema.TaskPath(finishedJob, "t1"), taskData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	pendingJob := types.JobID("pending-job")
	_, err = store.Create(schema.JobPath(pendingJob), recordData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)
	pendingTask := types.TaskRecord{Status: types.TaskReady}
	pendingTaskData, _ := json.Marshal(pendingTask)
	_, err = store.Create(schema.TaskPath(pendingJob, "t2"), pendingTaskData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	finished, err := q.GetFinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{finishedJob}, finished)

	ok, err := q.IsFinished(context.Background(), finishedJob)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.IsFinished(context.Background(), pendingJob)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsFinishedFalseBeforeSplit(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())

	jobID := types.JobID("unsplit-job")
	record := types.JobRecord{Splitted: 0}
	recordData, err := json.Marshal(record)
	require.NoError(t, err)
	_, err = store.Create(schema.JobPath(jobID), recordData, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)
	_, err = store.Create(schema.TasksPath(jobID), nil, coord.CreateFlags{MakePath: true})
	require.NoError(t, err)

	ok, err := q.IsFinished(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, ok, "a job with no splitted stamp has no tasks yet and cannot be finished")
}

func TestIsFinishedUnknownJobErrors(t *testing.T) {
	store := coord.NewMemStore()
	q := New(store, store.NewSession())
	_, err := q.IsFinished(context.Background(), "nonexistent")
	assert.Error(t, err)
}
