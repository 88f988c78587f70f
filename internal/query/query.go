// Package query implements the read-only job-status surface: list known
// jobs, list finished-but-not-yet-reaped jobs, and fetch a single job's
// full task breakdown. Multi-node reads (GetInfo and everything built on
// it) hold the coarse /control/lock briefly, so the task statuses they
// aggregate come from one consistent instant rather than interleaving with
// a concurrent reap.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/coord/recipes"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

// Query is the read-only job-status surface.
type Query struct {
	store *coord.Store
	lock  *recipes.SingleLock
}

// New returns a Query bound to store, taking its read-side snapshot lock
// under sess.
func New(store *coord.Store, sess *coord.Session) *Query {
	return &Query{
		store: store,
		lock:  recipes.NewSingleLock(store, sess, schema.ControlLock),
	}
}

// GetJobs lists every job currently known to the store, finished or not. A
// namespace that has never seen a submission yields an empty list.
func (q *Query) GetJobs() ([]types.JobID, error) {
	names, err := q.store.Children(schema.ControlJobs)
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: list jobs: %w", err)
	}
	out := make([]types.JobID, 0, len(names))
	for _, n := range names {
		out = append(out, types.JobID(n))
	}
	return out, nil
}

// GetFinished lists jobs that have been split and whose every task has
// reached TaskFinished, but that the collector has not yet reaped. Once the
// collector's control sweep runs, a finished job disappears from GetJobs
// entirely rather than lingering in GetFinished.
func (q *Query) GetFinished(ctx context.Context) ([]types.JobID, error) {
	jobIDs, err := q.GetJobs()
	if err != nil {
		return nil, err
	}
	var out []types.JobID
	for _, id := range jobIDs {
		info, err := q.GetInfo(ctx, id)
		if err != nil {
			continue // raced a concurrent reap; simply omit it
		}
		if info.Splitted == 0 {
			continue
		}
		allFinished := true
		for _, t := range info.Tasks {
			if t.Status != types.TaskFinished {
				allFinished = false
				break
			}
		}
		if allFinished {
			out = append(out, id)
		}
	}
	return out, nil
}

// IsFinished reports whether jobID has been split and every task it
// produced has reached TaskFinished - the same predicate the collector's
// control sweep uses to decide reap eligibility.
func (q *Query) IsFinished(ctx context.Context, jobID types.JobID) (bool, error) {
	info, err := q.GetInfo(ctx, jobID)
	if err != nil {
		return false, err
	}
	if info.Splitted == 0 {
		return false, nil
	}
	for _, t := range info.Tasks {
		if t.Status != types.TaskFinished {
			return false, nil
		}
	}
	return true, nil
}

// GetInfo returns jobID's metadata and the status of every task split from
// it, read under the coarse /control/lock so the aggregate reflects one
// instant.
func (q *Query) GetInfo(ctx context.Context, jobID types.JobID) (info types.JobInfo, err error) {
	if ok, eerr := q.store.Exists(schema.JobPath(jobID)); eerr == nil && !ok {
		return types.JobInfo{}, fmt.Errorf("query: get job %s: %w", jobID, coord.ErrNotFound)
	}
	lerr := q.lock.WithLock(ctx, func() error {
		info, err = q.getInfoLocked(jobID)
		return nil
	})
	if lerr != nil {
		return types.JobInfo{}, lerr
	}
	return info, err
}

func (q *Query) getInfoLocked(jobID types.JobID) (types.JobInfo, error) {
	data, err := q.store.Get(schema.JobPath(jobID))
	if err != nil {
		return types.JobInfo{}, fmt.Errorf("query: get job %s: %w", jobID, err)
	}
	var record types.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return types.JobInfo{}, fmt.Errorf("query: decode job record %s: %w", jobID, err)
	}

	cancelled, err := q.store.Exists(schema.CancelPath(jobID))
	if err != nil {
		return types.JobInfo{}, fmt.Errorf("query: check cancel marker %s: %w", jobID, err)
	}

	info := types.JobInfo{
		JobID:     jobID,
		Added:     record.Added,
		Splitted:  record.Splitted,
		Cancelled: cancelled,
		Tasks:     make(map[types.TaskID]types.TaskRecord),
	}

	taskIDs, err := q.store.Children(schema.TasksPath(jobID))
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return info, nil
		}
		return types.JobInfo{}, fmt.Errorf("query: list tasks %s: %w", jobID, err)
	}
	for _, raw := range taskIDs {
		taskID := types.TaskID(raw)
		taskData, err := q.store.Get(schema.TaskPath(jobID, taskID))
		if err != nil {
			continue
		}
		var task types.TaskRecord
		if err := json.Unmarshal(taskData, &task); err != nil {
			return types.JobInfo{}, fmt.Errorf("query: decode task record %s/%s: %w", jobID, taskID, err)
		}
		info.Tasks[taskID] = task
	}
	return info, nil
}
