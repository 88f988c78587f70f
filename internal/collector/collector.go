// Package collector implements the two reaping sweeps: the running sweep,
// which detects abandoned tasks (a running node whose ephemeral lock is
// gone) and pushes them back to /ready, and deletes running nodes left over
// after their job was already removed; and the control sweep, which removes fully-finished job
// subtrees once every one of their tasks has reached TaskFinished and the
// done-lifetime has elapsed. Multiple collector processes can sweep the
// same namespace concurrently: per-task and per-job locks serialize them.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/coord/recipes"
	"github.com/ChuLiYu/jobdispatcherd/internal/metrics"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

// Config holds the collector's tunables.
type Config struct {
	RunningSweepInterval time.Duration // how often the running sweep runs
	ControlSweepInterval time.Duration // how often the control sweep runs
	DelayWindow          time.Duration // grace period before a lock-less running node counts as abandoned
	DoneLifetime         time.Duration // how long a finished job lingers before it is reaped; 0 reaps immediately
	RecycledPriority     int           // ready-queue priority for requeued tasks whose record did not preserve one
}

// Collector runs the two background sweeps.
type Collector struct {
	store   *coord.Store
	sess    *coord.Session
	ready   *recipes.AbortableLockingQueue
	lock    *recipes.SingleLock
	cfg     Config
	metrics *metrics.Collector // nil disables metrics recording
	log     *slog.Logger
}

// New returns a Collector. The per-task and per-job locks it takes while
// repairing state are ephemeral nodes owned by sess, so a crashed collector
// never leaves a stale claim behind. mc may be nil.
func New(store *coord.Store, sess *coord.Session, cfg Config, mc *metrics.Collector) *Collector {
	if cfg.RunningSweepInterval <= 0 {
		cfg.RunningSweepInterval = time.Second
	}
	if cfg.ControlSweepInterval <= 0 {
		cfg.ControlSweepInterval = 5 * time.Second
	}
	if cfg.DelayWindow <= 0 {
		cfg.DelayWindow = 10 * time.Second
	}
	if cfg.RecycledPriority <= 0 {
		cfg.RecycledPriority = types.DefaultPriority
	}
	return &Collector{
		store:   store,
		sess:    sess,
		ready:   recipes.NewAbortableLockingQueue(store, sess, schema.Ready),
		lock:    recipes.NewSingleLock(store, sess, schema.ControlLock),
		cfg:     cfg,
		metrics: mc,
		log:     slog.Default().With("component", "collector"),
	}
}

// Run drives both sweeps on their own tickers until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	runningTicker := time.NewTicker(c.cfg.RunningSweepInterval)
	defer runningTicker.Stop()
	controlTicker := time.NewTicker(c.cfg.ControlSweepInterval)
	defer controlTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-runningTicker.C:
			if err := c.pollRunning(); err != nil {
				c.log.Error("collector: running sweep failed", "err", err)
			}
		case <-controlTicker.C:
			if err := c.pollControl(ctx); err != nil {
				c.log.Error("collector: control sweep failed", "err", err)
			}
		}
	}
}

// pollRunning scans /running for tasks whose worker has gone away and
// repairs each: unfinished tasks go back on /ready with their recycled
// timestamp stamped, already-finished stragglers and orphans with no parent
// job are deleted outright. A live worker is never raced: its ephemeral
// lock makes the claim below fail, and the delay window skips any task
// started, created or recycled within the window.
func (c *Collector) pollRunning() error {
	names, err := c.store.Children(schema.Running)
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return nil
		}
		return err
	}

	now := time.Now().UnixMilli()
	for _, raw := range names {
		taskID := types.TaskID(raw)
		runningPath := schema.RunningPath(taskID)
		data, err := c.store.Get(runningPath)
		if err != nil {
			continue // raced a concurrent cleanup; nothing to do
		}
		var record types.RunningRecord
		if err := json.Unmarshal(data, &record); err != nil {
			c.log.Error("collector: decode running record failed", "task_id", taskID, "err", err)
			continue
		}

		task, taskKnown := c.readTask(record.JobID, taskID)

		// Too young to judge: the task was only just (re)started. The next
		// sweep will see past the window.
		threshold := record.Started
		if taskKnown {
			if task.Created > threshold {
				threshold = task.Created
			}
			if task.Recycled > threshold {
				threshold = task.Recycled
			}
		}
		if now-threshold < c.cfg.DelayWindow.Milliseconds() {
			continue
		}

		// Claim the task by taking the same lock node a live worker holds
		// ephemerally. Success means no worker is attached; failure means
		// one is (or another collector got here first) - move on either way.
		taskLock := recipes.NewSingleLock(c.store, c.sess, schema.RunningLockPath(taskID))
		held, err := taskLock.TryAcquire()
		if err != nil {
			c.log.Error("collector: claim running task failed", "task_id", taskID, "err", err)
			continue
		}
		if !held {
			continue
		}

		switch {
		case !taskKnown:
			// No control record: the job was reaped (or never committed its
			// tasks) while this running node lingered. Garbage.
			c.log.Warn("collector: orphan running node with no control record, removing", "task_id", taskID, "job_id", record.JobID)
			c.deleteRunning(taskID, runningPath)
		case task.Finished != 0:
			// The owner finished the task but died before cleaning up the
			// running node. The work is recorded; only the registration is left.
			c.deleteRunning(taskID, runningPath)
		default:
			c.requeueAbandoned(now, taskID, runningPath, record, task)
		}
	}
	return nil
}

// deleteRunning removes a running node and the claim lock just taken on it,
// in one transaction.
func (c *Collector) deleteRunning(taskID types.TaskID, runningPath string) {
	txn := c.store.NewTxn("remove-running", c.sess)
	txn.Delete(schema.RunningLockPath(taskID))
	txn.Delete(runningPath)
	if _, err := txn.Commit(); err != nil {
		c.log.Error("collector: remove running node failed", "task_id", taskID, "err", err)
	}
}

// requeueAbandoned moves an abandoned task back onto /ready: one
// transaction deletes the running node and its lock, appends a fresh ready
// entry carrying the saved continuation state, and stamps recycled on the
// control task, so a crash between any two of those is impossible. The
// entry keeps the priority recorded on the task; recycled_priority applies
// only if the record never carried one.
func (c *Collector) requeueAbandoned(now int64, taskID types.TaskID, runningPath string, record types.RunningRecord, task types.TaskRecord) {
	priority := task.Priority
	if priority <= 0 {
		priority = c.cfg.RecycledPriority
	}

	task.Recycled = now
	taskData, err := json.Marshal(task)
	if err != nil {
		c.log.Error("collector: encode task record failed", "task_id", taskID, "err", err)
		return
	}

	entry := types.ReadyEntry{
		JobID:    record.JobID,
		TaskID:   taskID,
		Handler:  record.Handler,
		State:    record.State,
		Priority: priority,
	}
	entryData, err := json.Marshal(entry)
	if err != nil {
		c.log.Error("collector: encode requeued entry failed", "task_id", taskID, "err", err)
		return
	}

	c.log.Warn("collector: abandoned task, requeueing", "task_id", taskID, "job_id", record.JobID, "handler", record.Handler)
	txn := c.store.NewTxn("requeue-abandoned", c.sess)
	txn.Delete(schema.RunningLockPath(taskID))
	txn.Delete(runningPath)
	c.ready.PutOp(txn, entryData, priority)
	txn.Set(schema.TaskPath(record.JobID, taskID), taskData)
	if _, err := txn.Commit(); err != nil {
		c.log.Error("collector: requeue abandoned task failed", "task_id", taskID, "err", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordRequeued()
	}
}

// pollControl removes every job subtree whose tasks have all finished and
// whose done-lifetime has elapsed. The finished check runs under a brief
// /control/lock so it sees a consistent snapshot; the reap itself is
// guarded by the job's own lock, so two collectors never both tear down
// the same subtree.
func (c *Collector) pollControl(ctx context.Context) error {
	jobIDs, err := c.store.Children(schema.ControlJobs)
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return nil
		}
		return err
	}

	now := time.Now().UnixMilli()
	for _, raw := range jobIDs {
		jobID := types.JobID(raw)

		var finished bool
		var doneAt int64
		if err := c.lock.WithLock(ctx, func() error {
			var ferr error
			finished, doneAt, ferr = c.jobIsFinished(jobID)
			return ferr
		}); err != nil {
			c.log.Error("collector: check job finished failed", "job_id", jobID, "err", err)
			continue
		}
		if !finished || now-doneAt < c.cfg.DoneLifetime.Milliseconds() {
			continue
		}

		jobLock := recipes.NewSingleLock(c.store, c.sess, schema.JobLockPath(jobID))
		held, err := jobLock.TryAcquire()
		if err != nil {
			c.log.Error("collector: claim job for reap failed", "job_id", jobID, "err", err)
			continue
		}
		if !held {
			continue // another collector is reaping this job
		}
		if err := c.removeControl(jobID); err != nil {
			c.log.Error("collector: reap job failed", "job_id", jobID, "err", err)
			_ = jobLock.Release()
		}
	}
	return nil
}

// jobIsFinished reports whether a job has been split and every task it
// produced has reached TaskFinished, along with the moment it became done
// (its latest finish, or the split time for a job with zero tasks). A job
// with zero tasks (nothing matched) is vacuously finished once splitting
// has run.
func (c *Collector) jobIsFinished(jobID types.JobID) (bool, int64, error) {
	data, err := c.store.Get(schema.JobPath(jobID))
	if err != nil {
		return false, 0, err
	}
	var record types.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return false, 0, err
	}
	if record.Splitted == 0 {
		return false, 0, nil
	}

	doneAt := record.Splitted
	taskIDs, err := c.store.Children(schema.TasksPath(jobID))
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			return true, doneAt, nil
		}
		return false, 0, err
	}
	for _, taskID := range taskIDs {
		task, ok := c.readTask(jobID, types.TaskID(taskID))
		if !ok {
			return false, 0, coord.ErrNotFound
		}
		if task.Status != types.TaskFinished {
			return false, 0, nil
		}
		if task.Finished > doneAt {
			doneAt = task.Finished
		}
	}
	return true, doneAt, nil
}

// removeControl deletes a finished job's entire subtree - tasks, the cancel
// marker if present (a cancelled-then-finished job must not leave its
// marker behind), the reap lock just taken, the tasks directory, then the
// job node itself - in one transaction, so a crash mid-reap never leaves a
// half-deleted job subtree. Ops within a transaction apply in order, so
// leaves are deleted before their parent directories.
func (c *Collector) removeControl(jobID types.JobID) error {
	taskIDs, err := c.store.Children(schema.TasksPath(jobID))
	if err != nil && !errors.Is(err, coord.ErrNotFound) {
		return err
	}

	txn := c.store.NewTxn("reap-job", c.sess)
	for _, taskID := range taskIDs {
		txn.Delete(schema.TaskPath(jobID, types.TaskID(taskID)))
	}
	txn.Delete(schema.CancelPath(jobID))
	txn.Delete(schema.JobLockPath(jobID))
	txn.Delete(schema.TasksPath(jobID))
	txn.Delete(schema.JobPath(jobID))
	if _, err := txn.Commit(); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordJobReaped()
	}
	c.log.Info("collector: job reaped", "job_id", jobID)
	return nil
}

func (c *Collector) readTask(jobID types.JobID, taskID types.TaskID) (types.TaskRecord, bool) {
	data, err := c.store.Get(schema.TaskPath(jobID, taskID))
	if err != nil {
		return types.TaskRecord{}, false
	}
	var task types.TaskRecord
	if err := json.Unmarshal(data, &task); err != nil {
		return types.TaskRecord{}, false
	}
	return task, true
}
