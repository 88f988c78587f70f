// Package dispatch implements the worker-side dispatch loop: pull a task
// off /ready, register it as running (with an ephemeral lock child the
// collector's running sweep watches for), run it through an Executor, and
// record the outcome - finished, continued with new state and optional
// spawned sub-tasks, or failed.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/coord/recipes"
	"github.com/ChuLiYu/jobdispatcherd/internal/metrics"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

// failSleep is how long the pull loop pauses after an unexpected queue
// error before retrying.
const failSleep = time.Second

// Dispatcher pulls ready tasks and runs them through an Executor, honoring
// a max_jobs concurrency ceiling with a max_jobs_sleep backoff when at
// capacity.
type Dispatcher struct {
	store        *coord.Store
	sess         *coord.Session
	ready        *recipes.AbortableLockingQueue
	executor     Executor
	maxJobsSleep time.Duration
	sem          chan struct{}
	metrics      *metrics.Collector // nil disables metrics recording
	log          *slog.Logger
}

// Config holds the dispatch loop's tunables.
type Config struct {
	MaxJobs      int           // concurrency ceiling; <=0 means 1
	MaxJobsSleep time.Duration // backoff when at the ceiling; <=0 means 100ms
}

// New returns a Dispatcher bound to store, using sess to hold the ephemeral
// running-lock of every task it dispatches. mc may be nil.
func New(store *coord.Store, sess *coord.Session, executor Executor, cfg Config, mc *metrics.Collector) *Dispatcher {
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	sleep := cfg.MaxJobsSleep
	if sleep <= 0 {
		sleep = 100 * time.Millisecond
	}
	return &Dispatcher{
		store:        store,
		sess:         sess,
		ready:        recipes.NewAbortableLockingQueue(store, sess, schema.Ready),
		executor:     executor,
		maxJobsSleep: sleep,
		sem:          make(chan struct{}, maxJobs),
		metrics:      mc,
		log:          slog.Default().With("component", "dispatcher"),
	}
}

// Run dispatches tasks until ctx is cancelled, blocking callers should run
// it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		case <-time.After(d.maxJobsSleep):
			// At the concurrency ceiling; back off and retry the acquire.
			continue
		}

		entryID, data, err := d.ready.Get(ctx)
		if err != nil {
			<-d.sem
			if errors.Is(err, coord.ErrAborted) {
				return nil
			}
			d.log.Error("dispatch: ready queue get failed", "err", err)
			select {
			case <-time.After(failSleep):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		go func() {
			defer func() { <-d.sem }()
			d.handle(ctx, entryID, data)
		}()
	}
}

func (d *Dispatcher) handle(ctx context.Context, entryID string, data []byte) {
	var entry types.ReadyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		d.log.Error("dispatch: decode ready entry failed", "entry_id", entryID, "err", err)
		_ = d.ready.Consume(entryID)
		return
	}

	cancelled, err := d.store.Exists(schema.CancelPath(entry.JobID))
	if err != nil {
		d.log.Error("dispatch: check cancel marker failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}
	if cancelled {
		// The job was cancelled while this task sat in the queue; short-circuit
		// straight to finished without ever running the handler.
		d.finish(entry, entryID, "")
		return
	}

	if err := d.registerRunning(entry, entryID); err != nil {
		d.log.Error("dispatch: register running failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordDispatch()
	}

	result, execErr := d.executor.Execute(ctx, entry.Handler, entry.State)
	if execErr != nil {
		result = Result{Outcome: Failed, Stack: []byte(execErr.Error())}
	}

	switch result.Outcome {
	case Finished:
		d.finish(entry, entryID, "")
	case Failed:
		msg := string(result.Stack)
		if execErr != nil {
			msg = execErr.Error()
		}
		d.finish(entry, entryID, msg)
	case Continue:
		d.requeue(entry, entryID, result.State, result.Spawned)
	default:
		d.log.Error("dispatch: unknown outcome", "task_id", entry.TaskID, "outcome", result.Outcome)
		_ = d.ready.Abandon(entryID)
	}
}

// registerRunning creates the running record, its ephemeral lock, and marks
// the task ready, then consumes the ready entry - all in one transaction,
// so a crash mid-registration never leaves a dangling ephemeral without a
// parent running record, nor a running record with no ready-entry consume.
func (d *Dispatcher) registerRunning(entry types.ReadyEntry, entryID string) error {
	record := types.RunningRecord{JobID: entry.JobID, Handler: entry.Handler, State: entry.State, Started: time.Now().UnixMilli()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("dispatch: encode running record: %w", err)
	}

	task, err := d.readTask(entry)
	if err != nil {
		return err
	}
	task.Status = types.TaskReady
	if task.Created == 0 {
		task.Created = time.Now().UnixMilli()
	}
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("dispatch: encode task record: %w", err)
	}

	txn := d.store.NewTxn("register-running", d.sess)
	txn.Create(schema.RunningPath(entry.TaskID), data, coord.CreateFlags{MakePath: true})
	txn.Create(schema.RunningLockPath(entry.TaskID), nil, coord.CreateFlags{Ephemeral: true})
	txn.Set(schema.TaskPath(entry.JobID, entry.TaskID), taskData)
	d.ready.ConsumeOp(txn, entryID)
	if _, err := txn.Commit(); err != nil {
		return fmt.Errorf("dispatch: register running: %w", err)
	}
	return nil
}

// finish marks the task finished, deletes its running record and lock, and
// consumes the ready entry in one transaction.
func (d *Dispatcher) finish(entry types.ReadyEntry, entryID, exc string) {
	now := time.Now().UnixMilli()
	task, err := d.readTask(entry)
	if err != nil {
		d.log.Error("dispatch: read task record failed", "task_id", entry.TaskID, "err", err)
		return
	}
	startedAt := task.Created
	task.Status = types.TaskFinished
	task.Finished = now
	task.Exc = exc
	taskData, err := json.Marshal(task)
	if err != nil {
		d.log.Error("dispatch: encode task record failed", "task_id", entry.TaskID, "err", err)
		return
	}

	txn := d.store.NewTxn("finish-task", d.sess)
	txn.Set(schema.TaskPath(entry.JobID, entry.TaskID), taskData)
	txn.Delete(schema.RunningLockPath(entry.TaskID))
	txn.Delete(schema.RunningPath(entry.TaskID))
	d.ready.ConsumeOp(txn, entryID)
	if _, err := txn.Commit(); err != nil {
		d.log.Error("dispatch: finish task failed", "task_id", entry.TaskID, "err", err)
		return
	}

	if d.metrics != nil {
		outcome := "finished"
		if exc != "" {
			outcome = "failed"
		}
		latency := 0.0
		if startedAt > 0 {
			latency = float64(now-startedAt) / 1000.0
		}
		d.metrics.RecordFinished(outcome, latency)
	}
}

// requeue marks the task recycled, deletes its running record and lock,
// enqueues a fresh /ready entry with the handler's continuation state,
// fans out any spawned sub-tasks as new tasks of the same job, and
// consumes the superseded entry - all in one transaction.
func (d *Dispatcher) requeue(entry types.ReadyEntry, entryID string, state []byte, spawned []Spawn) {
	entry.State = state
	data, err := json.Marshal(entry)
	if err != nil {
		d.log.Error("dispatch: encode requeued entry failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}

	task, err := d.readTask(entry)
	if err != nil {
		d.log.Error("dispatch: read task record failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}
	task.Recycled = time.Now().UnixMilli()
	task.Stack = state
	taskData, err := json.Marshal(task)
	if err != nil {
		d.log.Error("dispatch: encode task record failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}

	txn := d.store.NewTxn("requeue-task", d.sess)
	txn.Set(schema.TaskPath(entry.JobID, entry.TaskID), taskData)
	txn.Delete(schema.RunningLockPath(entry.TaskID))
	txn.Delete(schema.RunningPath(entry.TaskID))
	d.ready.PutOp(txn, data, entry.Priority)
	spawnCount, err := d.spawnOps(txn, entry, spawned)
	if err != nil {
		d.log.Error("dispatch: encode spawned sub-tasks failed", "task_id", entry.TaskID, "err", err)
		_ = d.ready.Abandon(entryID)
		return
	}
	d.ready.ConsumeOp(txn, entryID)
	if _, err := txn.Commit(); err != nil {
		d.log.Error("dispatch: requeue task failed", "task_id", entry.TaskID, "err", err)
		return
	}

	if d.metrics != nil {
		d.metrics.RecordRequeued()
		for i := 0; i < spawnCount; i++ {
			d.metrics.RecordTaskCreated()
		}
	}
}

// spawnOps queues one task record create and one /ready enqueue per spawned
// sub-task onto txn. Spawned tasks belong to the same job as their parent,
// at the parent's priority.
func (d *Dispatcher) spawnOps(txn *coord.Txn, parent types.ReadyEntry, spawned []Spawn) (int, error) {
	for _, sp := range spawned {
		taskID := types.TaskID(uuid.NewString())
		record := types.TaskRecord{Status: types.TaskNew, Priority: parent.Priority}
		recordData, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("encode spawned task record: %w", err)
		}
		txn.Create(schema.TaskPath(parent.JobID, taskID), recordData, coord.CreateFlags{})

		child := types.ReadyEntry{JobID: parent.JobID, TaskID: taskID, Handler: sp.Handler, State: sp.State, Priority: parent.Priority}
		childData, err := json.Marshal(child)
		if err != nil {
			return 0, fmt.Errorf("encode spawned ready entry: %w", err)
		}
		d.ready.PutOp(txn, childData, parent.Priority)
	}
	return len(spawned), nil
}

func (d *Dispatcher) readTask(entry types.ReadyEntry) (types.TaskRecord, error) {
	path := schema.TaskPath(entry.JobID, entry.TaskID)
	data, err := d.store.Get(path)
	if err != nil {
		return types.TaskRecord{}, fmt.Errorf("read task record: %w", err)
	}
	var record types.TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return types.TaskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	return record, nil
}
