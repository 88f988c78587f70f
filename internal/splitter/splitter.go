// Package splitter implements the job-splitting stage: pop a queued event,
// match it against the handler registry, and fan it out into one task per
// matched handler, each immediately queued for dispatch. Both the input and
// ready queues are AbortableLockingQueue recipes, so an idle splitter parks
// on a watch instead of polling.
package splitter

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
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

// Splitter consumes /input and produces /ready entries.
type Splitter struct {
	store    *coord.Store
	sess     *coord.Session
	registry *rules.Registry
	input    *recipes.AbortableLockingQueue
	ready    *recipes.AbortableLockingQueue
	metrics  *metrics.Collector // nil disables metrics recording
	log      *slog.Logger
}

// New returns a Splitter bound to store, claiming input entries and
// registering tasks under sess. mc may be nil.
func New(store *coord.Store, sess *coord.Session, registry *rules.Registry, mc *metrics.Collector) *Splitter {
	return &Splitter{
		store:    store,
		sess:     sess,
		registry: registry,
		input:    recipes.NewAbortableLockingQueue(store, sess, schema.Input),
		ready:    recipes.NewAbortableLockingQueue(store, sess, schema.Ready),
		metrics:  mc,
		log:      slog.Default().With("component", "splitter"),
	}
}

// failSleep is how long the loop pauses after an unexpected error before
// retrying, so a persistently failing store cannot spin the CPU.
const failSleep = time.Second

// Run pops and splits events in a loop until ctx is cancelled.
func (sp *Splitter) Run(ctx context.Context) error {
	for {
		if err := sp.step(ctx); err != nil {
			if errors.Is(err, coord.ErrAborted) {
				return nil
			}
			sp.log.Error("splitter: step failed", "err", err)
			select {
			case <-time.After(failSleep):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// step pops exactly one event and splits it. Exposed separately from Run so
// tests can drive the splitter deterministically one event at a time.
func (sp *Splitter) step(ctx context.Context) error {
	entryID, data, err := sp.input.Get(ctx)
	if err != nil {
		return err
	}

	var envelope types.InputEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		// A corrupt envelope can never be split; consume it so it does not
		// wedge the queue forever, but surface the error to the caller.
		_ = sp.input.Consume(entryID)
		return fmt.Errorf("splitter: decode envelope %s: %w", entryID, err)
	}

	// split folds its own consume of entryID into the same transaction that
	// creates the tasks, enqueues them, and marks the job splitted, so a
	// crash midway never leaves tasks recorded without a /ready entry (or
	// vice versa): either all tasks for a job are enqueued, or none.
	if err := sp.split(ctx, envelope, entryID); err != nil {
		_ = sp.input.Abandon(entryID)
		return err
	}
	return nil
}

func (sp *Splitter) split(ctx context.Context, envelope types.InputEnvelope, entryID string) error {
	cancelled, err := sp.store.Exists(schema.CancelPath(envelope.JobID))
	if err != nil {
		return fmt.Errorf("splitter: check cancel marker for %s: %w", envelope.JobID, err)
	}

	// The matcher sees the owning job id among the extra routing attributes.
	extra := make(map[string]interface{}, len(envelope.Event.Extra)+1)
	for k, v := range envelope.Event.Extra {
		extra[k] = v
	}
	extra["job_id"] = string(envelope.JobID)
	routed := types.Event{Body: envelope.Event.Body, Extra: extra}

	var matched []rules.HandlerDescriptor
	if !cancelled {
		matched = rules.Match(sp.registry.HandlersFor(routed.HandlerType()), routed)
	}

	jobData, err := sp.store.Get(schema.JobPath(envelope.JobID))
	if err != nil {
		return fmt.Errorf("splitter: read job record %s: %w", envelope.JobID, err)
	}
	var jobRecord types.JobRecord
	if err := json.Unmarshal(jobData, &jobRecord); err != nil {
		return fmt.Errorf("splitter: decode job record %s: %w", envelope.JobID, err)
	}
	jobRecord.Splitted = time.Now().UnixMilli()
	updatedJob, err := json.Marshal(jobRecord)
	if err != nil {
		return fmt.Errorf("splitter: encode job record %s: %w", envelope.JobID, err)
	}

	// A task's initial continuation state is the event itself: the handler's
	// first dispatch decodes it and derives whatever working state it needs.
	initialState, err := json.Marshal(envelope.Event)
	if err != nil {
		return fmt.Errorf("splitter: encode initial state: %w", err)
	}

	txn := sp.store.NewTxn("split-job", sp.sess)
	for _, h := range matched {
		taskID := types.TaskID(uuid.NewString())
		record := types.TaskRecord{Status: types.TaskNew, Priority: types.DefaultPriority}
		recordData, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("splitter: encode task record: %w", err)
		}
		txn.Create(schema.TaskPath(envelope.JobID, taskID), recordData, coord.CreateFlags{})

		entry := types.ReadyEntry{JobID: envelope.JobID, TaskID: taskID, Handler: h.Name, State: initialState, Priority: types.DefaultPriority}
		entryData, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("splitter: encode ready entry: %w", err)
		}
		sp.ready.PutOp(txn, entryData, types.DefaultPriority)
	}
	txn.Set(schema.JobPath(envelope.JobID), updatedJob)
	sp.input.ConsumeOp(txn, entryID)

	if _, err := txn.Commit(); err != nil {
		return fmt.Errorf("splitter: split job %s: %w", envelope.JobID, err)
	}

	if sp.metrics != nil {
		sp.metrics.RecordJobSplit(len(matched))
	}
	sp.log.Info("splitter: job split", "job_id", envelope.JobID, "tasks", len(matched), "cancelled", cancelled)
	return nil
}
