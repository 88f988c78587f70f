// Package intake implements the producer-facing submit/cancel surface:
// accept an event, mint its job id, record job metadata, and enqueue the
// event for the splitter - all as one atomic transaction, so a crash
// mid-submission never leaves an orphaned job record with no queued input,
// or vice versa.
package intake

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

// ErrOverloaded is returned by SubmitEvent when /input already holds
// api.input_limit entries. Zero means no limit is configured.
var ErrOverloaded = errors.New("intake: input queue depth exceeds input_limit")

// Intake is the submit/cancel entry point external producers talk to.
type Intake struct {
	store      *coord.Store
	registry   *rules.Registry
	counter    *recipes.IncrementalCounter
	input      *recipes.AbortableLockingQueue
	metrics    *metrics.Collector // nil disables metrics recording
	log        *slog.Logger
	inputLimit int // 0 means unlimited
}

// New returns an Intake that mints job ids with google/uuid and stamps every
// job record with registry's current rule revision. mc may be nil.
func New(store *coord.Store, sess *coord.Session, registry *rules.Registry, mc *metrics.Collector) *Intake {
	return &Intake{
		store:    store,
		registry: registry,
		counter:  recipes.NewIncrementalCounter(store, sess, schema.CoreJobsCounter, schema.CoreJobsCounterLock),
		input:    recipes.NewAbortableLockingQueue(store, sess, schema.Input),
		metrics:  mc,
		log:      slog.Default().With("component", "intake"),
	}
}

// SetInputLimit configures api.input_limit: once /input holds this many
// unprocessed entries, SubmitEvent refuses further submissions with
// ErrOverloaded until the splitter drains the queue. limit <= 0 means
// unlimited, the zero-value behavior.
func (in *Intake) SetInputLimit(limit int) {
	in.inputLimit = limit
}

// SubmitEvent accepts event as a new root job (parents empty) or a
// continuation of existing jobs (parents non-empty, e.g. a sub-job spawned
// by a handler), mints its job id, and atomically records the job's
// metadata alongside enqueuing the event for the splitter. Returns the
// minted job id on success.
func (in *Intake) SubmitEvent(ctx context.Context, event types.Event, parents []types.JobID) (types.JobID, error) {
	if in.inputLimit > 0 {
		depth, err := in.store.Children(schema.InputEntries)
		if err != nil && !errors.Is(err, coord.ErrNotFound) {
			return "", fmt.Errorf("intake: check input depth: %w", err)
		}
		if len(depth) >= in.inputLimit {
			in.log.Warn("intake: input queue overloaded, rejecting submission", "depth", len(depth), "limit", in.inputLimit)
			return "", ErrOverloaded
		}
	}

	jobID := types.JobID(uuid.NewString())
	now := time.Now().UnixMilli()

	record := types.JobRecord{
		Version: in.registry.Version(),
		Parents: parents,
		Added:   now,
	}
	recordData, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("intake: encode job record: %w", err)
	}

	envelope := types.InputEnvelope{JobID: jobID, Event: event, Added: now}
	envelopeData, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("intake: encode input envelope: %w", err)
	}

	txn := in.store.NewTxn("submit-event", nil).
		Create(schema.JobPath(jobID), recordData, coord.CreateFlags{MakePath: true}).
		Create(schema.TasksPath(jobID), nil, coord.CreateFlags{MakePath: true})
	in.input.PutOp(txn, envelopeData, types.DefaultPriority)
	if _, err := txn.Commit(); err != nil {
		return "", fmt.Errorf("intake: submit event: %w", err)
	}

	if _, cerr := in.counter.Increment(ctx); cerr != nil {
		// The submission already committed; losing the counter increment only
		// degrades a stats surface, so it is logged rather than failing the call.
		in.log.Warn("intake: jobs counter increment failed", "job_id", jobID, "err", cerr)
	}

	if in.metrics != nil {
		in.metrics.RecordEventSubmitted()
	}
	in.log.Info("intake: event submitted", "job_id", jobID, "handler_type", event.HandlerType(), "parents", parents)
	return jobID, nil
}

// Cancel marks jobID cancelled by creating its cancel marker node.
// Cancelling an already-cancelled job is not an error; cancellation is
// idempotent.
func (in *Intake) Cancel(jobID types.JobID) error {
	_, err := in.store.Create(schema.CancelPath(jobID), nil, coord.CreateFlags{})
	if errors.Is(err, coord.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("intake: cancel job %s: %w", jobID, err)
	}
	in.log.Info("intake: job cancelled", "job_id", jobID)
	return nil
}
