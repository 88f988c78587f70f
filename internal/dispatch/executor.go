package dispatch

import "context"

// Outcome is what running a task produced.
type Outcome int

const (
	// Finished: the task is done, successfully.
	Finished Outcome = iota
	// Continue: the task yielded; State carries an opaque continuation to
	// hand back to the same handler on the next dispatch.
	Continue
	// Failed: the task's handler raised; the error returned by Execute (or,
	// without one, Stack) carries the diagnostic.
	Failed
)

// Spawn is a sub-task requested by a handler alongside a Continue outcome:
// a fresh task under the same job, dispatched independently with its own
// handler and initial state.
type Spawn struct {
	Handler string
	State   []byte
}

// Result is what Executor.Execute returns for one dispatch attempt.
type Result struct {
	Outcome Outcome
	State   []byte  // continuation payload, meaningful only when Outcome == Continue
	Spawned []Spawn // sub-tasks to fan out, meaningful only when Outcome == Continue
	Stack   []byte  // opaque diagnostic captured on Failed, stored on the task record
}

// Executor runs one task's handler. This is the seam between the dispatcher
// (which only knows about queueing, locking, and bookkeeping) and whatever
// actually executes handler code - a demo in-process executor for this
// module, or a real worker pool in a fuller deployment.
type Executor interface {
	Execute(ctx context.Context, handler string, state []byte) (Result, error)
}
