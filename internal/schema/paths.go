// Package schema composes the coordination namespace paths, so every other
// package references /input, /control/jobs/<id>, /ready, /running/<id> and
// friends through one set of named functions instead of hand-built string
// concatenation scattered across the module.
package schema

import "github.com/ChuLiYu/jobdispatcherd/pkg/types"

const (
	Input               = "/input"
	InputEntries        = "/input/entries" // matches AbortableLockingQueue's <root>/entries convention
	Control             = "/control"
	ControlJobs         = "/control/jobs"
	ControlLock         = "/control/lock"
	Ready               = "/ready"
	Running             = "/running"
	CoreJobsCounter     = "/core/jobs_counter"
	CoreJobsCounterLock = "/core/jobs_counter/lock"
	User                = "/user"
)

// JobPath is the root node for a job's metadata and task tree.
func JobPath(id types.JobID) string {
	return ControlJobs + "/" + string(id)
}

// TasksPath is the directory of a job's tasks.
func TasksPath(id types.JobID) string {
	return JobPath(id) + "/tasks"
}

// TaskPath is a single task's metadata node.
func TaskPath(jobID types.JobID, taskID types.TaskID) string {
	return TasksPath(jobID) + "/" + string(taskID)
}

// CancelPath is the marker node whose existence means the job is cancelled.
func CancelPath(id types.JobID) string {
	return JobPath(id) + "/cancel"
}

// JobLockPath is the per-job lock a collector holds while reaping the job's
// subtree, so two concurrent collectors never both tear it down.
func JobLockPath(id types.JobID) string {
	return JobPath(id) + "/lock"
}

// RunningPath is where a dispatched task's execution state lives while a
// worker holds it, keyed by task id (globally unique, so it does not need
// to be namespaced under the job).
func RunningPath(taskID types.TaskID) string {
	return Running + "/" + string(taskID)
}

// RunningLockPath is the ephemeral child under a running node that exists
// exactly as long as a worker is actively holding the task: the collector's
// running sweep treats a running node whose lock child is gone as an
// abandoned task, and claims it by taking this same lock itself.
func RunningLockPath(taskID types.TaskID) string {
	return RunningPath(taskID) + "/lock"
}

// ReadyQueueRoot is the AbortableLockingQueue root workers pull tasks from.
const ReadyQueueRoot = Ready
