package jobs

import (
	"context"
	"errors"
)

// Job is the contract a caller implements to supply executable work. The
// scheduler is agnostic to what the work does; it only dispatches, tracks,
// and cancels it.
type Job interface {
	// Type classifies the job for pool and email-template selection.
	Type() Type

	// Run executes the work. The context is cancelled on abort or
	// shutdown; the job's own loop must check it. Progress and results
	// are reported through the Runtime.
	Run(ctx context.Context, rt *Runtime) error
}

// Aborter is an optional cooperative cleanup hook. When a job implements
// it, the hook is invoked best-effort before the job's context is
// cancelled, so open files or sub-processes can be released.
type Aborter interface {
	OnAbort()
}

// ErrAborted signals that a job ended because of cancellation rather than
// failure. Run implementations return it (or a context error) to have the
// record land in PhaseAborted instead of PhaseError.
var ErrAborted = errors.New("job aborted")

// Runtime is handed to a running job so it can report progress and append
// results. All writes go through the owning registry, which keeps reads
// consistent with concurrent list/get/abort calls.
type Runtime struct {
	reg   *Registry
	jobID string
}

// JobID returns the id assigned to this job at submission.
func (rt *Runtime) JobID() string { return rt.jobID }

// SetProgress reports execution progress (0-100, monotonic) with an
// optional free-text description.
func (rt *Runtime) SetProgress(pct int, desc string) {
	rt.reg.Update(rt.jobID, func(r *JobRecord) bool {
		return r.setProgress(pct, desc)
	})
}

// AddResult appends one result descriptor to the record.
func (rt *Runtime) AddResult(res Result) {
	rt.reg.Update(rt.jobID, func(r *JobRecord) bool {
		if r.Phase.Terminal() {
			return false
		}
		r.Results = append(r.Results, res)
		return true
	})
}

// Param returns a submission parameter, or "" when absent.
func (rt *Runtime) Param(key string) string {
	rec, ok := rt.reg.Get(rt.jobID)
	if !ok {
		return ""
	}
	return rec.Params[key]
}
