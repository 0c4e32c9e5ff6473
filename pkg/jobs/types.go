// Package jobs implements the background job management core: the job
// lifecycle state machine, an in-memory registry of job records, a
// dual-pool dispatcher with a short synchronous submit wait, and a
// periodic sweeper that enforces execution-duration budgets.
package jobs

import "time"

// Phase is the lifecycle state of a job. The values follow the UWS
// (Universal Worker Service) phase names so that records imported from
// remote services map without translation.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseQueued    Phase = "QUEUED"
	PhaseExecuting Phase = "EXECUTING"
	PhaseCompleted Phase = "COMPLETED"
	PhaseError     Phase = "ERROR"
	PhaseAborted   Phase = "ABORTED"
	PhaseHeld      Phase = "HELD"
	PhaseSuspended Phase = "SUSPENDED"
	PhaseArchived  Phase = "ARCHIVED"
	PhaseUnknown   Phase = "UNKNOWN"
)

// Terminal reports whether the phase is a final state. Once a record is
// terminal, no further phase change is accepted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseError, PhaseAborted, PhaseUnknown:
		return true
	}
	return false
}

// Type classifies a job. It is a closed set: the dispatcher matches on it
// to pick an execution pool, and the notifier to pick an email template.
type Type string

const (
	TypeSearch      Type = "SEARCH"
	TypePackage     Type = "PACKAGE"
	TypeRemoteProxy Type = "REMOTE_PROXY"
)

// Result is one output descriptor of a job. Results are append-only while
// the job executes.
type Result struct {
	ID       string `json:"id"`
	Href     string `json:"href"`
	MimeType string `json:"mime_type,omitempty"`
	Size     string `json:"size,omitempty"`
}

// JobError carries the failure detail of a job. A non-nil error is only
// ever set together with a terminal phase.
type JobError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Param keys with meaning to the scheduler itself. Everything else in
// Params is opaque caller input echoed back for audit.
const (
	ParamEmail = "email"
)

// Abort/failure codes stamped on the record.
const (
	CodeAborted = 410
	CodeFailed  = 500
)

// ReasonTimedOut is the fixed abort reason used by the sweeper when a job
// exceeds its execution-duration budget.
const ReasonTimedOut = "Exceeded execution duration"

// JobRecord is the full lifecycle state of one job. Records are owned by
// the Registry; callers receive copies and must route mutation through
// Registry methods.
type JobRecord struct {
	JobID      string `json:"job_id"`
	RunID      string `json:"run_id,omitempty"`
	LocalRunID string `json:"local_run_id,omitempty"`
	Owner      string `json:"owner,omitempty"`

	Phase Phase `json:"phase"`
	Type  Type  `json:"type,omitempty"`

	CreationTime time.Time  `json:"creation_time"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Destruction  *time.Time `json:"destruction,omitempty"`

	// ExecutionDuration is the execution budget in seconds. Zero means
	// unlimited.
	ExecutionDuration int `json:"execution_duration,omitempty"`

	Progress     int    `json:"progress"`
	ProgressDesc string `json:"progress_desc,omitempty"`

	Params  map[string]string `json:"params,omitempty"`
	Results []Result          `json:"results,omitempty"`
	Error   *JobError         `json:"error,omitempty"`

	Monitored bool `json:"monitored"`
	SendNotif bool `json:"send_notif,omitempty"`

	// Provenance of records merged from remote services.
	ServiceID   string `json:"service_id,omitempty"`
	ServiceType string `json:"service_type,omitempty"`

	// EventConnID targets the owner's live connection for push events.
	// It is bookkeeping, never serialized to external views.
	EventConnID string `json:"-"`
}

// transition moves the record to phase p. It returns false when the record
// is already terminal; terminal states are never overwritten. Entering a
// terminal phase stamps EndTime, and PhaseCompleted forces Progress to 100.
func (r *JobRecord) transition(p Phase, now time.Time) bool {
	if r.Phase.Terminal() {
		return false
	}
	r.Phase = p
	if p == PhaseExecuting && r.StartTime == nil {
		t := now
		r.StartTime = &t
	}
	if p.Terminal() {
		t := now
		r.EndTime = &t
		if p == PhaseCompleted {
			r.Progress = 100
		}
	}
	return true
}

// setProgress applies a monotonic progress update. Regressions are clamped
// to the current value; updates on terminal records are rejected.
func (r *JobRecord) setProgress(pct int, desc string) bool {
	if r.Phase.Terminal() {
		return false
	}
	if pct > 100 {
		pct = 100
	}
	if pct > r.Progress {
		r.Progress = pct
	}
	r.ProgressDesc = desc
	return true
}

// fail stamps the error and moves the record to PhaseError.
func (r *JobRecord) fail(code int, msg string, now time.Time) bool {
	if r.Phase.Terminal() {
		return false
	}
	r.Error = &JobError{Code: code, Message: msg}
	return r.transition(PhaseError, now)
}

// abort stamps the abort reason and moves the record to PhaseAborted.
func (r *JobRecord) abort(reason string, now time.Time) bool {
	if r.Phase.Terminal() {
		return false
	}
	r.Error = &JobError{Code: CodeAborted, Message: reason}
	return r.transition(PhaseAborted, now)
}

// clone returns a deep copy safe to hand out while the registry keeps
// mutating the original.
func (r *JobRecord) clone() JobRecord {
	out := *r
	if r.Params != nil {
		out.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	if r.Results != nil {
		out.Results = append([]Result(nil), r.Results...)
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
