package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig configures submission behavior.
type DispatcherConfig struct {
	// MaxPackagers bounds the packaging pool, protecting memory and disk
	// from a flood of heavy jobs. Default: 10.
	MaxPackagers int

	// PackagerQueue is the number of packaging jobs allowed to wait for
	// a worker before submission degrades to a synchronous Error.
	// Default: 100.
	PackagerQueue int

	// WaitComplete is the short synchronous wait after submit. A job
	// finishing within it returns to the caller already terminal, so
	// fast jobs never appear "background". Default: 1s.
	WaitComplete time.Duration

	// ExecutionDuration is the default per-job execution budget in
	// seconds. Zero means unlimited.
	ExecutionDuration int

	// Retention is the window from creation to the record's scheduled
	// destruction time. Default: 7 days.
	Retention time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxPackagers:  10,
		PackagerQueue: 100,
		WaitComplete:  time.Second,
		Retention:     7 * 24 * time.Hour,
	}
}

// SubmitOptions carries caller-supplied submission metadata.
type SubmitOptions struct {
	Owner       string
	EventConnID string
	RunID       string
	LocalRunID  string

	// Params is the job's opaque input, echoed back in the record.
	Params map[string]string

	// ExecutionDuration overrides the configured default budget when
	// greater than zero.
	ExecutionDuration int

	// SendNotif requests email notification on completion when an
	// address is available.
	SendNotif bool
}

// Dispatcher owns the two execution pools and performs submission:
// packaging work goes to a small bounded pool, search and proxy work to an
// unbounded one.
type Dispatcher struct {
	reg *Registry
	ids *IDGenerator
	cfg DispatcherConfig
	log *zap.Logger

	baseCtx   context.Context
	packagers *boundedPool
	searches  *cachedPool
}

// NewDispatcher creates a dispatcher bound to the registry. baseCtx is the
// process lifetime context: cancelling it cancels every running job.
func NewDispatcher(baseCtx context.Context, reg *Registry, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxPackagers <= 0 {
		cfg.MaxPackagers = def.MaxPackagers
	}
	if cfg.PackagerQueue <= 0 {
		cfg.PackagerQueue = def.PackagerQueue
	}
	if cfg.WaitComplete <= 0 {
		cfg.WaitComplete = def.WaitComplete
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if log == nil {
		log = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Dispatcher{
		reg:       reg,
		ids:       NewIDGenerator(),
		cfg:       cfg,
		log:       log,
		baseCtx:   baseCtx,
		packagers: newBoundedPool(cfg.MaxPackagers, cfg.PackagerQueue),
		searches:  &cachedPool{},
	}
}

// Submit registers the job in phase QUEUED, hands it to the pool matching
// its type, and waits up to WaitComplete for it to finish. The returned
// record is terminal for fast jobs; otherwise the caller polls or
// subscribes to push events. Submission-time failures surface as a
// synchronous Error-phase record, never as an error to the caller's
// control flow.
func (d *Dispatcher) Submit(job Job, opts SubmitOptions) JobRecord {
	now := time.Now().UTC()
	destruction := now.Add(d.cfg.Retention)

	rec := &JobRecord{
		JobID:             d.ids.Next(),
		RunID:             opts.RunID,
		LocalRunID:        opts.LocalRunID,
		Owner:             opts.Owner,
		EventConnID:       opts.EventConnID,
		Phase:             PhasePending,
		Type:              job.Type(),
		CreationTime:      now,
		Destruction:       &destruction,
		ExecutionDuration: d.cfg.ExecutionDuration,
		Params:            opts.Params,
		Monitored:         true,
	}
	if opts.ExecutionDuration > 0 {
		rec.ExecutionDuration = opts.ExecutionDuration
	}
	rec.SendNotif = opts.SendNotif
	jobID := rec.JobID

	// Register before any execution begins.
	d.reg.add(rec)
	d.reg.Update(jobID, func(r *JobRecord) bool {
		return r.transition(PhaseQueued, time.Now().UTC())
	})

	runCtx, cancel := context.WithCancel(d.baseCtx)
	done := make(chan struct{})
	d.reg.trackInflight(jobID, &jobEntry{job: job, cancel: cancel, done: done})

	task := func() {
		defer close(done)
		d.execute(runCtx, jobID, job)
	}

	var submitErr error
	if job.Type() == TypePackage {
		submitErr = d.packagers.trySubmit(task)
	} else {
		d.searches.submit(task)
	}
	if submitErr != nil {
		cancel()
		d.reg.removeInflight(jobID)
		d.log.Warn("job submission rejected",
			zap.String("job_id", jobID),
			zap.Error(submitErr))
		out, _ := d.reg.Update(jobID, func(r *JobRecord) bool {
			return r.fail(CodeFailed, submitErr.Error(), time.Now().UTC())
		})
		return out
	}

	select {
	case <-done:
	case <-time.After(d.cfg.WaitComplete):
		// The job may take longer to complete; the caller polls.
	}

	out, _ := d.reg.Get(jobID)
	return out
}

// execute is the dispatch wrapper around the job's Run. It performs the
// QUEUED -> EXECUTING transition, converts the outcome into a terminal
// phase, and distinguishes cancellation from ordinary failure.
func (d *Dispatcher) execute(ctx context.Context, jobID string, job Job) {
	_, ok := d.reg.Update(jobID, func(r *JobRecord) bool {
		return r.transition(PhaseExecuting, time.Now().UTC())
	})
	if !ok {
		return
	}
	if rec, ok := d.reg.Get(jobID); !ok || rec.Phase.Terminal() {
		// Aborted while queued; never run.
		return
	}

	err := d.runPayload(ctx, jobID, job)
	now := time.Now().UTC()
	switch {
	case err == nil:
		d.reg.Update(jobID, func(r *JobRecord) bool {
			return r.transition(PhaseCompleted, now)
		})
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled), ctx.Err() != nil:
		// Abort usually already stamped the record; this is the
		// backstop for jobs that noticed cancellation on their own.
		d.reg.Update(jobID, func(r *JobRecord) bool {
			return r.abort("Execution cancelled", now)
		})
	default:
		d.log.Error("job failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		d.reg.Update(jobID, func(r *JobRecord) bool {
			return r.fail(CodeFailed, err.Error(), now)
		})
	}
}

// runPayload invokes the caller-supplied Run and converts a panic into an
// ordinary execution failure. The payload is opaque code; a bug in it must
// surface on the record, not unwind through the pool goroutine and take
// the process down with every other job.
func (d *Dispatcher) runPayload(ctx context.Context, jobID string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("job panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx, &Runtime{reg: d.reg, jobID: jobID})
}

// Close drains both pools. In-flight jobs finish unless the base context
// was cancelled first.
func (d *Dispatcher) Close() {
	d.packagers.close()
	d.searches.wait()
}
