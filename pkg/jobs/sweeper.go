package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ClientPinger keeps live connections with executing jobs from idling out.
// The push-event bus implements it.
type ClientPinger interface {
	Ping(owner, connID string)
}

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration

	// Expiry removes terminal records this long after their end time.
	// Default: 14 days.
	Expiry time.Duration

	// UnmonitoredGrace removes non-monitored terminal records this long
	// after their end time. Default: 1h.
	UnmonitoredGrace time.Duration
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:         30 * time.Second,
		Expiry:           14 * 24 * time.Hour,
		UnmonitoredGrace: time.Hour,
	}
}

// Sweeper is the backstop against resource exhaustion: on a fixed interval
// it aborts in-flight jobs that exceeded their execution-duration budget,
// pings clients with executing jobs, and evicts expired records.
type Sweeper struct {
	reg    *Registry
	cfg    SweeperConfig
	pinger ClientPinger
	log    *zap.Logger
}

// NewSweeper creates a sweeper. pinger may be nil.
func NewSweeper(reg *Registry, cfg SweeperConfig, pinger ClientPinger, log *zap.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.UnmonitoredGrace <= 0 {
		cfg.UnmonitoredGrace = def.UnmonitoredGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{reg: reg, cfg: cfg, pinger: pinger, log: log}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(time.Now().UTC())
		}
	}
}

// Sweep performs one pass. Exported so tests can drive it directly.
func (s *Sweeper) Sweep(now time.Time) {
	// Abort in-flight jobs over their execution budget. Timeout shares
	// the manual-abort path, so the loser of a race with the job's own
	// terminal write is rejected by the one-way state machine.
	for _, rec := range s.reg.Running() {
		if rec.ExecutionDuration <= 0 || rec.StartTime == nil {
			continue
		}
		deadline := rec.StartTime.Add(time.Duration(rec.ExecutionDuration) * time.Second)
		if now.After(deadline) {
			s.log.Info("job exceeded execution duration",
				zap.String("job_id", rec.JobID),
				zap.Int("budget_seconds", rec.ExecutionDuration))
			s.reg.Abort(rec.JobID, ReasonTimedOut)
		}
	}

	// Ping each distinct owner/connection that has an executing job,
	// once regardless of how many jobs it has.
	if s.pinger != nil {
		seen := map[string]struct{}{}
		for _, rec := range s.reg.All() {
			if rec.Phase != PhaseExecuting || rec.EventConnID == "" {
				continue
			}
			key := rec.Owner + "::" + rec.EventConnID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			s.pinger.Ping(rec.Owner, rec.EventConnID)
		}
	}

	// Evict expired records.
	for _, rec := range s.reg.All() {
		if rec.EndTime == nil {
			continue
		}
		age := now.Sub(*rec.EndTime)
		if !rec.Monitored && age > s.cfg.UnmonitoredGrace {
			s.log.Info("removing non-monitored job", zap.String("job_id", rec.JobID))
			s.reg.Remove(rec.JobID)
			continue
		}
		if age > s.cfg.Expiry {
			s.log.Info("removing expired job", zap.String("job_id", rec.JobID))
			s.reg.Remove(rec.JobID)
			continue
		}
		if rec.Destruction != nil && now.After(*rec.Destruction) {
			s.log.Info("removing job past destruction time", zap.String("job_id", rec.JobID))
			s.reg.Remove(rec.JobID)
		}
	}
}
