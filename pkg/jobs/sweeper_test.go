package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePinger struct {
	mu    sync.Mutex
	pings []string
}

func (p *fakePinger) Ping(owner, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, owner+"::"+connID)
}

func TestSweeperAbortsOverBudgetJobs(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	d := NewDispatcher(context.Background(), reg, DispatcherConfig{WaitComplete: 10 * time.Millisecond}, nil)
	defer d.Close()

	job := &stubJob{typ: TypeSearch, run: func(ctx context.Context, rt *Runtime) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	rec := d.Submit(job, SubmitOptions{Owner: "alice", ExecutionDuration: 1})
	waitForPhase(t, reg, rec.JobID, PhaseExecuting)

	s := NewSweeper(reg, SweeperConfig{Interval: 10 * time.Millisecond}, nil, nil)

	// Before the budget elapses the sweep must leave the job alone.
	s.Sweep(time.Now().UTC())
	if got, _ := reg.Get(rec.JobID); got.Phase != PhaseExecuting {
		t.Fatalf("sweep aborted a job within budget: %s", got.Phase)
	}

	// Pretend the budget elapsed.
	s.Sweep(time.Now().UTC().Add(2 * time.Second))
	got, _ := reg.Get(rec.JobID)
	if got.Phase != PhaseAborted {
		t.Fatalf("over-budget job not aborted: %s", got.Phase)
	}
	if got.Error == nil || got.Error.Message != ReasonTimedOut {
		t.Fatalf("timeout reason wrong: %+v", got.Error)
	}
}

func TestSweeperIgnoresUnlimitedBudget(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	start := time.Now().UTC().Add(-time.Hour)
	rec := newTestRecord("j-1", "alice")
	rec.Phase = PhaseExecuting
	rec.StartTime = &start
	reg.add(rec)
	reg.trackInflight("j-1", &jobEntry{job: &stubJob{}, cancel: func() {}, done: make(chan struct{})})

	s := NewSweeper(reg, SweeperConfig{}, nil, nil)
	s.Sweep(time.Now().UTC())

	if got, _ := reg.Get("j-1"); got.Phase != PhaseExecuting {
		t.Fatalf("zero budget must mean unlimited, job went %s", got.Phase)
	}
}

func TestSweeperPingsDistinctClients(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	for _, id := range []string{"j-1", "j-2"} {
		rec := newTestRecord(id, "alice")
		rec.Phase = PhaseExecuting
		rec.EventConnID = "conn-1"
		reg.add(rec)
	}
	other := newTestRecord("j-3", "bob")
	other.Phase = PhaseExecuting
	other.EventConnID = "conn-9"
	reg.add(other)

	p := &fakePinger{}
	s := NewSweeper(reg, SweeperConfig{}, p, nil)
	s.Sweep(time.Now().UTC())

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pings) != 2 {
		t.Fatalf("expected one ping per distinct owner/conn, got %v", p.pings)
	}
}

func TestSweeperEvictsExpiredRecords(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	now := time.Now().UTC()

	old := now.Add(-2 * time.Hour)
	unmonitored := newTestRecord("u-1", "alice")
	unmonitored.Phase = PhaseCompleted
	unmonitored.EndTime = &old
	unmonitored.Monitored = false
	reg.add(unmonitored)

	ancient := now.Add(-15 * 24 * time.Hour)
	expired := newTestRecord("e-1", "alice")
	expired.Phase = PhaseError
	expired.EndTime = &ancient
	reg.add(expired)

	recent := now.Add(-time.Minute)
	fresh := newTestRecord("f-1", "alice")
	fresh.Phase = PhaseCompleted
	fresh.EndTime = &recent
	reg.add(fresh)

	s := NewSweeper(reg, SweeperConfig{}, nil, nil)
	s.Sweep(now)

	if _, ok := reg.Get("u-1"); ok {
		t.Fatalf("non-monitored terminal record not evicted after grace")
	}
	if _, ok := reg.Get("e-1"); ok {
		t.Fatalf("expired record not evicted")
	}
	if _, ok := reg.Get("f-1"); !ok {
		t.Fatalf("fresh record evicted")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	s := NewSweeper(reg, SweeperConfig{Interval: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop on context cancel")
	}
}
