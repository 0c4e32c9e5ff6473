package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingListener struct {
	mu        sync.Mutex
	updates   []JobRecord
	terminals []JobRecord
	removed   []JobRecord
}

func (l *recordingListener) OnUpdate(rec JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, rec)
}

func (l *recordingListener) OnTerminal(rec JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminals = append(l.terminals, rec)
}

func (l *recordingListener) OnRemove(rec JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, rec)
}

func (l *recordingListener) terminalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.terminals)
}

func newTestRecord(id, owner string) *JobRecord {
	return &JobRecord{
		JobID:        id,
		Owner:        owner,
		Phase:        PhaseQueued,
		Type:         TypeSearch,
		CreationTime: time.Now().UTC(),
		Monitored:    true,
	}
}

func TestRegistryOwnerIsolation(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	reg.add(newTestRecord("a-1", "alice"))
	reg.add(newTestRecord("a-2", "alice"))
	reg.add(newTestRecord("b-1", "bob"))

	got := reg.List("alice")
	if len(got) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(got))
	}
	for _, rec := range got {
		if rec.Owner != "alice" {
			t.Fatalf("list leaked record owned by %q", rec.Owner)
		}
	}
	if len(reg.List("carol")) != 0 {
		t.Fatalf("unknown owner should list nothing")
	}
}

func TestRegistryListSkipsUnmonitored(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	reg.add(newTestRecord("a-1", "alice"))
	reg.SetMonitored("a-1", false)

	if len(reg.List("alice")) != 0 {
		t.Fatalf("unmonitored record should not be listed")
	}
}

func TestRegistryAbortIsIdempotent(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	reg.add(newTestRecord("j-1", "alice"))

	first, ok := reg.Abort("j-1", "user requested")
	if !ok {
		t.Fatalf("abort of known job failed")
	}
	if first.Phase != PhaseAborted {
		t.Fatalf("phase after abort: %s", first.Phase)
	}
	if first.Error == nil || first.Error.Code != CodeAborted || first.Error.Message != "user requested" {
		t.Fatalf("abort reason not stamped: %+v", first.Error)
	}

	second, ok := reg.Abort("j-1", "again")
	if !ok {
		t.Fatalf("second abort should still return the record")
	}
	if second.Phase != PhaseAborted || second.Error.Message != "user requested" {
		t.Fatalf("second abort mutated the record: %+v", second.Error)
	}
	if second.EndTime == nil || !second.EndTime.Equal(*first.EndTime) {
		t.Fatalf("second abort changed the end time")
	}
}

func TestRegistryAbortRunsCooperativeHookThenCancels(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	reg.add(newTestRecord("j-1", "alice"))

	ctx, cancel := context.WithCancel(context.Background())
	hooked := make(chan struct{})
	job := &stubJob{typ: TypeSearch, onAbort: func() {
		select {
		case <-ctx.Done():
			t.Errorf("context cancelled before cooperative hook")
		default:
		}
		close(hooked)
	}}
	reg.trackInflight("j-1", &jobEntry{job: job, cancel: cancel, done: make(chan struct{})})

	reg.Abort("j-1", "cleanup test")

	select {
	case <-hooked:
	default:
		t.Fatalf("cooperative hook not invoked")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("execution context not cancelled")
	}
}

func TestRegistryTerminalFiresExactlyOnce(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	l := &recordingListener{}
	reg.AddListener(l)
	reg.add(newTestRecord("j-1", "alice"))

	// Race a normal completion against a sweeper-style abort.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.Update("j-1", func(r *JobRecord) bool {
			return r.transition(PhaseCompleted, time.Now().UTC())
		})
	}()
	go func() {
		defer wg.Done()
		reg.Abort("j-1", ReasonTimedOut)
	}()
	wg.Wait()

	if got := l.terminalCount(); got != 1 {
		t.Fatalf("terminal fired %d times, want exactly 1", got)
	}
}

func TestRegistryRemoveNotifiesListeners(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	l := &recordingListener{}
	reg.AddListener(l)
	reg.add(newTestRecord("j-1", "alice"))

	reg.Remove("j-1")
	reg.Remove("no-such-job")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.removed) != 1 || l.removed[0].JobID != "j-1" {
		t.Fatalf("eviction notifications wrong: %+v", l.removed)
	}
}

func TestRegistryDefaultResultInjection(t *testing.T) {
	reg := NewRegistry(RegistryConfig{ResultsBaseURL: "https://sky.example/async/"}, nil)
	reg.add(newTestRecord("j-9", "alice"))

	rec, _ := reg.Update("j-9", func(r *JobRecord) bool {
		return r.transition(PhaseCompleted, time.Now().UTC())
	})
	if len(rec.Results) != 1 {
		t.Fatalf("expected one default result, got %d", len(rec.Results))
	}
	want := "https://sky.example/async/j-9/results/result"
	if rec.Results[0].Href != want {
		t.Fatalf("default result href = %q, want %q", rec.Results[0].Href, want)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	rec := newTestRecord("j-1", "alice")
	rec.Params = map[string]string{"q": "m31"}
	reg.add(rec)

	got, _ := reg.Get("j-1")
	got.Params["q"] = "mutated"
	got.Results = append(got.Results, Result{ID: "x"})

	again, _ := reg.Get("j-1")
	if again.Params["q"] != "m31" {
		t.Fatalf("caller mutation leaked into registry state")
	}
	if len(again.Results) != 0 {
		t.Fatalf("caller result append leaked into registry state")
	}
}

func TestRegistryUpsertImported(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	n := 0
	newID := func() string { n++; return "local-1" }

	remote := JobRecord{
		Phase:       PhaseCompleted,
		Type:        TypeRemoteProxy,
		RunID:       "run-42",
		ServiceID:   "archive",
		ServiceType: "tap",
		Results:     []Result{{ID: "result", Href: "https://remote/result"}},
		Monitored:   true,
	}

	first := reg.UpsertImported("archive::remote-7", remote, newID)
	if first.JobID != "local-1" {
		t.Fatalf("imported record did not get the local id: %q", first.JobID)
	}

	remote.Phase = PhaseError
	second := reg.UpsertImported("archive::remote-7", remote, newID)
	if second.JobID != "local-1" {
		t.Fatalf("re-import minted a new id: %q", second.JobID)
	}
	if n != 1 {
		t.Fatalf("id generator called %d times, want 1", n)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("re-import duplicated the record: %d records", len(reg.All()))
	}
	got, _ := reg.Get("local-1")
	if got.Phase != PhaseError {
		t.Fatalf("re-import did not replace the stored record")
	}
}

func TestRegistryStatistics(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	a := newTestRecord("s-1", "alice")
	a.Phase = PhaseExecuting
	reg.add(a)
	b := newTestRecord("s-2", "alice")
	b.Phase = PhaseError
	reg.add(b)
	c := newTestRecord("p-1", "alice")
	c.Type = TypePackage
	reg.add(c)

	stats := reg.Statistics()
	byType := map[Type]Stats{}
	for _, s := range stats {
		byType[s.Type] = s
	}
	if s := byType[TypeSearch]; s.Total != 2 || s.Active != 1 || s.Errors != 1 {
		t.Fatalf("search stats wrong: %+v", s)
	}
	if s := byType[TypePackage]; s.Total != 1 || s.Active != 0 || s.Errors != 0 {
		t.Fatalf("package stats wrong: %+v", s)
	}
}
