package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener observes registry updates. OnUpdate fires on every visible
// change to a record; OnTerminal fires exactly once per job, on the update
// that first moved the record into a terminal phase; OnRemove fires when
// the record is evicted, so listeners holding per-job resources (work
// directories, snapshots) can release them. Listeners are called outside
// the registry lock and receive copies.
type Listener interface {
	OnUpdate(rec JobRecord)
	OnTerminal(rec JobRecord)
	OnRemove(rec JobRecord)
}

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	// ResultsBaseURL is used to synthesize a default result descriptor
	// for jobs that complete without reporting any. The job id and
	// "/results/result" are appended.
	ResultsBaseURL string
}

// Registry is the process-wide service object owning all job state: the
// map of job id to record, and the map of job id to in-flight execution
// handle. All mutation goes through Registry methods; readers always see a
// consistent snapshot.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu       sync.RWMutex
	records  map[string]*JobRecord
	inflight map[string]*jobEntry
	imported map[string]string // remote identity -> local job id

	lmu       sync.RWMutex
	listeners []Listener
}

// jobEntry is the in-flight handle of a running job.
type jobEntry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry. It is constructed once at process
// start and passed by reference to all dependents.
func NewRegistry(cfg RegistryConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		records:  make(map[string]*JobRecord),
		inflight: make(map[string]*jobEntry),
		imported: make(map[string]string),
	}
}

// AddListener registers a listener for record updates.
func (g *Registry) AddListener(l Listener) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Get returns a copy of the record with the given id.
func (g *Registry) Get(jobID string) (JobRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return rec.clone(), true
}

// List returns the monitored records owned by the given identity, the
// authorization boundary for all listing.
func (g *Registry) List(owner string) []JobRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]JobRecord, 0)
	for _, rec := range g.records {
		if rec.Owner == owner && rec.Monitored {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Running returns copies of all records with an in-flight handle.
func (g *Registry) Running() []JobRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]JobRecord, 0, len(g.inflight))
	for id := range g.inflight {
		if rec, ok := g.records[id]; ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

// All returns copies of every record. Used by the sweeper and statistics.
func (g *Registry) All() []JobRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]JobRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec.clone())
	}
	return out
}

// add registers a fresh record. The dispatcher calls this before any
// execution begins so a crash right after submission still leaves a
// discoverable, consistent record.
func (g *Registry) add(rec *JobRecord) {
	g.mu.Lock()
	g.records[rec.JobID] = rec
	g.mu.Unlock()
}

// Update applies fn to the record under the registry's critical section.
// When fn reports a mutation, the update is published to listeners; the
// update that first crosses into a terminal phase additionally drops the
// in-flight handle and fires OnTerminal exactly once.
func (g *Registry) Update(jobID string, fn func(*JobRecord) bool) (JobRecord, bool) {
	g.mu.Lock()
	rec, ok := g.records[jobID]
	if !ok {
		g.mu.Unlock()
		return JobRecord{}, false
	}
	wasTerminal := rec.Phase.Terminal()
	changed := fn(rec)
	crossed := changed && !wasTerminal && rec.Phase.Terminal()
	if crossed {
		if rec.Phase == PhaseCompleted && len(rec.Results) == 0 && g.cfg.ResultsBaseURL != "" {
			// A job that completed without reporting results still gets
			// one default descriptor pointing at the results endpoint.
			href := strings.TrimRight(g.cfg.ResultsBaseURL, "/") + "/" + rec.JobID + "/results/result"
			rec.Results = []Result{{ID: "result", Href: href}}
		}
		delete(g.inflight, jobID)
	}
	snap := rec.clone()
	g.mu.Unlock()

	if changed {
		g.log.Debug("job update",
			zap.String("job_id", snap.JobID),
			zap.String("phase", string(snap.Phase)),
			zap.Int("progress", snap.Progress))
		g.notifyUpdate(snap)
	}
	if crossed {
		g.notifyTerminal(snap)
	}
	return snap, true
}

// Abort cancels the job with the given id: the cooperative hook runs
// first, then the execution context is cancelled, then the record is
// stamped with the reason and moved to PhaseAborted. Aborting an
// already-terminal or unknown job is a no-op returning the current record.
func (g *Registry) Abort(jobID, reason string) (JobRecord, bool) {
	g.mu.Lock()
	entry := g.inflight[jobID]
	delete(g.inflight, jobID)
	g.mu.Unlock()

	if entry != nil {
		if a, ok := entry.job.(Aborter); ok {
			a.OnAbort()
		}
		entry.cancel()
	}

	rec, ok := g.Update(jobID, func(r *JobRecord) bool {
		return r.abort(reason, time.Now().UTC())
	})
	if ok && rec.Phase == PhaseAborted {
		g.log.Info("job aborted",
			zap.String("job_id", jobID),
			zap.String("reason", reason))
	}
	return rec, ok
}

// SetMonitored toggles push-update monitoring for the job.
func (g *Registry) SetMonitored(jobID string, monitored bool) (JobRecord, bool) {
	return g.Update(jobID, func(r *JobRecord) bool {
		r.Monitored = monitored
		return true
	})
}

// Remove evicts the record and any in-flight handle. The handle is
// cancelled so a still-running job does not leak, and listeners are told
// so per-job resources on disk are reclaimed with the record.
func (g *Registry) Remove(jobID string) {
	g.mu.Lock()
	entry := g.inflight[jobID]
	rec, existed := g.records[jobID]
	var snap JobRecord
	if existed {
		snap = rec.clone()
	}
	delete(g.inflight, jobID)
	delete(g.records, jobID)
	g.mu.Unlock()
	if entry != nil {
		entry.cancel()
	}
	if existed {
		g.notifyRemove(snap)
	}
}

// UpsertImported merges a record pulled from a remote service. The first
// import of a remote identity inserts; later imports replace the stored
// record in place, keeping the locally generated id. Terminal replacement
// is allowed here: remote history is authoritative for its own records.
func (g *Registry) UpsertImported(remoteKey string, rec JobRecord, newID func() string) JobRecord {
	g.mu.Lock()
	localID, ok := g.imported[remoteKey]
	if !ok {
		localID = newID()
		g.imported[remoteKey] = localID
	}
	rec.JobID = localID
	stored := rec
	g.records[localID] = &stored
	snap := stored.clone()
	g.mu.Unlock()

	g.notifyUpdate(snap)
	return snap
}

// Stats is the per-type job count summary.
type Stats struct {
	Type   Type `json:"type"`
	Total  int  `json:"total"`
	Active int  `json:"active"`
	Errors int  `json:"errors"`
}

// Statistics returns per-type total/active/error counts.
func (g *Registry) Statistics() []Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	byType := map[Type]*Stats{}
	order := []Type{TypeSearch, TypePackage, TypeRemoteProxy}
	for _, t := range order {
		byType[t] = &Stats{Type: t}
	}
	for _, rec := range g.records {
		s, ok := byType[rec.Type]
		if !ok {
			continue
		}
		s.Total++
		if rec.Phase == PhaseExecuting {
			s.Active++
		}
		if rec.Phase == PhaseError {
			s.Errors++
		}
	}
	out := make([]Stats, 0, len(order))
	for _, t := range order {
		out = append(out, *byType[t])
	}
	return out
}

func (g *Registry) trackInflight(jobID string, entry *jobEntry) {
	g.mu.Lock()
	g.inflight[jobID] = entry
	g.mu.Unlock()
}

func (g *Registry) removeInflight(jobID string) {
	g.mu.Lock()
	delete(g.inflight, jobID)
	g.mu.Unlock()
}

func (g *Registry) notifyUpdate(rec JobRecord) {
	g.lmu.RLock()
	ls := g.listeners
	g.lmu.RUnlock()
	for _, l := range ls {
		l.OnUpdate(rec)
	}
}

func (g *Registry) notifyTerminal(rec JobRecord) {
	g.lmu.RLock()
	ls := g.listeners
	g.lmu.RUnlock()
	for _, l := range ls {
		l.OnTerminal(rec)
	}
}

func (g *Registry) notifyRemove(rec JobRecord) {
	g.lmu.RLock()
	ls := g.listeners
	g.lmu.RUnlock()
	for _, l := range ls {
		l.OnRemove(rec)
	}
}
