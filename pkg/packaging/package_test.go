package packaging

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3leaps/skywork/pkg/artifact"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/workdir"
)

func stageFiles(t *testing.T, sizes map[string]int) []string {
	t.Helper()
	dir := t.TempDir()
	out := make([]string, 0, len(sizes))
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
		out = append(out, path)
	}
	return out
}

func testStores(t *testing.T) (*workdir.Store, artifact.Store) {
	t.Helper()
	work := workdir.NewStore(t.TempDir(), nil)
	store, err := artifact.NewLocalStore(t.TempDir(), "https://dl.example")
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	return work, store
}

func waitForTerminal(t *testing.T, reg *jobs.Registry, jobID string) jobs.JobRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Get(jobID); ok && rec.Phase.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := reg.Get(jobID)
	t.Fatalf("job never reached a terminal phase: %+v", rec)
	return jobs.JobRecord{}
}

func TestPackageJobSingleArchive(t *testing.T) {
	sources := stageFiles(t, map[string]int{"a.fits": 100, "b.fits": 50})
	work, store := testStores(t)

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	disp := jobs.NewDispatcher(context.Background(), reg, jobs.DispatcherConfig{}, nil)
	defer disp.Close()

	rec := disp.Submit(New(Request{Sources: sources, BaseName: "data"}, work, store),
		jobs.SubmitOptions{Owner: "alice"})

	final := waitForTerminal(t, reg, rec.JobID)
	if final.Phase != jobs.PhaseCompleted {
		t.Fatalf("phase = %s (error: %+v)", final.Phase, final.Error)
	}
	if len(final.Results) != 1 {
		t.Fatalf("results = %+v", final.Results)
	}
	res := final.Results[0]
	if res.ID != "package" || res.MimeType != "application/zip" {
		t.Fatalf("result descriptor wrong: %+v", res)
	}
	if final.Progress != 100 {
		t.Fatalf("progress = %d", final.Progress)
	}

	// The staged archive must be a readable zip holding both sources.
	zr, err := zip.OpenReader(filepath.Join(work.Dir(rec.JobID), "data.zip"))
	if err != nil {
		t.Fatalf("archive unreadable: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Fatalf("archive holds %d files", len(zr.File))
	}
}

func TestPackageJobSplitsLargeRequests(t *testing.T) {
	sources := stageFiles(t, map[string]int{"a.fits": 600, "b.fits": 600, "c.fits": 600})
	work, store := testStores(t)

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	disp := jobs.NewDispatcher(context.Background(), reg, jobs.DispatcherConfig{}, nil)
	defer disp.Close()

	rec := disp.Submit(New(Request{Sources: sources, MaxBundleBytes: 1000}, work, store),
		jobs.SubmitOptions{Owner: "alice"})

	final := waitForTerminal(t, reg, rec.JobID)
	if final.Phase != jobs.PhaseCompleted {
		t.Fatalf("phase = %s (error: %+v)", final.Phase, final.Error)
	}
	if len(final.Results) != 3 {
		t.Fatalf("600-byte files with a 1000-byte cap should yield 3 parts: %+v", final.Results)
	}
	if final.Results[0].ID != "part-1" || final.Results[2].ID != "part-3" {
		t.Fatalf("part ids wrong: %+v", final.Results)
	}
}

func TestPackageJobAbortStopsWork(t *testing.T) {
	sources := stageFiles(t, map[string]int{"a.fits": 10})
	work, store := testStores(t)

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	disp := jobs.NewDispatcher(context.Background(), reg, jobs.DispatcherConfig{}, nil)
	defer disp.Close()

	job := New(Request{Sources: sources}, work, store)
	job.OnAbort() // abort before the pool ever runs it

	rec := disp.Submit(job, jobs.SubmitOptions{Owner: "alice"})
	final := waitForTerminal(t, reg, rec.JobID)
	if final.Phase != jobs.PhaseAborted {
		t.Fatalf("phase = %s", final.Phase)
	}
	if len(final.Results) != 0 {
		t.Fatalf("aborted job produced results: %+v", final.Results)
	}
}

func TestPackageJobEmptyRequestFails(t *testing.T) {
	work, store := testStores(t)
	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	disp := jobs.NewDispatcher(context.Background(), reg, jobs.DispatcherConfig{}, nil)
	defer disp.Close()

	rec := disp.Submit(New(Request{}, work, store), jobs.SubmitOptions{Owner: "alice"})
	final := waitForTerminal(t, reg, rec.JobID)
	if final.Phase != jobs.PhaseError || final.Error == nil {
		t.Fatalf("empty request should fail: %+v", final)
	}
}

func TestSplitSources(t *testing.T) {
	sources := stageFiles(t, map[string]int{"big.fits": 2000})
	parts, err := splitSources(sources, 1000)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(parts) != 1 || len(parts[0]) != 1 {
		t.Fatalf("oversized single file should still bundle: %+v", parts)
	}

	if _, err := splitSources([]string{"/does/not/exist"}, 10); err == nil {
		t.Fatalf("missing source should error")
	}
}
