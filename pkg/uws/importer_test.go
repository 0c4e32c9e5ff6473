package uws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3leaps/skywork/pkg/jobs"
)

func TestParseServices(t *testing.T) {
	svcs := ParseServices([]string{
		"https://tap.example/async|irsa-tap|TAP",
		"https://other.example/uws|archive",
		"https://bare.example/jobs",
		"   ",
	})
	if len(svcs) != 3 {
		t.Fatalf("services = %+v", svcs)
	}
	if svcs[0].ID != "irsa-tap" || svcs[0].Type != "TAP" {
		t.Fatalf("explicit fields not parsed: %+v", svcs[0])
	}
	if svcs[1].ID != "archive" || svcs[1].Type != "UWS" {
		t.Fatalf("type should default to UWS: %+v", svcs[1])
	}
	if svcs[2].ID != "bare.example" {
		t.Fatalf("id should default to host: %+v", svcs[2])
	}
}

// historyServer serves a UWS job list with three jobs: one importable,
// one on the ignore list, one with no result.
func historyServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/async", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<uws:jobs xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0">
		  <uws:jobref id="r-1"><uws:phase>COMPLETED</uws:phase></uws:jobref>
		  <uws:jobref id="r-2"><uws:phase>COMPLETED</uws:phase></uws:jobref>
		  <uws:jobref id="r-3"><uws:phase>EXECUTING</uws:phase></uws:jobref>
		</uws:jobs>`)
	})
	jobDoc := func(id, runID, results string) string {
		return fmt.Sprintf(`<uws:job xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0"
		    xmlns:xlink="http://www.w3.org/1999/xlink">
		  <uws:jobId>%s</uws:jobId>
		  <uws:runId>%s</uws:runId>
		  <uws:phase>COMPLETED</uws:phase>
		  %s
		</uws:job>`, id, runID, results)
	}
	mux.HandleFunc("/async/r-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jobDoc("r-1", "user-query-7",
			`<uws:results><uws:result id="result" xlink:href="https://tap.example/r-1/result"/></uws:results>`))
	})
	mux.HandleFunc("/async/r-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jobDoc("r-2", "internal-sync-1",
			`<uws:results><uws:result id="result" xlink:href="https://tap.example/r-2/result"/></uws:results>`))
	})
	mux.HandleFunc("/async/r-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jobDoc("r-3", "user-query-8", ""))
	})
	return httptest.NewServer(mux)
}

func TestImporterSyncFiltersAndTagsProvenance(t *testing.T) {
	srv := historyServer(t)
	defer srv.Close()

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	im := NewImporter(reg, testClient(), jobs.NewIDGenerator(), ImporterConfig{
		Services:     []string{srv.URL + "/async|test-svc|TAP"},
		IgnoreRunIDs: []string{"internal-*"},
	}, nil)

	im.Sync(context.Background(), "alice")

	listed := reg.List("alice")
	if len(listed) != 1 {
		t.Fatalf("expected one imported job, got %+v", listed)
	}
	got := listed[0]
	if got.RunID != "user-query-7" {
		t.Fatalf("wrong job imported: %+v", got)
	}
	if got.ServiceID != "test-svc" || got.ServiceType != "TAP" {
		t.Fatalf("provenance not tagged: %+v", got)
	}
	if got.Type != jobs.TypeRemoteProxy || !got.Monitored {
		t.Fatalf("imported record not normalized: %+v", got)
	}
	if got.JobID == "r-1" {
		t.Fatalf("remote id leaked as local id")
	}
	if got.Phase != jobs.PhaseCompleted || len(got.Results) != 1 {
		t.Fatalf("remote state not preserved: %+v", got)
	}
}

func TestImporterSyncIsUpsertNotDuplicate(t *testing.T) {
	srv := historyServer(t)
	defer srv.Close()

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	im := NewImporter(reg, testClient(), jobs.NewIDGenerator(), ImporterConfig{
		Services: []string{srv.URL + "/async|test-svc"},
	}, nil)

	im.Sync(context.Background(), "alice")
	first := reg.List("alice")
	im.Sync(context.Background(), "alice")
	second := reg.List("alice")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("repeat sync duplicated records: %d then %d", len(first), len(second))
	}
	if first[0].JobID != second[0].JobID {
		t.Fatalf("local id not stable across syncs: %s vs %s", first[0].JobID, second[0].JobID)
	}
}

func TestImporterSkipsFailingService(t *testing.T) {
	good := historyServer(t)
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	im := NewImporter(reg, testClient(), jobs.NewIDGenerator(), ImporterConfig{
		Services: []string{
			bad.URL + "/async|broken",
			good.URL + "/async|test-svc",
		},
	}, nil)

	im.Sync(context.Background(), "alice")

	if got := reg.List("alice"); len(got) != 1 {
		t.Fatalf("healthy service should still import past a broken one: %+v", got)
	}
}
