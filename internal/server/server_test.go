package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/skywork/internal/errors"
	"github.com/3leaps/skywork/pkg/artifact"
	"github.com/3leaps/skywork/pkg/events"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/workdir"
)

// slowJob blocks until its context is cancelled.
type slowJob struct{}

func (slowJob) Type() jobs.Type { return jobs.TypeSearch }
func (slowJob) Run(ctx context.Context, rt *jobs.Runtime) error {
	<-ctx.Done()
	return ctx.Err()
}

func testServer(t *testing.T) (*Server, *jobs.Registry, *jobs.Dispatcher) {
	t.Helper()
	reg := jobs.NewRegistry(jobs.RegistryConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	disp := jobs.NewDispatcher(ctx, reg, jobs.DispatcherConfig{WaitComplete: time.Millisecond}, nil)
	t.Cleanup(func() {
		cancel()
		disp.Close()
	})

	store, err := artifact.NewLocalStore(t.TempDir(), "https://dl.example")
	require.NoError(t, err)

	srv := New("127.0.0.1", 0, Deps{
		Registry:   reg,
		Dispatcher: disp,
		Bus:        events.New(),
		Work:       workdir.NewStore(t.TempDir(), nil),
		Artifacts:  store,
		Version:    VersionInfo{Version: "test"},
	}, Timeouts{})
	return srv, reg, disp
}

func do(t *testing.T, srv *Server, method, path, ownerID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ownerID != "" {
		req.Header.Set(HeaderOwner, ownerID)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUnknownPathReturnsJSONError(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := do(t, srv, http.MethodGet, "/does-not-exist", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := do(t, srv, http.MethodPost, "/version", "", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeMethodNotAllowed, body.Error.Code)
}

func TestHealthAndVersion(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var v VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "test", v.Version)
}

func TestListIsOwnerScoped(t *testing.T) {
	srv, _, disp := testServer(t)
	disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "alice"})
	disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "bob"})

	rec := do(t, srv, http.MethodGet, "/v1/jobs", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []jobs.JobRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "alice", listed[0].Owner)
}

func TestGetForeignJobForbidden(t *testing.T) {
	srv, _, disp := testServer(t)
	rec0 := disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "alice"})

	rec := do(t, srv, http.MethodGet, "/v1/jobs/"+rec0.JobID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/jobs/"+rec0.JobID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAbortEndpoint(t *testing.T) {
	srv, reg, disp := testServer(t)
	submitted := disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "alice"})

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+submitted.JobID+"/abort", "alice",
		map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out jobs.JobRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, jobs.PhaseAborted, out.Phase)
	require.NotNil(t, out.Error)
	assert.Equal(t, "changed my mind", out.Error.Message)

	stored, ok := reg.Get(submitted.JobID)
	require.True(t, ok)
	assert.Equal(t, jobs.PhaseAborted, stored.Phase)
}

func TestAbortUnknownJob404(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/jobs/nope/abort", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetMonitoredEndpoint(t *testing.T) {
	srv, reg, disp := testServer(t)
	submitted := disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "alice"})

	rec := do(t, srv, http.MethodPost, "/v1/jobs/"+submitted.JobID+"/monitored", "alice",
		map[string]bool{"monitored": false})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, _ := reg.Get(submitted.JobID)
	assert.False(t, stored.Monitored)

	// Unmonitored jobs drop out of the listing.
	listRec := do(t, srv, http.MethodGet, "/v1/jobs", "alice", nil)
	var listed []jobs.JobRecord
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&listed))
	assert.Empty(t, listed)
}

func TestSubmitPackageValidation(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/jobs/package", "alice",
		map[string]any{"sources": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitUWSValidation(t *testing.T) {
	srv, _, _ := testServer(t)
	// UWS client not configured in the test server.
	rec := do(t, srv, http.MethodPost, "/v1/jobs/uws", "alice",
		map[string]any{"service_url": "https://tap.example/async"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, disp := testServer(t)
	disp.Submit(slowJob{}, jobs.SubmitOptions{Owner: "alice"})

	rec := do(t, srv, http.MethodGet, "/v1/jobs/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []jobs.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.NotEmpty(t, stats)
	var searchTotal int
	for _, s := range stats {
		if s.Type == jobs.TypeSearch {
			searchTotal = s.Total
		}
	}
	assert.Equal(t, 1, searchTotal)
}
