package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/skywork/internal/errors"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/packaging"
	"github.com/3leaps/skywork/pkg/uws"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Version)
}

// handleList returns the caller's monitored jobs. When history import is
// configured, remote services are synced first so the listing covers
// both local and remote work.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	o := owner(r)
	if s.deps.Importer != nil && s.deps.Importer.Enabled() {
		s.deps.Importer.Sync(r.Context(), o)
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.List(o))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Statistics())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "Aborted by user"
	}
	out, _ := s.deps.Registry.Abort(rec.JobID, body.Reason)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetMonitored(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Monitored bool `json:"monitored"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body")
		return
	}
	out, _ := s.deps.Registry.SetMonitored(rec.JobID, body.Monitored)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Address == "" {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "address is required")
		return
	}
	if s.deps.Notifier == nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "email sending is not configured")
		return
	}
	if err := s.deps.Notifier.SendJobEmail(rec, body.Address); err != nil {
		apperrors.Write(w, http.StatusInternalServerError, apperrors.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSubmitPackage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Artifacts == nil || s.deps.Work == nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "packaging is not configured")
		return
	}
	var body struct {
		Sources           []string          `json:"sources"`
		BaseName          string            `json:"base_name"`
		Email             string            `json:"email"`
		SendNotif         bool              `json:"send_notif"`
		ExecutionDuration int               `json:"execution_duration"`
		RunID             string            `json:"run_id"`
		Params            map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body")
		return
	}
	if len(body.Sources) == 0 {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "sources are required")
		return
	}

	job := packaging.New(packaging.Request{
		Sources:        body.Sources,
		BaseName:       body.BaseName,
		MaxBundleBytes: s.deps.MaxBundleBytes,
	}, s.deps.Work, s.deps.Artifacts)

	rec := s.deps.Dispatcher.Submit(job, jobs.SubmitOptions{
		Owner:             owner(r),
		EventConnID:       connID(r),
		RunID:             body.RunID,
		Params:            withEmail(body.Params, body.Email),
		ExecutionDuration: body.ExecutionDuration,
		SendNotif:         body.SendNotif,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSubmitUWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.UWSClient == nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "uws proxying is not configured")
		return
	}
	var body struct {
		ServiceURL        string            `json:"service_url"`
		JobURL            string            `json:"job_url"`
		Params            map[string]string `json:"params"`
		Email             string            `json:"email"`
		SendNotif         bool              `json:"send_notif"`
		ExecutionDuration int               `json:"execution_duration"`
		RunID             string            `json:"run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body")
		return
	}
	if body.ServiceURL == "" && body.JobURL == "" {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "service_url or job_url is required")
		return
	}

	params := url.Values{}
	for k, v := range body.Params {
		params.Set(k, v)
	}
	job := uws.NewProxyJob(s.deps.UWSClient, body.ServiceURL, params)
	if body.JobURL != "" {
		job.AdoptJobURL(body.JobURL)
	}

	rec := s.deps.Dispatcher.Submit(job, jobs.SubmitOptions{
		Owner:             owner(r),
		EventConnID:       connID(r),
		RunID:             body.RunID,
		Params:            withEmail(body.Params, body.Email),
		ExecutionDuration: body.ExecutionDuration,
		SendNotif:         body.SendNotif,
	})
	writeJSON(w, http.StatusOK, rec)
}

// lookup fetches the record by path id and enforces ownership on control
// operations. A record owned by someone else is indistinguishable from a
// missing one only on listing; here it is an explicit 403.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (jobs.JobRecord, bool) {
	jobID := chi.URLParam(r, "jobID")
	rec, ok := s.deps.Registry.Get(jobID)
	if !ok {
		apperrors.Write(w, http.StatusNotFound, apperrors.CodeNotFound, "no such job: "+jobID)
		return jobs.JobRecord{}, false
	}
	if rec.Owner != "" && rec.Owner != owner(r) {
		apperrors.Write(w, http.StatusForbidden, apperrors.CodeForbidden, "job belongs to another owner")
		return jobs.JobRecord{}, false
	}
	return rec, true
}

func withEmail(params map[string]string, email string) map[string]string {
	if email == "" {
		return params
	}
	if params == nil {
		params = make(map[string]string, 1)
	}
	params[jobs.ParamEmail] = email
	return params
}
