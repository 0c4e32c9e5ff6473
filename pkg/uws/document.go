// Package uws talks to Universal Worker Service endpoints: it parses UWS
// job documents, polls remote jobs to completion on behalf of a local
// proxy job, and imports remote job histories into the local registry.
package uws

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/3leaps/skywork/pkg/jobs"
)

// jobDocument mirrors the UWS 1.x job resource. Element matching is by
// local name, so both prefixed (uws:job) and default-namespace documents
// decode.
type jobDocument struct {
	XMLName           xml.Name       `xml:"job"`
	JobID             string         `xml:"jobId"`
	RunID             string         `xml:"runId"`
	OwnerID           string         `xml:"ownerId"`
	Phase             string         `xml:"phase"`
	Quote             string         `xml:"quote"`
	CreationTime      string         `xml:"creationTime"`
	StartTime         string         `xml:"startTime"`
	EndTime           string         `xml:"endTime"`
	ExecutionDuration string         `xml:"executionDuration"`
	Destruction       string         `xml:"destruction"`
	Parameters        []parameterEl  `xml:"parameters>parameter"`
	Results           []resultEl     `xml:"results>result"`
	ErrorSummary      *errorSummary  `xml:"errorSummary"`
}

type parameterEl struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type resultEl struct {
	ID       string `xml:"id,attr"`
	Href     string `xml:"href,attr"`
	MimeType string `xml:"mime-type,attr"`
	Size     string `xml:"size,attr"`
}

type errorSummary struct {
	Type    string `xml:"type,attr"`
	Message string `xml:"message"`
}

// jobListDocument mirrors the UWS job-list resource.
type jobListDocument struct {
	XMLName xml.Name `xml:"jobs"`
	Refs    []JobRef `xml:"jobref"`
}

// JobRef is one entry in a remote job list.
type JobRef struct {
	ID    string `xml:"id,attr"`
	Href  string `xml:"href,attr"`
	Phase string `xml:"phase"`
}

// ParseJob decodes a UWS job document into a JobRecord. The returned
// record carries the remote job id; callers importing it locally replace
// the id through the registry.
func ParseJob(r io.Reader) (jobs.JobRecord, error) {
	var doc jobDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return jobs.JobRecord{}, fmt.Errorf("decode uws job document: %w", err)
	}
	if doc.JobID == "" {
		return jobs.JobRecord{}, fmt.Errorf("invalid uws job document: missing jobId")
	}

	rec := jobs.JobRecord{
		JobID: doc.JobID,
		RunID: doc.RunID,
		Owner: doc.OwnerID,
		Phase: ParsePhase(doc.Phase),
	}
	if t, ok := parseTime(doc.CreationTime); ok {
		rec.CreationTime = t
	}
	if t, ok := parseTime(doc.StartTime); ok {
		rec.StartTime = &t
	}
	if t, ok := parseTime(doc.EndTime); ok {
		rec.EndTime = &t
	}
	if t, ok := parseTime(doc.Destruction); ok {
		rec.Destruction = &t
	}
	if doc.ExecutionDuration != "" {
		if secs, err := strconv.Atoi(doc.ExecutionDuration); err == nil {
			rec.ExecutionDuration = secs
		}
	}
	if len(doc.Parameters) > 0 {
		rec.Params = make(map[string]string, len(doc.Parameters))
		for _, p := range doc.Parameters {
			rec.Params[p.ID] = p.Value
		}
	}
	for _, res := range doc.Results {
		rec.Results = append(rec.Results, jobs.Result{
			ID:       res.ID,
			Href:     res.Href,
			MimeType: res.MimeType,
			Size:     res.Size,
		})
	}
	if doc.ErrorSummary != nil {
		// Transient errors are server-side (500); anything else is a
		// request problem (400).
		code := 400
		if doc.ErrorSummary.Type == "" || doc.ErrorSummary.Type == "transient" {
			code = 500
		}
		rec.Error = &jobs.JobError{Code: code, Message: doc.ErrorSummary.Message}
	}
	return rec, nil
}

// ParseJobList decodes a UWS job-list document.
func ParseJobList(r io.Reader) ([]JobRef, error) {
	var doc jobListDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode uws job list: %w", err)
	}
	return doc.Refs, nil
}

// ParsePhase maps a UWS phase string onto the local phase set. Anything
// unrecognized becomes PhaseUnknown rather than an error, matching how
// remote services are allowed to extend the phase vocabulary.
func ParsePhase(s string) jobs.Phase {
	switch p := jobs.Phase(s); p {
	case jobs.PhasePending, jobs.PhaseQueued, jobs.PhaseExecuting,
		jobs.PhaseCompleted, jobs.PhaseError, jobs.PhaseAborted,
		jobs.PhaseHeld, jobs.PhaseSuspended, jobs.PhaseArchived:
		return p
	default:
		return jobs.PhaseUnknown
	}
}

// parseTime accepts the ISO-8601 timestamp shapes seen in the wild: full
// RFC 3339, and the zone-less variant some services emit.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
