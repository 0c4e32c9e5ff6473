package uws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/3leaps/skywork/pkg/jobs"
)

// ProxyJob runs a job on a remote UWS service and mirrors its lifecycle
// into the local record: submit, start, poll to a terminal phase, then
// copy the remote results over. Aborting the local job cancels the remote
// one.
type ProxyJob struct {
	client     *Client
	serviceURL string
	params     url.Values

	mu     sync.Mutex
	jobURL string
}

// NewProxyJob builds a proxy for one submission to serviceURL. An already
// existing remote job can be adopted by passing its URL via AdoptJobURL.
func NewProxyJob(client *Client, serviceURL string, params url.Values) *ProxyJob {
	return &ProxyJob{client: client, serviceURL: serviceURL, params: params}
}

// AdoptJobURL attaches the proxy to an existing remote job instead of
// submitting a new one.
func (p *ProxyJob) AdoptJobURL(jobURL string) {
	p.mu.Lock()
	p.jobURL = jobURL
	p.mu.Unlock()
}

// Type implements jobs.Job.
func (p *ProxyJob) Type() jobs.Type { return jobs.TypeRemoteProxy }

// Run implements jobs.Job. It drives the remote job to a terminal phase,
// polling with a backoff that starts fast and settles at two seconds.
func (p *ProxyJob) Run(ctx context.Context, rt *jobs.Runtime) error {
	jobURL := p.currentJobURL()
	if jobURL == "" {
		submitted, err := p.client.Submit(ctx, p.serviceURL, p.params)
		if err != nil {
			return err
		}
		jobURL = submitted
		p.AdoptJobURL(jobURL)

		phase, err := p.client.Phase(ctx, jobURL)
		if err != nil {
			return err
		}
		if phase == jobs.PhasePending {
			if err := p.client.Start(ctx, jobURL); err != nil {
				return err
			}
		}
		rt.SetProgress(1, "remote job submitted")
	}

	for attempt := 1; ; attempt++ {
		phase, err := p.client.Phase(ctx, jobURL)
		if err != nil {
			return err
		}
		switch phase {
		case jobs.PhaseCompleted:
			return p.collectResults(ctx, jobURL, rt)
		case jobs.PhaseError, jobs.PhaseUnknown:
			return fmt.Errorf("remote job failed: %s", p.client.ErrorDetail(ctx, jobURL))
		case jobs.PhaseAborted:
			return jobs.ErrAborted
		case jobs.PhaseExecuting:
			rt.SetProgress(2, "remote job executing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollWait(attempt)):
		}
	}
}

// OnAbort implements jobs.Aborter: a best-effort remote cancel, detached
// from the job's own context which is about to be cancelled.
func (p *ProxyJob) OnAbort() {
	jobURL := p.currentJobURL()
	if jobURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.client.Cancel(ctx, jobURL)
}

func (p *ProxyJob) collectResults(ctx context.Context, jobURL string, rt *jobs.Runtime) error {
	rec, err := p.client.GetJob(ctx, jobURL)
	if err != nil {
		return err
	}
	if len(rec.Results) == 0 {
		return fmt.Errorf("remote job %s completed without results", jobURL)
	}
	for _, res := range rec.Results {
		rt.AddResult(res)
	}
	return nil
}

func (p *ProxyJob) currentJobURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobURL
}

// pollWait ramps the polling interval: quick checks while the remote job
// is likely still queuing, then a steady two-second cadence.
func pollWait(attempt int) time.Duration {
	switch {
	case attempt < 3:
		return 500 * time.Millisecond
	case attempt < 20:
		return time.Second
	default:
		return 2 * time.Second
	}
}
