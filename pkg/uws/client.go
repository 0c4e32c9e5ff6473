package uws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/skywork/pkg/jobs"
)

// ClientConfig tunes the HTTP behavior toward remote UWS services.
type ClientConfig struct {
	// Timeout bounds each individual request attempt.
	Timeout time.Duration

	// RetryMax is the number of retries for idempotent requests.
	RetryMax int

	// RequestsPerSecond throttles outgoing calls per client. Zero means
	// no throttle.
	RequestsPerSecond float64
	Burst             int
}

// DefaultClientConfig returns the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:           30 * time.Second,
		RetryMax:          3,
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// Client is a thin UWS protocol client. Reads retry on transient
// failures; job submission never retries, since a replayed POST would
// create a duplicate remote job.
type Client struct {
	retry   *retryablehttp.Client
	submit  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds a client from the configuration.
func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.RetryMax
	retry.HTTPClient.Timeout = cfg.Timeout
	retry.Logger = nil

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		retry: retry,
		submit: &http.Client{
			Timeout: cfg.Timeout,
			// The job URL arrives in the Location header of the
			// submission response; following the redirect would lose it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: limiter,
		log:     log,
	}
}

// Submit posts the parameters to the service endpoint and returns the URL
// of the created job, taken from the Location header.
func (c *Client) Submit(ctx context.Context, serviceURL string, params url.Values) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.submit.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job to %s: %w", serviceURL, err)
	}
	defer drainClose(resp.Body)

	jobURL := resp.Header.Get("Location")
	if jobURL == "" {
		return "", fmt.Errorf("submit job to %s: no Location header (status %s)", serviceURL, resp.Status)
	}
	c.log.Debug("uws job submitted",
		zap.String("service", serviceURL),
		zap.String("job_url", jobURL))
	return jobURL, nil
}

// Start moves a pending remote job to the RUN phase.
func (c *Client) Start(ctx context.Context, jobURL string) error {
	return c.postPhase(ctx, jobURL, "RUN")
}

// Cancel asks the remote service to abort the job. Best effort; callers
// treat failure as advisory.
func (c *Client) Cancel(ctx context.Context, jobURL string) error {
	return c.postPhase(ctx, jobURL, string(jobs.PhaseAborted))
}

// Phase fetches the job's current phase from the plain-text phase
// endpoint. An unrecognized response maps to PhaseUnknown.
func (c *Client) Phase(ctx context.Context, jobURL string) (jobs.Phase, error) {
	body, err := c.getBody(ctx, jobEndpoint(jobURL, "phase"))
	if err != nil {
		return "", err
	}
	return ParsePhase(strings.TrimSpace(string(body))), nil
}

// GetJob fetches and parses the full job document.
func (c *Client) GetJob(ctx context.Context, jobURL string) (jobs.JobRecord, error) {
	if err := c.wait(ctx); err != nil {
		return jobs.JobRecord{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return jobs.JobRecord{}, err
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return jobs.JobRecord{}, fmt.Errorf("fetch uws job %s: %w", jobURL, err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return jobs.JobRecord{}, fmt.Errorf("fetch uws job %s: status %s", jobURL, resp.Status)
	}
	return ParseJob(resp.Body)
}

// ListJobs fetches the service's job list.
func (c *Client) ListJobs(ctx context.Context, serviceURL string) ([]JobRef, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, serviceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list uws jobs at %s: %w", serviceURL, err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list uws jobs at %s: status %s", serviceURL, resp.Status)
	}
	return ParseJobList(resp.Body)
}

// ErrorDetail fetches the human-readable error document for a failed job.
func (c *Client) ErrorDetail(ctx context.Context, jobURL string) string {
	body, err := c.getBody(ctx, jobEndpoint(jobURL, "error"))
	if err != nil {
		return fmt.Sprintf("error detail unavailable: %v", err)
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) postPhase(ctx context.Context, jobURL, phase string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	form := url.Values{"PHASE": {phase}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		jobEndpoint(jobURL, "phase"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.submit.Do(req)
	if err != nil {
		return fmt.Errorf("set phase %s on %s: %w", phase, jobURL, err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("set phase %s on %s: status %s", phase, jobURL, resp.Status)
	}
	return nil
}

func (c *Client) getBody(ctx context.Context, url string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// jobEndpoint joins a job URL and a child resource, tolerating trailing
// slashes in configured URLs.
func jobEndpoint(jobURL, child string) string {
	return strings.TrimRight(strings.TrimSpace(jobURL), "/") + "/" + child
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
