package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Client talks to the training backend REST API. All JSON calls go through
// the Deduplicator; only streaming downloads bypass it. Payloads are treated
// as opaque JSON beyond the job_id/status fields the reconciler needs.
type Client struct {
	baseURL   string
	token     string
	dedup     *Deduplicator
	http      *http.Client
	mutations atomic.Int64
}

// NewClient creates a backend client. Token may be empty for unauthenticated
// backends. A nil dedup gets a default instance.
func NewClient(baseURL, token string, dedup *Deduplicator) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if dedup == nil {
		dedup = NewDeduplicator(httpClient)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		dedup:   dedup,
		http:    httpClient,
	}
}

// ListJobs returns all training jobs visible to the token, raw payloads
func (c *Client) ListJobs(ctx context.Context) ([]json.RawMessage, error) {
	data, err := c.get(ctx, "/api/jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var jobs []json.RawMessage
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs list: %w", err)
	}
	return jobs, nil
}

// GetJob returns a single job payload by id
func (c *Client) GetJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	data, err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return data, nil
}

// CreateJob submits a new training job. Config is an opaque structure owned
// by the caller, typically assembled from pipeline and dataset ids.
func (c *Client) CreateJob(ctx context.Context, config any) (JobRecord, error) {
	data, err := c.mutate(ctx, http.MethodPost, "/api/jobs", config)
	if err != nil {
		return JobRecord{}, fmt.Errorf("failed to create job: %w", err)
	}
	return DecodeJob(data)
}

// CancelJob requests cancellation of a running job
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if _, err := c.mutate(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJob removes a job and its artifacts on the backend
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := c.mutate(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// ListDatasets returns the datasets catalog as opaque JSON
func (c *Client) ListDatasets(ctx context.Context) (json.RawMessage, error) {
	return c.getNamed(ctx, "/api/datasets", "datasets")
}

// ListPipelines returns the preprocessing pipelines catalog as opaque JSON
func (c *Client) ListPipelines(ctx context.Context) (json.RawMessage, error) {
	return c.getNamed(ctx, "/api/pipelines", "pipelines")
}

// ListModels returns trained models as opaque JSON
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	return c.getNamed(ctx, "/api/models", "models")
}

// RenameModel sets a new display name for a trained model
func (c *Client) RenameModel(ctx context.Context, modelID, name string) error {
	body := map[string]string{"name": name}
	if _, err := c.mutate(ctx, http.MethodPost, "/api/models/"+url.PathEscape(modelID)+"/rename", body); err != nil {
		return fmt.Errorf("failed to rename model %s: %w", modelID, err)
	}
	return nil
}

// DownloadModel streams model artifacts to w. Downloads bypass the
// deduplicator, a shared buffered body makes no sense for large artifacts.
func (c *Client) DownloadModel(ctx context.Context, modelID string, w io.Writer) error {
	c.mutations.Add(1)
	defer c.mutations.Add(-1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models/"+url.PathEscape(modelID)+"/download", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make download request: %w", err)
	}
	c.setAuth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model %s: %w", modelID, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errFromResponse(resp.StatusCode, body)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write model %s: %w", modelID, err)
	}
	return nil
}

// InFlightMutations reports how many mutating calls are currently running.
// The reconciler suspends polling while this is non-zero to avoid mixing a
// stale snapshot with an optimistic local update.
func (c *Client) InFlightMutations() int {
	return int(c.mutations.Load())
}

// DecodeJob parses a raw payload into the typed job view and normalizes
// sloppy metric fields
func DecodeJob(raw []byte) (JobRecord, error) {
	var job JobRecord
	if err := json.Unmarshal(raw, &job); err != nil {
		return JobRecord{}, fmt.Errorf("failed to decode job payload: %w", err)
	}
	job.Normalize()
	return job, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.dedup.Execute(ctx, Request{Method: http.MethodGet, URL: c.baseURL + path, Header: c.authHeader()})
}

func (c *Client) getNamed(ctx context.Context, path, what string) (json.RawMessage, error) {
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	return data, nil
}

// mutate runs a state-changing call, tracked for poll suspension. Identical
// mutations within the TTL window still share one round trip, same as reads.
func (c *Client) mutate(ctx context.Context, method, path string, body any) ([]byte, error) {
	c.mutations.Add(1)
	defer c.mutations.Add(-1)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal body for %s %s: %w", method, path, err)
		}
	}

	header := c.authHeader()
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}
	data, err := c.dedup.Execute(ctx, Request{Method: method, URL: c.baseURL + path, Body: payload, Header: header})
	if err != nil {
		log.Printf("[DEBUG] mutation %s %s failed: %v", method, path, err)
		return nil, err
	}
	return data, nil
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	c.setAuth(h)
	return h
}

func (c *Client) setAuth(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}
