package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListJobs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "Bearer tkn-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"job_id":"j1","status":"running"},{"job_id":"j2","status":"completed"}]`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "tkn-123", NewDeduplicator(ts.Client()))
	jobs, err := c.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	job, err := DecodeJob(jobs[0])
	require.NoError(t, err)
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, JobStatusRunning, job.Status)
}

func TestClient_GetJobError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"job not found"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))
	_, err := c.GetJob(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestClient_CreateJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"pipeline_id":"p1","dataset_id":"d1"}`, string(body))
		_, _ = w.Write([]byte(`{"job_id":"new-1","status":"pending","total_epochs":10}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))
	job, err := c.CreateJob(context.Background(), map[string]string{"pipeline_id": "p1", "dataset_id": "d1"})
	require.NoError(t, err)
	assert.Equal(t, "new-1", job.JobID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 10, job.TotalEpochs)
}

func TestClient_MutationsTracked(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"job_id":"j1","status":"cancelled"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))
	assert.Equal(t, 0, c.InFlightMutations())

	done := make(chan error, 1)
	go func() { done <- c.CancelJob(context.Background(), "j1") }()

	require.Eventually(t, func() bool { return c.InFlightMutations() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.InFlightMutations())
}

func TestClient_RenameModel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/models/m1/rename", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"prod candidate"}`, string(body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))
	require.NoError(t, c.RenameModel(context.Background(), "m1", "prod candidate"))
}

func TestClient_DownloadModel(t *testing.T) {
	payload := bytes.Repeat([]byte("weights"), 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/models/m1/download", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))
	var buf bytes.Buffer
	require.NoError(t, c.DownloadModel(context.Background(), "m1", &buf))
	assert.Equal(t, payload, buf.Bytes())
}

func TestClient_ListCatalogs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/datasets":
			_, _ = w.Write([]byte(`[{"id":"d1"}]`))
		case "/api/pipelines":
			_, _ = w.Write([]byte(`[{"id":"p1"}]`))
		case "/api/models":
			_, _ = w.Write([]byte(`[{"id":"m1"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", NewDeduplicator(ts.Client()))

	datasets, err := c.ListDatasets(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"d1"}]`, string(datasets))

	pipelines, err := c.ListPipelines(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"p1"}]`, string(pipelines))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"m1"}]`, string(models))
}

func TestDecodeJob_NormalizesMetrics(t *testing.T) {
	tbl := []struct {
		name     string
		payload  string
		metrics  string
		bestnone bool
	}{
		{"proper object", `{"job_id":"j","status":"running","metrics":{"loss":0.5}}`, `{"loss":0.5}`, true},
		{"double encoded", `{"job_id":"j","status":"running","metrics":"{\"loss\":0.5}"}`, `{"loss":0.5}`, true},
		{"garbage", `{"job_id":"j","status":"running","metrics":"not json"}`, `{}`, true},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob([]byte(tt.payload))
			require.NoError(t, err)
			assert.JSONEq(t, tt.metrics, string(job.Metrics))
			if tt.bestnone {
				assert.Empty(t, job.BestMetrics)
			}
		})
	}
}

func TestJobStatus_Predicates(t *testing.T) {
	assert.True(t, JobStatusRunning.Active())
	assert.True(t, JobStatusPending.Active())
	assert.False(t, JobStatusCompleted.Active())

	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
}

func TestDecodeJob_BadPayload(t *testing.T) {
	_, err := DecodeJob([]byte(`not a json object`))
	require.Error(t, err)
	var job JobRecord
	require.Error(t, json.Unmarshal([]byte(`[]`), &job))
}
