package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/modelops/trainwatch/app/api"
	"github.com/modelops/trainwatch/app/reconcile"
)

// APIJob represents a job in JSON API responses
type APIJob struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	ModelName    string          `json:"model_name,omitempty"`
	CurrentEpoch int             `json:"current_epoch"`
	TotalEpochs  int             `json:"total_epochs"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	BestMetrics  json.RawMessage `json:"best_metrics,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitzero"`
	UpdatedAt    time.Time       `json:"updated_at,omitzero"`
	FirstSeen    time.Time       `json:"first_seen,omitzero"`
}

// APIStats aggregates job counts by status
type APIStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// APIJobsResponse is the JSON response for the jobs list
type APIJobsResponse struct {
	Jobs      []APIJob  `json:"jobs"`
	Stats     APIStats  `json:"stats"`
	Timestamp time.Time `json:"timestamp"`
}

// APITransition is one recorded status change
type APITransition struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// APIHistoryResponse is the JSON response for job history
type APIHistoryResponse struct {
	Job         APIJob          `json:"job"`
	Transitions []APITransition `json:"transitions"`
}

func toAPIJob(rec reconcile.Record) APIJob {
	return APIJob{
		JobID:        rec.JobID,
		Status:       string(rec.Status),
		ModelName:    rec.ModelName,
		CurrentEpoch: rec.CurrentEpoch,
		TotalEpochs:  rec.TotalEpochs,
		Metrics:      rec.Metrics,
		BestMetrics:  rec.BestMetrics,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		FirstSeen:    rec.FirstSeen,
	}
}

// jobStats aggregates counts by status
func jobStats(recs []reconcile.Record) APIStats {
	var stats APIStats
	for _, rec := range recs {
		stats.Total++
		switch rec.Status {
		case api.JobStatusPending:
			stats.Pending++
		case api.JobStatusRunning:
			stats.Running++
		case api.JobStatusCompleted:
			stats.Completed++
		case api.JobStatusFailed:
			stats.Failed++
		case api.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// handleJobs returns the reconciled job list with aggregate stats
func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	recs := s.Jobs.Snapshot()
	resp := APIJobsResponse{Jobs: make([]APIJob, 0, len(recs)), Stats: jobStats(recs), Timestamp: time.Now()}
	for _, rec := range recs {
		resp.Jobs = append(resp.Jobs, toAPIJob(rec))
	}
	rest.RenderJSON(w, resp)
}

// handleJob returns a single tracked job with its full opaque payload
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Jobs.Get(r.PathValue("id"))
	if !ok {
		s.renderError(w, http.StatusNotFound, "job not found")
		return
	}
	resp := struct {
		APIJob
		Payload json.RawMessage `json:"payload,omitempty"`
	}{APIJob: toAPIJob(rec), Payload: rec.Raw}
	rest.RenderJSON(w, resp)
}

// handleJobHistory returns recorded status transitions for a job
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Jobs.Get(r.PathValue("id"))
	if !ok {
		s.renderError(w, http.StatusNotFound, "job not found")
		return
	}
	resp := APIHistoryResponse{Job: toAPIJob(rec), Transitions: []APITransition{}}

	if s.History != nil {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		rows, err := s.History.GetTransitions(rec.JobID, limit)
		if err != nil {
			log.Printf("[WARN] failed to load history for %s: %v", rec.JobID, err)
			s.renderError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		for _, row := range rows {
			resp.Transitions = append(resp.Transitions, APITransition{FromStatus: row.FromStatus, ToStatus: row.ToStatus, OccurredAt: row.OccurredAt})
		}
	}
	rest.RenderJSON(w, resp)
}

// handleCreateJob proxies job creation to the backend, config passed through opaque
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config map[string]any
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.renderError(w, http.StatusBadRequest, "invalid job config")
		return
	}
	job, err := s.Backend.CreateJob(r.Context(), config)
	if err != nil {
		s.renderBackendError(w, err, "failed to create job")
		return
	}
	s.renderJSONWithCode(w, http.StatusCreated, job)
}

// handleCancelJob proxies cancellation to the backend
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Backend.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		s.renderBackendError(w, err, "failed to cancel job")
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleDeleteJob proxies deletion to the backend
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Backend.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		s.renderBackendError(w, err, "failed to delete job")
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleRenameModel proxies model rename to the backend
func (s *Server) handleRenameModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.renderError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.Backend.RenameModel(r.Context(), r.PathValue("id"), body.Name); err != nil {
		s.renderBackendError(w, err, "failed to rename model")
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}

// handleModelDownload streams model artifacts from the backend
func (s *Server) handleModelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.bin"`)
	if err := s.Backend.DownloadModel(r.Context(), id, w); err != nil {
		// headers are gone already, all we can do is log and drop the conn
		log.Printf("[WARN] model download %s failed: %v", id, err)
	}
}

// handleCatalog proxies read-only catalog listings to the backend
func (s *Server) handleCatalog(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data json.RawMessage
		var err error
		switch kind {
		case "datasets":
			data, err = s.Backend.ListDatasets(r.Context())
		case "pipelines":
			data, err = s.Backend.ListPipelines(r.Context())
		case "models":
			data, err = s.Backend.ListModels(r.Context())
		}
		if err != nil {
			s.renderBackendError(w, err, "failed to list "+kind)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if _, err := w.Write(data); err != nil {
			log.Printf("[WARN] failed to write %s response: %v", kind, err)
		}
	}
}

// renderBackendError maps backend HTTP errors to the same status code,
// everything else becomes a 502
func (s *Server) renderBackendError(w http.ResponseWriter, err error, msg string) {
	log.Printf("[WARN] %s: %v", msg, err)
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		s.renderError(w, httpErr.Code, httpErr.Detail)
		return
	}
	s.renderError(w, http.StatusBadGateway, msg)
}

func (s *Server) renderError(w http.ResponseWriter, code int, msg string) {
	s.renderJSONWithCode(w, code, rest.JSON{"error": msg})
}

// renderJSONWithCode writes JSON with an explicit status code
func (s *Server) renderJSONWithCode(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to render json: %v", err)
	}
}
