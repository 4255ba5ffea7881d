// Package api implements the client for the remote training backend.
// All requests go through the Deduplicator so bursts of identical calls
// collapse into a single round trip.
package api

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a training job as reported by the backend
type JobStatus string

// job statuses known to the backend
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final, i.e. the job will not progress further
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Active reports whether the job still needs frequent monitoring
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// JobRecord is the typed view of a training job payload. Only fields the
// reconciler actually reads are typed, the rest of the payload stays opaque
// and is carried as raw JSON by the callers who need it.
type JobRecord struct {
	JobID        string          `json:"job_id" db:"job_id"`
	Status       JobStatus       `json:"status" db:"status"`
	ModelName    string          `json:"model_name,omitempty" db:"model_name"`
	CurrentEpoch int             `json:"current_epoch" db:"current_epoch"`
	TotalEpochs  int             `json:"total_epochs" db:"total_epochs"`
	Metrics      json.RawMessage `json:"metrics,omitempty" db:"metrics"`
	BestMetrics  json.RawMessage `json:"best_metrics,omitempty" db:"best_metrics"`
	CreatedAt    time.Time       `json:"created_at,omitzero" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at,omitzero" db:"updated_at"`
}

// Normalize fixes up fields the backend is known to deliver in sloppy shapes.
// Metrics sub-fields sometimes arrive as malformed or double-encoded JSON,
// fall back to an empty object instead of failing the whole update.
func (j *JobRecord) Normalize() {
	j.Metrics = normalizeObject(j.Metrics)
	j.BestMetrics = normalizeObject(j.BestMetrics)
}

func normalizeObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		return raw
	}
	// double-encoded object, i.e. a JSON string containing JSON
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if json.Unmarshal([]byte(s), &probe) == nil {
			return json.RawMessage(s)
		}
	}
	return json.RawMessage(`{}`)
}
