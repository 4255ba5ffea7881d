package persistence

import (
	"encoding/json"
	"time"

	"github.com/modelops/trainwatch/app/api"
	"github.com/modelops/trainwatch/app/reconcile"
)

// Recorder adapts SQLiteStore to the reconciler's Persister interface
type Recorder struct {
	Store *SQLiteStore
}

// SaveJobs persists the current reconciled snapshot
func (r *Recorder) SaveJobs(recs []reconcile.Record) error {
	rows := make([]JobRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, JobRow{
			JobID:        rec.JobID,
			Status:       string(rec.Status),
			ModelName:    rec.ModelName,
			CurrentEpoch: rec.CurrentEpoch,
			TotalEpochs:  rec.TotalEpochs,
			Payload:      rec.Raw,
			Notified:     rec.Notified,
			FirstSeen:    rec.FirstSeen,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	return r.Store.SaveJobs(rows)
}

// RecordTransition appends a status change to the history
func (r *Recorder) RecordTransition(jobID string, from, to api.JobStatus, at time.Time) error {
	return r.Store.RecordTransition(TransitionRow{JobID: jobID, FromStatus: string(from), ToStatus: string(to), OccurredAt: at})
}

// LoadRecords restores persisted rows as reconciler records. Rows with a
// usable payload are rebuilt from it so opaque fields survive restarts.
func (r *Recorder) LoadRecords() ([]reconcile.Record, error) {
	rows, err := r.Store.LoadJobs()
	if err != nil {
		return nil, err
	}
	recs := make([]reconcile.Record, 0, len(rows))
	for _, row := range rows {
		rec := reconcile.Record{
			JobRecord: api.JobRecord{
				JobID:        row.JobID,
				Status:       api.JobStatus(row.Status),
				ModelName:    row.ModelName,
				CurrentEpoch: row.CurrentEpoch,
				TotalEpochs:  row.TotalEpochs,
				CreatedAt:    row.CreatedAt,
				UpdatedAt:    row.UpdatedAt,
			},
			Raw:       json.RawMessage(row.Payload),
			FirstSeen: row.FirstSeen,
			Notified:  row.Notified,
		}
		if job, derr := api.DecodeJob(row.Payload); derr == nil && job.JobID != "" {
			rec.JobRecord = job
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
