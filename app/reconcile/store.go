// Package reconcile keeps the local collection of training jobs consistent
// with the backend, preferring push events and falling back to polling.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelops/trainwatch/app/api"
)

// Record is a tracked job: the typed view, the full merged payload with all
// opaque fields, and local-only bookkeeping the backend never sees.
type Record struct {
	api.JobRecord
	Raw       json.RawMessage // last merged payload
	FirstSeen time.Time
	Notified  bool // terminal transition already reported
}

// ChangeKind classifies the effect of applying a payload
type ChangeKind int

// change kinds returned by store mutations
const (
	ChangeNone ChangeKind = iota
	ChangeInserted
	ChangeUpdated
	ChangeDeleted
)

// Change reports what a store mutation did, with before/after snapshots
type Change struct {
	Kind ChangeKind
	Prev Record
	Cur  Record
}

// Store is the mutex-guarded job collection keyed by job id. It guarantees
// at most one record per id, idempotent deletes and field-level merge on
// update: fields absent from an incoming payload keep their previous value.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]Record
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{jobs: make(map[string]Record)}
}

// Insert adds a job unless a record with the same id already exists.
// A duplicate insert is a no-op, which covers the race between a push
// insert event and a just-completed poll.
func (s *Store) Insert(payload json.RawMessage) (Change, error) {
	job, err := api.DecodeJob(payload)
	if err != nil {
		return Change{}, err
	}
	if job.JobID == "" {
		return Change{}, fmt.Errorf("insert payload without job_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return Change{Kind: ChangeNone}, nil
	}
	rec := Record{JobRecord: job, Raw: compactRaw(payload), FirstSeen: time.Now()}
	s.jobs[job.JobID] = rec
	return Change{Kind: ChangeInserted, Cur: rec}, nil
}

// Update merges the payload into the matching record, leaving records with
// other ids untouched. Unknown ids are a no-op, the push channel may deliver
// updates for jobs this client has never listed.
func (s *Store) Update(payload json.RawMessage) (Change, error) {
	id, err := payloadID(payload)
	if err != nil {
		return Change{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[id]
	if !ok {
		return Change{Kind: ChangeNone}, nil
	}
	return s.mergeLocked(existing, payload)
}

// Upsert applies a full job payload: merge into an existing record or insert
// a new one. This is the poll path, later writes win.
func (s *Store) Upsert(payload json.RawMessage) (Change, error) {
	id, err := payloadID(payload)
	if err != nil {
		return Change{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[id]
	if !ok {
		job, derr := api.DecodeJob(payload)
		if derr != nil {
			return Change{}, derr
		}
		rec := Record{JobRecord: job, Raw: compactRaw(payload), FirstSeen: time.Now()}
		s.jobs[id] = rec
		return Change{Kind: ChangeInserted, Cur: rec}, nil
	}
	return s.mergeLocked(existing, payload)
}

// Delete removes the record, no-op and false if absent
func (s *Store) Delete(id string) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[id]
	if !ok {
		return Change{Kind: ChangeNone}, false
	}
	delete(s.jobs, id)
	return Change{Kind: ChangeDeleted, Prev: existing}, true
}

// Prune removes every record whose id is not in keep and returns the removed
// ids. Used after a full-list poll to drop jobs deleted server-side.
func (s *Store) Prune(keep map[string]struct{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id := range s.jobs {
		if _, ok := keep[id]; !ok {
			delete(s.jobs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// MarkNotified flags the record so terminal transitions are reported once
func (s *Store) MarkNotified(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[id]; ok {
		rec.Notified = true
		s.jobs[id] = rec
	}
}

// Load seeds the store, used at startup with persisted records
func (s *Store) Load(recs []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec.JobID == "" {
			continue
		}
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = time.Now()
		}
		s.jobs[rec.JobID] = rec
	}
}

// Get returns the record for id
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

// Snapshot returns all records ordered newest first, ties broken by id
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].JobID < recs[j].JobID
	})
	return recs
}

// Len returns the number of tracked jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// AnyActive reports whether any job is pending or running, drives the
// fast-poll cadence in fallback mode
func (s *Store) AnyActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.jobs {
		if rec.Status.Active() {
			return true
		}
	}
	return false
}

// mergeLocked overlays the payload on the existing record, caller holds the lock
func (s *Store) mergeLocked(existing Record, payload json.RawMessage) (Change, error) {
	merged, err := mergeRaw(existing.Raw, payload)
	if err != nil {
		return Change{}, err
	}
	job, err := api.DecodeJob(merged)
	if err != nil {
		return Change{}, err
	}
	rec := existing
	rec.JobRecord = job
	rec.Raw = merged
	s.jobs[job.JobID] = rec

	kind := ChangeUpdated
	if string(rec.Raw) == string(existing.Raw) {
		kind = ChangeNone
	}
	return Change{Kind: kind, Prev: existing, Cur: rec}, nil
}

// mergeRaw spreads the incoming object over the previous one, field level.
// Fields missing from incoming keep their previous values.
func mergeRaw(prev, incoming json.RawMessage) (json.RawMessage, error) {
	var base map[string]any
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &base); err != nil {
			base = nil // unusable previous payload, take incoming as-is
		}
	}
	var overlay map[string]any
	if err := json.Unmarshal(incoming, &overlay); err != nil {
		return nil, fmt.Errorf("failed to decode update payload: %w", err)
	}
	if base == nil {
		return compactRaw(incoming), nil
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return merged, nil
}

// payloadID extracts job_id without decoding the full payload
func payloadID(payload json.RawMessage) (string, error) {
	var ref struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return "", fmt.Errorf("failed to extract job_id: %w", err)
	}
	if ref.JobID == "" {
		return "", fmt.Errorf("payload without job_id")
	}
	return ref.JobID, nil
}

// compactRaw normalizes raw JSON so equality checks are stable
func compactRaw(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
