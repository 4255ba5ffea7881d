package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelops/trainwatch/app/api"
)

func TestStore_InsertNoDuplicates(t *testing.T) {
	s := NewStore()

	ch, err := s.Insert(json.RawMessage(`{"job_id":"abc","status":"pending"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeInserted, ch.Kind)
	assert.Equal(t, 1, s.Len())

	// insert for an already-present id is a no-op on record count
	ch, err = s.Insert(json.RawMessage(`{"job_id":"abc","status":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, ch.Kind)
	assert.Equal(t, 1, s.Len())

	rec, ok := s.Get("abc")
	require.True(t, ok)
	assert.Equal(t, api.JobStatusPending, rec.Status, "duplicate insert did not overwrite")
}

func TestStore_UpdateMergesFieldLevel(t *testing.T) {
	s := NewStore()
	_, err := s.Insert(json.RawMessage(`{"job_id":"abc","status":"running","total_epochs":20,"current_epoch":3,"custom":"kept"}`))
	require.NoError(t, err)

	// a partial update carries only the fields that changed
	ch, err := s.Update(json.RawMessage(`{"job_id":"abc","current_epoch":4,"metrics":{"loss":0.2}}`))
	require.NoError(t, err)
	require.Equal(t, ChangeUpdated, ch.Kind)

	rec, ok := s.Get("abc")
	require.True(t, ok)
	assert.Equal(t, api.JobStatusRunning, rec.Status, "absent field kept previous value")
	assert.Equal(t, 20, rec.TotalEpochs)
	assert.Equal(t, 4, rec.CurrentEpoch)
	assert.JSONEq(t, `{"loss":0.2}`, string(rec.Metrics))

	// opaque fields the typed view does not know about survive the merge
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Raw, &m))
	assert.Equal(t, "kept", m["custom"])
}

func TestStore_UpdateUnknownIDNoop(t *testing.T) {
	s := NewStore()
	ch, err := s.Update(json.RawMessage(`{"job_id":"ghost","status":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, ch.Kind)
	assert.Equal(t, 0, s.Len())
}

func TestStore_UpdatePreservesLocalFields(t *testing.T) {
	s := NewStore()
	_, err := s.Insert(json.RawMessage(`{"job_id":"abc","status":"running"}`))
	require.NoError(t, err)
	s.MarkNotified("abc")
	before, _ := s.Get("abc")
	require.True(t, before.Notified)

	_, err = s.Update(json.RawMessage(`{"job_id":"abc","status":"completed"}`))
	require.NoError(t, err)

	rec, _ := s.Get("abc")
	assert.True(t, rec.Notified, "local-only flag survived the merge")
	assert.Equal(t, before.FirstSeen, rec.FirstSeen)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	s := NewStore()
	_, err := s.Insert(json.RawMessage(`{"job_id":"abc","status":"running"}`))
	require.NoError(t, err)

	_, ok := s.Delete("abc")
	assert.True(t, ok)
	assert.Equal(t, 0, s.Len())

	_, ok = s.Delete("abc")
	assert.False(t, ok, "second delete is a no-op")
	_, ok = s.Delete("never-existed")
	assert.False(t, ok)
}

func TestStore_EventSequenceSingleRecord(t *testing.T) {
	s := NewStore()
	seq := []struct {
		op      string
		payload string
	}{
		{"insert", `{"job_id":"j","status":"pending"}`},
		{"update", `{"job_id":"j","status":"running","current_epoch":1}`},
		{"insert", `{"job_id":"j","status":"pending"}`},
		{"update", `{"job_id":"j","status":"completed"}`},
	}
	for _, step := range seq {
		var err error
		switch step.op {
		case "insert":
			_, err = s.Insert(json.RawMessage(step.payload))
		case "update":
			_, err = s.Update(json.RawMessage(step.payload))
		}
		require.NoError(t, err)
		require.LessOrEqual(t, s.Len(), 1, "never more than one record per id")
	}

	rec, ok := s.Get("j")
	require.True(t, ok)
	assert.Equal(t, api.JobStatusCompleted, rec.Status, "final state reflects last applied event")
	assert.Equal(t, 1, rec.CurrentEpoch)
}

func TestStore_Upsert(t *testing.T) {
	s := NewStore()

	ch, err := s.Upsert(json.RawMessage(`{"job_id":"a","status":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeInserted, ch.Kind)

	ch, err = s.Upsert(json.RawMessage(`{"job_id":"a","status":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeUpdated, ch.Kind)
	assert.Equal(t, api.JobStatusRunning, ch.Prev.Status)
	assert.Equal(t, api.JobStatusCompleted, ch.Cur.Status)

	// identical payload is reported as no change
	ch, err = s.Upsert(json.RawMessage(`{"job_id":"a","status":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, ch.Kind)
}

func TestStore_Prune(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Insert(json.RawMessage(`{"job_id":"` + id + `","status":"running"}`))
		require.NoError(t, err)
	}

	removed := s.Prune(map[string]struct{}{"b": {}})
	assert.ElementsMatch(t, []string{"a", "c"}, removed)
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("b")
	assert.True(t, ok)
}

func TestStore_AnyActive(t *testing.T) {
	s := NewStore()
	assert.False(t, s.AnyActive())

	_, err := s.Insert(json.RawMessage(`{"job_id":"a","status":"completed"}`))
	require.NoError(t, err)
	assert.False(t, s.AnyActive())

	_, err = s.Insert(json.RawMessage(`{"job_id":"b","status":"pending"}`))
	require.NoError(t, err)
	assert.True(t, s.AnyActive())

	_, err = s.Update(json.RawMessage(`{"job_id":"b","status":"failed"}`))
	require.NoError(t, err)
	assert.False(t, s.AnyActive())
}

func TestStore_SnapshotOrder(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC().Truncate(time.Second)
	mk := func(id string, created time.Time) json.RawMessage {
		b, err := json.Marshal(map[string]any{"job_id": id, "status": "running", "created_at": created})
		require.NoError(t, err)
		return b
	}
	_, err := s.Insert(mk("old", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = s.Insert(mk("new", now))
	require.NoError(t, err)
	_, err = s.Insert(mk("mid", now.Add(-time.Hour)))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "new", snap[0].JobID)
	assert.Equal(t, "mid", snap[1].JobID)
	assert.Equal(t, "old", snap[2].JobID)
}

func TestStore_BadPayloads(t *testing.T) {
	s := NewStore()

	_, err := s.Insert(json.RawMessage(`{"status":"running"}`))
	require.Error(t, err, "insert without job_id rejected")

	_, err = s.Update(json.RawMessage(`nope`))
	require.Error(t, err)

	_, err = s.Upsert(json.RawMessage(`{"no_id":true}`))
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Load(t *testing.T) {
	s := NewStore()
	s.Load([]Record{
		{JobRecord: api.JobRecord{JobID: "a", Status: api.JobStatusCompleted}, Notified: true},
		{JobRecord: api.JobRecord{JobID: "", Status: api.JobStatusRunning}}, // skipped
	})
	assert.Equal(t, 1, s.Len())
	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.True(t, rec.Notified)
	assert.False(t, rec.FirstSeen.IsZero())
}
