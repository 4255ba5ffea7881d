package reconcile

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/modelops/trainwatch/app/api"
	"github.com/modelops/trainwatch/app/push"
)

// Mode is the reconciler state: inactive, subscribing, push or poll
type Mode string

// reconciler modes
const (
	ModeInactive    Mode = "inactive"
	ModeSubscribing Mode = "subscribing"
	ModePush        Mode = "push"
	ModePoll        Mode = "poll"
)

// default cadences, overridable via Params
const (
	defaultFastPoll   = 3 * time.Second
	defaultSlowPoll   = 10 * time.Second
	defaultBackupPoll = 30 * time.Second
	defaultDetailFan  = 4
)

// JobsAPI is the slice of the backend client the reconciler needs
type JobsAPI interface {
	ListJobs(ctx context.Context) ([]json.RawMessage, error)
	GetJob(ctx context.Context, jobID string) (json.RawMessage, error)
	InFlightMutations() int
}

// Channel is an open push subscription
type Channel interface {
	Close()
	Done() <-chan struct{}
}

// Subscriber opens push channels, nil or failing subscribers degrade to polling
type Subscriber interface {
	Subscribe(ctx context.Context, req push.Request) (Channel, error)
}

// Persister stores reconciled state, all methods may be called concurrently
type Persister interface {
	SaveJobs(recs []Record) error
	RecordTransition(jobID string, from, to api.JobStatus, at time.Time) error
}

// Params configures a Reconciler
type Params struct {
	Client JobsAPI
	Pusher Subscriber // nil disables push entirely

	PushURL string
	Channel string
	UserID  string
	Token   string

	FastPoll   time.Duration // fallback cadence while any job is active
	SlowPoll   time.Duration // fallback cadence when all jobs are settled
	BackupPoll time.Duration // infrequent backup cadence while push is active
	DetailFan  int           // concurrent detail fetches per poll, 0 disables

	Persist      Persister              // nil disables persistence
	OnTransition func(prev, cur Record) // fired once per terminal transition
}

// Reconciler merges push events with polling into a single consistent Store.
// One instance per active view, torn down by cancelling the Run context.
type Reconciler struct {
	Params
	store  *Store
	mode   atomic.Value // Mode
	closed atomic.Bool
}

// New creates a reconciler with defaults applied
func New(p Params) *Reconciler {
	if p.FastPoll <= 0 {
		p.FastPoll = defaultFastPoll
	}
	if p.SlowPoll <= 0 {
		p.SlowPoll = defaultSlowPoll
	}
	if p.BackupPoll <= 0 {
		p.BackupPoll = defaultBackupPoll
	}
	if p.DetailFan < 0 {
		p.DetailFan = 0
	} else if p.DetailFan == 0 {
		p.DetailFan = defaultDetailFan
	}
	r := &Reconciler{Params: p, store: NewStore()}
	r.mode.Store(ModeInactive)
	return r
}

// Store exposes the job collection for read-only consumers
func (r *Reconciler) Store() *Store { return r.store }

// Mode returns the current reconciler state
func (r *Reconciler) Mode() Mode { return r.mode.Load().(Mode) }

// Run is the blocking reconciliation loop. It attempts a push subscription,
// polls on the appropriate cadence and tears everything down exactly once
// when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer func() {
		r.closed.Store(true)
		r.mode.Store(ModeInactive)
	}()

	sub := r.subscribe(ctx)
	if sub != nil {
		defer sub.Close()
		r.mode.Store(ModePush)
	} else {
		r.mode.Store(ModePoll)
	}

	r.poll(ctx) // initial snapshot before the first tick

	for {
		subDone := chanOrNil(sub)
		timer := time.NewTimer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-subDone:
			timer.Stop()
			log.Printf("[WARN] push channel lost, falling back to polling")
			sub.Close() // exactly-once semantics are the subscription's
			sub = nil
			r.mode.Store(ModePoll)
		case <-timer.C:
			if r.Client.InFlightMutations() > 0 {
				log.Printf("[DEBUG] poll skipped, mutation in flight")
				continue
			}
			r.poll(ctx)
		}
	}
}

// chanOrNil returns a nil channel for a nil subscription, blocking forever in select
func chanOrNil(sub Channel) <-chan struct{} {
	if sub == nil {
		return nil
	}
	return sub.Done()
}

// interval picks the next poll delay from mode and job activity
func (r *Reconciler) interval() time.Duration {
	if r.Mode() == ModePush {
		return r.BackupPoll
	}
	if r.store.AnyActive() {
		return r.FastPoll
	}
	return r.SlowPoll
}

// subscribe tries to open the push channel. Any failure degrades to polling
// and is never surfaced to the caller.
func (r *Reconciler) subscribe(ctx context.Context) Channel {
	if r.Pusher == nil || r.PushURL == "" || r.UserID == "" {
		return nil
	}
	r.mode.Store(ModeSubscribing)

	sub, err := r.Pusher.Subscribe(ctx, push.Request{
		URL:     r.PushURL,
		Token:   r.Token,
		Channel: r.Channel,
		UserID:  r.UserID,
		Handlers: push.Handlers{
			OnInsert: r.onInsert,
			OnUpdate: r.onUpdate,
			OnDelete: r.onDelete,
		},
	})
	if err != nil {
		log.Printf("[WARN] push channel unavailable, polling instead: %v", err)
		return nil
	}
	return sub
}

// poll fetches the full job list and reconciles it into the store. Results
// arriving after teardown are discarded.
func (r *Reconciler) poll(ctx context.Context) {
	payloads, err := r.Client.ListJobs(ctx)
	if err != nil {
		log.Printf("[WARN] poll failed: %v", err)
		return
	}
	if r.closed.Load() || ctx.Err() != nil {
		return // torn down while the request was in flight
	}

	keep := make(map[string]struct{}, len(payloads))
	changed := false
	unusable := false
	for _, payload := range payloads {
		ch, err := r.store.Upsert(payload)
		if err != nil {
			log.Printf("[WARN] skipping unusable job payload: %v", err)
			unusable = true
			continue
		}
		keep[ch.Cur.JobID] = struct{}{}
		if r.handleChange(ch) {
			changed = true
		}
	}

	// an unusable entry may be the mangled form of a tracked job, pruning on
	// such a list would turn a transient glitch into local state loss
	if unusable {
		log.Printf("[DEBUG] prune skipped, list contained unusable payloads")
	} else if removed := r.store.Prune(keep); len(removed) > 0 {
		log.Printf("[INFO] %d job(s) removed server-side: %v", len(removed), removed)
		changed = true
	}

	r.fetchDetails(ctx)

	if changed {
		r.save()
	}
}

// fetchDetails enriches active jobs with per-job payloads which carry fresh
// metrics the list endpoint omits. Fanned out with a sized group.
func (r *Reconciler) fetchDetails(ctx context.Context) {
	if r.DetailFan == 0 {
		return
	}
	var active []string
	for _, rec := range r.store.Snapshot() {
		if rec.Status == api.JobStatusRunning {
			active = append(active, rec.JobID)
		}
	}
	if len(active) == 0 {
		return
	}

	gr := syncs.NewSizedGroup(r.DetailFan, syncs.Context(ctx))
	for _, id := range active {
		gr.Go(func(gctx context.Context) {
			payload, err := r.Client.GetJob(gctx, id)
			if err != nil {
				log.Printf("[DEBUG] detail fetch for %s failed: %v", id, err)
				return
			}
			if r.closed.Load() {
				return
			}
			ch, err := r.store.Update(payload)
			if err != nil {
				log.Printf("[WARN] detail payload for %s unusable: %v", id, err)
				return
			}
			r.handleChange(ch)
		})
	}
	gr.Wait()
}

// push handlers, each guarded for liveness after teardown

func (r *Reconciler) onInsert(payload json.RawMessage) {
	if r.closed.Load() {
		return
	}
	ch, err := r.store.Insert(payload)
	if err != nil {
		log.Printf("[WARN] push insert payload unusable: %v", err)
		return
	}
	if r.handleChange(ch) {
		r.save()
	}
}

func (r *Reconciler) onUpdate(payload json.RawMessage) {
	if r.closed.Load() {
		return
	}
	ch, err := r.store.Update(payload)
	if err != nil {
		log.Printf("[WARN] push update payload unusable: %v", err)
		return
	}
	if r.handleChange(ch) {
		r.save()
	}
}

func (r *Reconciler) onDelete(jobID string) {
	if r.closed.Load() {
		return
	}
	if _, ok := r.store.Delete(jobID); ok {
		log.Printf("[INFO] job %s deleted via push", jobID)
		r.save()
	}
}

// handleChange records status transitions and fires the terminal hook once.
// Returns true when the store content changed.
func (r *Reconciler) handleChange(ch Change) bool {
	switch ch.Kind {
	case ChangeNone, ChangeDeleted:
		return ch.Kind == ChangeDeleted
	case ChangeInserted:
		log.Printf("[INFO] job %s discovered, status %s", ch.Cur.JobID, ch.Cur.Status)
		return true
	case ChangeUpdated:
		// fallthrough to transition handling below
	}

	if ch.Prev.Status == ch.Cur.Status {
		return true
	}
	log.Printf("[INFO] job %s: %s -> %s", ch.Cur.JobID, ch.Prev.Status, ch.Cur.Status)

	if r.Persist != nil {
		if err := r.Persist.RecordTransition(ch.Cur.JobID, ch.Prev.Status, ch.Cur.Status, time.Now()); err != nil {
			log.Printf("[WARN] failed to record transition for %s: %v", ch.Cur.JobID, err)
		}
	}
	if ch.Cur.Status.Terminal() && !ch.Prev.Status.Terminal() && !ch.Cur.Notified {
		if r.OnTransition != nil {
			r.OnTransition(ch.Prev, ch.Cur)
		}
		r.store.MarkNotified(ch.Cur.JobID)
	}
	return true
}

// save persists the current snapshot, failures degrade to logging
func (r *Reconciler) save() {
	if r.Persist == nil {
		return
	}
	if err := r.Persist.SaveJobs(r.store.Snapshot()); err != nil {
		log.Printf("[WARN] failed to persist jobs: %v", err)
	}
}
