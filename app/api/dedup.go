package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dedup defaults, tunable per Deduplicator instance
const (
	DefaultTTL     = 5 * time.Second
	DefaultMaxSize = 100
)

// Deduplicator collapses concurrent identical requests into a single network
// call. A request is identified by method, url and body; all callers sharing
// a key within the TTL window get the result (or error) of one round trip.
// Construct instances explicitly, there is no package-level singleton.
type Deduplicator struct {
	TTL     time.Duration // reuse window for in-flight entries
	MaxSize int           // max tracked entries, oldest evicted first

	client  *http.Client
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// pendingRequest is a single in-flight call shared by all waiters on its key
type pendingRequest struct {
	createdAt time.Time
	done      chan struct{}
	body      []byte
	err       error
}

// Request describes a single backend call. BodyReader, when set, marks the
// body as opaque (uploads, multipart) and makes the key unique so unrelated
// payloads are never accidentally shared.
type Request struct {
	Method     string
	URL        string
	Body       []byte
	BodyReader io.Reader
	Header     http.Header
	TTL        time.Duration // 0 means the deduplicator default
}

// NewDeduplicator creates a Deduplicator with default TTL and size limits.
// A nil client falls back to http.DefaultClient.
func NewDeduplicator(client *http.Client) *Deduplicator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Deduplicator{
		TTL:     DefaultTTL,
		MaxSize: DefaultMaxSize,
		client:  client,
		pending: make(map[string]*pendingRequest),
	}
}

// Execute performs the request, joining an existing in-flight call for the
// same key when one is younger than the TTL. The first caller drives the
// network I/O; waiters that cancel their context detach without aborting
// the shared call.
func (d *Deduplicator) Execute(ctx context.Context, req Request) ([]byte, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = d.TTL
	}
	key := requestKey(req)
	now := time.Now()

	d.mu.Lock()
	d.cleanupLocked(now)
	if e, ok := d.pending[key]; ok && now.Sub(e.createdAt) < ttl {
		d.mu.Unlock()
		return e.wait(ctx)
	}
	e := &pendingRequest{createdAt: now, done: make(chan struct{})}
	d.pending[key] = e
	d.evictLocked()
	d.mu.Unlock()

	e.body, e.err = d.roundTrip(ctx, req)
	close(e.done)

	// remove on settle so the next call for this key hits the network
	d.mu.Lock()
	if cur, ok := d.pending[key]; ok && cur == e {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	return e.body, e.err
}

// Size returns the number of tracked in-flight entries
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// wait blocks until the shared call settles or the waiter's context is done
func (e *pendingRequest) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-e.done:
		return e.body, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// roundTrip performs the actual HTTP call and maps non-2xx responses to HTTPError
func (d *Deduplicator) roundTrip(ctx context.Context, req Request) ([]byte, error) {
	var body io.Reader
	switch {
	case req.BodyReader != nil:
		body = req.BodyReader
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to make request %s %s: %w", req.Method, req.URL, err)
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := d.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response %s %s: %w", req.Method, req.URL, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

// requestKey builds the dedup key. Streamed bodies can't be serialized into
// a stable key, each gets a unique one to prevent unsafe sharing.
func requestKey(req Request) string {
	if req.BodyReader != nil {
		return req.Method + ":" + req.URL + ":" + uuid.New().String()
	}
	return req.Method + ":" + req.URL + ":" + string(req.Body)
}

// cleanupLocked drops entries older than the global TTL, caller holds the lock
func (d *Deduplicator) cleanupLocked(now time.Time) {
	for k, e := range d.pending {
		if now.Sub(e.createdAt) >= d.TTL {
			delete(d.pending, k)
		}
	}
}

// evictLocked enforces MaxSize by removing oldest entries, caller holds the lock
func (d *Deduplicator) evictLocked() {
	for len(d.pending) > d.MaxSize {
		oldestKey := ""
		var oldest time.Time
		for k, e := range d.pending {
			if oldestKey == "" || e.createdAt.Before(oldest) {
				oldestKey, oldest = k, e.createdAt
			}
		}
		delete(d.pending, oldestKey)
	}
}
