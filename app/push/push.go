// Package push implements the server-initiated event stream for job records.
// The backend exposes row-level change notifications over SSE, scoped by an
// equality filter on the user identity. Failure to open a stream is an
// ordinary error, callers are expected to degrade to polling.
package push

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// event kinds delivered on the stream
const (
	eventInsert = "job-insert"
	eventUpdate = "job-update"
	eventDelete = "job-delete"
)

// Handlers receive row-level change notifications. Payloads are raw job
// records, delete carries only the job id.
type Handlers struct {
	OnInsert func(payload json.RawMessage)
	OnUpdate func(payload json.RawMessage)
	OnDelete func(jobID string)
}

// Request describes a subscription to open
type Request struct {
	URL      string // SSE endpoint of the backend
	Token    string // bearer token, may be empty
	Channel  string // channel name, e.g. "jobs"
	UserID   string // equality filter on the user identity
	Handlers Handlers
}

// Subscription is an open push channel. Close is idempotent and guarantees
// no handler fires after it returns control of the dispatch flag.
type Subscription struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Subscriber opens push subscriptions, satisfied by Client
type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (*Subscription, error)
}

// Client opens SSE subscriptions against the backend
type Client struct {
	http *http.Client

	// ConnectAttempts limits retries on the initial connect, default 3
	ConnectAttempts int
}

// NewClient creates a push client. SSE responses are long-lived, the
// underlying http client must not carry an overall timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{}, ConnectAttempts: 3}
}

// Subscribe opens the stream and starts dispatching events until the
// connection drops, the context is cancelled or Close is called.
func (c *Client) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	var resp *http.Response
	rptr := repeater.New(&strategy.Backoff{Repeats: c.attempts(), Duration: 500 * time.Millisecond, Factor: 2})
	err := rptr.Do(subCtx, func() error {
		var e error
		resp, e = c.connect(subCtx, req)
		return e
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open push channel: %w", err)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go sub.readLoop(resp, req.Handlers)
	log.Printf("[INFO] push channel open, channel=%s user=%s", req.Channel, req.UserID)
	return sub, nil
}

func (c *Client) attempts() int {
	if c.ConnectAttempts > 0 {
		return c.ConnectAttempts
	}
	return 3
}

func (c *Client) connect(ctx context.Context, req Request) (*http.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid push URL %q: %w", req.URL, err)
	}
	q := u.Query()
	q.Set("channel", req.Channel)
	q.Set("user_id", req.UserID)
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to make push request: %w", err)
	}
	hreq.Header.Set("Accept", "text/event-stream")
	hreq.Header.Set("Cache-Control", "no-cache")
	if req.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("push connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("push connect rejected with status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("push endpoint returned unexpected content type %q", ct)
	}
	return resp, nil
}

// Close tears the subscription down, safe to call multiple times. After the
// dispatch flag flips no further handlers fire.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Done is closed when the transport disconnects for any reason, including
// an explicit Close. Owners watch it to re-enter polling fallback.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// readLoop scans the SSE wire format: "event:" and "data:" lines accumulate
// until a blank line terminates the event.
func (s *Subscription) readLoop(resp *http.Response, h Handlers) {
	defer close(s.done)
	defer resp.Body.Close() //nolint:errcheck // read-only body

	var event string
	var data strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				s.dispatch(event, data.String(), h)
			}
			event, data = "", strings.Builder{}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive, skip
		}
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		log.Printf("[WARN] push channel read failed: %v", err)
	}
}

func (s *Subscription) dispatch(event, data string, h Handlers) {
	if s.closed.Load() {
		return
	}
	payload := json.RawMessage(data)

	switch event {
	case eventInsert:
		if h.OnInsert != nil {
			h.OnInsert(payload)
		}
	case eventUpdate:
		if h.OnUpdate != nil {
			h.OnUpdate(payload)
		}
	case eventDelete:
		var ref struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil || ref.JobID == "" {
			log.Printf("[WARN] push delete event with unusable payload %q", data)
			return
		}
		if h.OnDelete != nil {
			h.OnDelete(ref.JobID)
		}
	default:
		log.Printf("[DEBUG] ignoring unknown push event %q", event)
	}
}
