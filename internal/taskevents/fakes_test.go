package taskevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errConnClosed = errors.New("fake connection closed")

// fakeConn is a scripted task channel.
type fakeConn struct {
	events chan Event
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []ControlMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 32),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadEvent(ctx context.Context) (Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.fail:
		return Event{}, err
	case <-f.closed:
		return Event{}, errConnClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *fakeConn) WriteControl(_ context.Context, msg ControlMessage) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) sentOfType(typ string) []ControlMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ControlMessage
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out queued results and blocks when none is queued.
type fakeDialer struct {
	results chan dialResult

	mu    sync.Mutex
	urls  []string
	dials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) push(conn Conn, err error) {
	d.results <- dialResult{conn: conn, err: err}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// failingDialer always fails.
type failingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return nil, errors.New("connection refused")
}

// stepClock fires every timer immediately and advances by its duration.
type stepClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.delays = append(c.delays, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *stepClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// recorder captures observer callbacks as short strings.
type recorder struct {
	calls chan string

	mu          sync.Mutex
	disconnects []DisconnectInfo
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan string, 64)}
}

func (r *recorder) OnConnect() { r.calls <- "connect" }

func (r *recorder) OnEvent(ev Event) {
	switch ev.Type {
	case EventProgress:
		r.calls <- fmt.Sprintf("progress:%g", ev.Percentage)
	default:
		r.calls <- string(ev.Type) + ":" + ev.Message
	}
}

func (r *recorder) OnDisconnect(info DisconnectInfo) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, info)
	r.mu.Unlock()
	r.calls <- fmt.Sprintf("disconnect:%v", info.Final)
}

func (r *recorder) lastDisconnect() DisconnectInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.disconnects) == 0 {
		return DisconnectInfo{}
	}
	return r.disconnects[len(r.disconnects)-1]
}

func (r *recorder) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.calls:
			if got != w {
				t.Fatalf("expected callback %q, got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback %q", w)
		}
	}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.calls:
		t.Fatalf("unexpected callback %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestRegistry(t *testing.T, dialer Dialer, clock Clock, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := Config{
		BaseURL:           "ws://gateway.test",
		Dialer:            dialer,
		HeartbeatInterval: -1,
		Clock:             clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
