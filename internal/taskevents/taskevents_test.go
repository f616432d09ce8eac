package taskevents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name   string
		from   State
		in     input
		want   State
		wantOK bool
	}{
		{"start", StateIdle, inputStart, StateConnecting, true},
		{"connected", StateConnecting, inputConnected, StateOpen, true},
		{"dial failed", StateConnecting, inputDialFailed, StateReconnecting, true},
		{"disconnect while open", StateOpen, inputDisconnected, StateReconnecting, true},
		{"retry", StateReconnecting, inputRetry, StateConnecting, true},
		{"exhausted", StateReconnecting, inputExhausted, StateGaveUp, true},
		{"complete", StateOpen, inputComplete, StateCompleted, true},
		{"error", StateOpen, inputError, StateFailed, true},
		{"rejected while open", StateOpen, inputRejected, StateGaveUp, true},
		{"rejected while connecting", StateConnecting, inputRejected, StateConnecting, false},
		{"close from reconnecting", StateReconnecting, inputClose, StateClosed, true},
		{"close from open", StateOpen, inputClose, StateClosed, true},
		{"complete while connecting", StateConnecting, inputComplete, StateConnecting, false},
		{"retry while open", StateOpen, inputRetry, StateOpen, false},
		{"completed is terminal", StateCompleted, inputDisconnected, StateCompleted, false},
		{"gave up is terminal", StateGaveUp, inputRetry, StateGaveUp, false},
		{"closed ignores close", StateClosed, inputClose, StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := next(tt.from, tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("next(%s, %d) = %s, %v; want %s, %v", tt.from, tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := DefaultBackoffPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{3, 3375 * time.Millisecond},
		{10, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffPolicy_StopsAfterMaxAttempts(t *testing.T) {
	b := BackoffPolicy{Base: 100 * time.Millisecond, MaxAttempts: 3}.NewBackOff(nil)
	for i := 0; i < 3; i++ {
		if d := b.NextBackOff(); d == backoff.Stop {
			t.Fatalf("attempt %d: stopped early", i)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("expected stop after max attempts, got %v", d)
	}
	b.Reset()
	if d := b.NextBackOff(); d != 100*time.Millisecond {
		t.Errorf("expected reset schedule to restart at base, got %v", d)
	}
}

func TestEventDecoding(t *testing.T) {
	raw := `{"type":"log","level":"verbose","message":"hi","timestamp":"2026-05-01T08:00:00Z"}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Level != LevelInfo {
		t.Errorf("expected unknown level to fall back to info, got %s", ev.Level)
	}
	if ev.Terminal() {
		t.Error("log is not terminal")
	}

	for _, typ := range []EventType{EventComplete, EventError} {
		if !(Event{Type: typ}).Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	if _, ok := ParseEventType("bogus"); ok {
		t.Error("expected unknown event type to be rejected")
	}
	if ParseLogLevel("WARN") != LevelWarning {
		t.Error("expected warn alias")
	}
}

func TestOpen_InvalidTaskID(t *testing.T) {
	r := newTestRegistry(t, newFakeDialer(), newStepClock(), nil)
	for _, id := range []string{"", "has space", "slash/inside", strings.Repeat("a", 129)} {
		if _, err := r.Open(context.Background(), id, nil); !errors.Is(err, versions.ErrInvalidTaskID) {
			t.Errorf("Open(%q): expected ErrInvalidTaskID, got %v", id, err)
		}
	}
}

func TestReconnectContinuesTask(t *testing.T) {
	dialer := newFakeDialer()
	clock := newStepClock()
	r := newTestRegistry(t, dialer, clock, nil)

	first, second := newFakeConn(), newFakeConn()
	dialer.push(first, nil)
	dialer.push(second, nil)

	start := clock.Now()
	rec := newRecorder()
	h, err := r.Open(context.Background(), "task-1", rec, WithStartTime(start))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	rec.expect(t, "connect")
	first.events <- Event{Type: EventProgress, Percentage: 40}
	rec.expect(t, "progress:40")

	first.fail <- errors.New("connection reset")
	rec.expect(t, "disconnect:false", "connect")

	second.events <- Event{Type: EventProgress, Percentage: 70}
	second.events <- Event{Type: EventComplete, Message: "done"}
	rec.expect(t, "progress:70", "complete:done")
	rec.expectNone(t)

	if info := rec.lastDisconnect(); info.Final {
		t.Error("the reconnect must not report a final disconnect")
	}

	hist := first.sentOfType(ControlRequestHistory)
	if len(hist) != 1 {
		t.Fatalf("expected one history request on the first connection, got %d", len(hist))
	}
	if hist[0].FromTime == nil || !hist[0].FromTime.Equal(start) {
		t.Errorf("expected history from operation start, got %v", hist[0].FromTime)
	}
	if n := len(second.sentOfType(ControlRequestHistory)); n != 0 {
		t.Errorf("expected no history request after reconnect, got %d", n)
	}

	if delays := clock.recorded(); len(delays) != 1 || delays[0] != DefaultBackoffBase {
		t.Errorf("expected a single base backoff delay, got %v", delays)
	}
	waitUntil(t, second.isClosed)
	if state, _ := r.State("task-1"); state != StateCompleted {
		t.Errorf("expected completed state, got %s", state)
	}
	if dialer.urls[0] != "ws://gateway.test/ws/tasks/task-1" {
		t.Errorf("unexpected url %s", dialer.urls[0])
	}
}

func TestFanOutAndTerminalReplay(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), nil)
	conn := newFakeConn()
	dialer.push(conn, nil)

	modal, toast := newRecorder(), newRecorder()
	h1, err := r.Open(context.Background(), "task-2", modal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h1.Close()
	modal.expect(t, "connect")

	h2, err := r.Open(context.Background(), "task-2", toast)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h2.Close()
	toast.expect(t, "connect")

	conn.events <- Event{Type: EventLog, Message: "cloning"}
	conn.events <- Event{Type: EventError, Message: "disk full"}
	modal.expect(t, "log:cloning", "error:disk full")
	toast.expect(t, "log:cloning", "error:disk full")

	late := newRecorder()
	h3, err := r.Open(context.Background(), "task-2", late)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h3.Close()
	late.expect(t, "error:disk full")

	if dialer.count() != 1 {
		t.Errorf("expected a single shared connection, got %d dials", dialer.count())
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	dialer := &failingDialer{}
	clock := newStepClock()
	r := newTestRegistry(t, dialer, clock, func(c *Config) {
		c.Backoff = BackoffPolicy{Base: time.Second, Max: 15 * time.Second, Multiplier: 1.5, MaxAttempts: 2}
	})

	rec := newRecorder()
	h, err := r.Open(context.Background(), "task-3", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	rec.expect(t, "disconnect:true")
	info := rec.lastDisconnect()
	if !errors.Is(info.Err, versions.ErrChannelConnection) {
		t.Errorf("expected ErrChannelConnection, got %v", info.Err)
	}
	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	if dials != 3 {
		t.Errorf("expected initial dial plus 2 retries, got %d", dials)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond}
	got := clock.recorded()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected delays %v, got %v", want, got)
	}
	if _, ok := r.State("task-3"); ok {
		t.Error("a connection that gave up must leave the registry")
	}
}

func TestIgnoredFramesAreDropped(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), nil)
	conn := newFakeConn()
	dialer.push(conn, nil)

	rec := newRecorder()
	h, err := r.Open(context.Background(), "task-5", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()
	rec.expect(t, "connect")

	conn.events <- Event{Type: EventPong}
	conn.events <- Event{Type: "mystery"}
	conn.events <- Event{Type: EventLog, Message: "still here"}
	rec.expect(t, "log:still here")
	rec.expectNone(t)
}

func TestUnknownTaskGivesUp(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), nil)
	conn := newFakeConn()
	dialer.push(conn, nil)

	rec := newRecorder()
	h, err := r.Open(context.Background(), "expired-task", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()
	rec.expect(t, "connect")

	conn.events <- Event{Type: EventError, Code: CodeUnknownTask, Message: "no such task"}
	rec.expect(t, "disconnect:true")
	rec.expectNone(t)

	if info := rec.lastDisconnect(); !errors.Is(info.Err, versions.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", info.Err)
	}
	if dialer.count() != 1 {
		t.Errorf("expected no reconnect, got %d dials", dialer.count())
	}
	if _, ok := r.State("expired-task"); ok {
		t.Error("a rejected connection must leave the registry")
	}
}

// flappingDialer accepts every dial with a connection that drops at once
// without delivering a task event.
type flappingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *flappingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	conn := newFakeConn()
	conn.events <- Event{Type: EventPong}
	conn.fail <- errors.New("connection reset")
	return conn, nil
}

func TestFlappingConnectionStillGivesUp(t *testing.T) {
	dialer := &flappingDialer{}
	r := newTestRegistry(t, dialer, newStepClock(), func(c *Config) {
		c.Backoff = BackoffPolicy{Base: time.Second, Max: 15 * time.Second, Multiplier: 1.5, MaxAttempts: 3}
	})

	final := make(chan DisconnectInfo, 1)
	h, err := r.Open(context.Background(), "task-6", ObserverFuncs{
		Disconnect: func(info DisconnectInfo) {
			if info.Final {
				final <- info
			}
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	select {
	case info := <-final:
		if !errors.Is(info.Err, versions.ErrChannelConnection) {
			t.Errorf("expected ErrChannelConnection, got %v", info.Err)
		}
	case <-time.After(2 * time.Second):
		dialer.mu.Lock()
		n := dialer.dials
		dialer.mu.Unlock()
		t.Fatalf("channel never gave up after %d dials", n)
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if dialer.dials != 4 {
		t.Errorf("expected initial dial plus 3 retries, got %d", dialer.dials)
	}
}

func TestHistoryFrameIsReplayedInOrder(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), nil)
	conn := newFakeConn()
	dialer.push(conn, nil)

	rec := newRecorder()
	h, err := r.Open(context.Background(), "task-4", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()
	rec.expect(t, "connect")

	conn.events <- Event{Type: EventHistory, Entries: []Event{
		{Type: EventStatus, Message: "downloading"},
		{Type: EventProgress, Percentage: 10},
		{Type: EventLog, Message: "fetched"},
	}}
	rec.expect(t, "status:downloading", "progress:10", "log:fetched")
}

func TestHeartbeatMissTriggersReconnect(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), func(c *Config) {
		c.HeartbeatInterval = time.Second
	})
	silent, next := newFakeConn(), newFakeConn()
	dialer.push(silent, nil)
	dialer.push(next, nil)

	rec := newRecorder()
	h, err := r.Open(context.Background(), "task-5", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	rec.expect(t, "connect", "disconnect:false", "connect")
	if info := rec.lastDisconnect(); !errors.Is(info.Err, errHeartbeatMissed) {
		t.Errorf("expected missed heartbeat, got %v", info.Err)
	}
	if len(silent.sentOfType(ControlPing)) == 0 {
		t.Error("expected at least one ping before the miss")
	}
}

func TestHandleClose_LastObserverTearsDown(t *testing.T) {
	dialer := newFakeDialer()
	r := newTestRegistry(t, dialer, newStepClock(), nil)
	conn := newFakeConn()
	dialer.push(conn, nil)

	a, b := newRecorder(), newRecorder()
	ha, _ := r.Open(context.Background(), "task-6", a)
	hb, _ := r.Open(context.Background(), "task-6", b)
	a.expect(t, "connect")

	ha.Close()
	ha.Close()
	if _, ok := r.State("task-6"); !ok {
		t.Fatal("connection must survive while an observer remains")
	}
	conn.events <- Event{Type: EventLog, Message: "only b"}
	waitUntil(t, func() bool { return len(b.calls) >= 2 })
	a.expectNone(t)

	hb.Close()
	waitUntil(t, conn.isClosed)
	if _, ok := r.State("task-6"); ok {
		t.Error("expected connection to be removed")
	}
}

func TestRegistryClose(t *testing.T) {
	dialer := newFakeDialer()
	r, err := NewRegistry(Config{BaseURL: "ws://gateway.test", Dialer: dialer, HeartbeatInterval: -1, Clock: newStepClock()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn := newFakeConn()
	dialer.push(conn, nil)

	rec := newRecorder()
	if _, err := r.Open(context.Background(), "task-7", rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.expect(t, "connect")

	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.expect(t, "disconnect:true")
	if info := rec.lastDisconnect(); !errors.Is(info.Err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", info.Err)
	}
	if _, err := r.Open(context.Background(), "task-8", rec); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed after close, got %v", err)
	}
}

func TestNewRegistry_RequiresBaseURL(t *testing.T) {
	if _, err := NewRegistry(Config{}); err == nil {
		t.Error("expected an error for an empty base url")
	}
}
