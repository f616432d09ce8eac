package progress

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

func newTestAggregator(t *testing.T, opts ...Option) *Aggregator {
	t.Helper()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return New(append([]Option{WithClock(clock)}, opts...)...)
}

func progressEvent(pct float64, status, msg string) taskevents.Event {
	return taskevents.Event{Type: taskevents.EventProgress, Percentage: pct, Status: status, Message: msg}
}

func TestTrack_Idempotent(t *testing.T) {
	a := newTestAggregator(t)
	first := a.Track("t1", Meta{InstanceName: "bot-1", Component: versions.ComponentMain})
	a.Apply("t1", progressEvent(30, "downloading", "fetching"))
	second := a.Track("t1", Meta{InstanceName: "other"})

	if second.InstanceName != "bot-1" {
		t.Errorf("expected existing record, got %+v", second)
	}
	if second.Progress != 30 {
		t.Errorf("expected tracked progress to survive, got %v", second.Progress)
	}
	if first.Status != versions.TaskPending || first.Progress != 0 {
		t.Errorf("unexpected initial record: %+v", first)
	}
}

func TestApply_FoldRules(t *testing.T) {
	tests := []struct {
		name    string
		events  []taskevents.Event
		status  versions.TaskStatus
		percent float64
		message string
	}{
		{
			name:    "progress maps status and message",
			events:  []taskevents.Event{progressEvent(40, "downloading", "40%")},
			status:  versions.TaskDownloading,
			percent: 40,
			message: "40%",
		},
		{
			name:    "out of order progress never regresses",
			events:  []taskevents.Event{progressEvent(40, "downloading", "a"), progressEvent(25, "downloading", "b")},
			status:  versions.TaskDownloading,
			percent: 40,
			message: "b",
		},
		{
			name:    "progress clamps at 100",
			events:  []taskevents.Event{progressEvent(250, "installing", "")},
			status:  versions.TaskInstalling,
			percent: 100,
		},
		{
			name:    "NaN is ignored",
			events:  []taskevents.Event{progressEvent(10, "", ""), progressEvent(math.NaN(), "", "")},
			status:  versions.TaskInstalling,
			percent: 10,
		},
		{
			name: "empty message replaces the previous one",
			events: []taskevents.Event{
				progressEvent(20, "downloading", "fetching asset"),
				progressEvent(30, "downloading", ""),
			},
			status:  versions.TaskDownloading,
			percent: 30,
		},
		{
			name: "status event clears message",
			events: []taskevents.Event{
				{Type: taskevents.EventStatus, Status: "downloading", Message: "fetching"},
				{Type: taskevents.EventStatus, Status: "installing"},
			},
			status: versions.TaskInstalling,
		},
		{
			name: "status keeps progress",
			events: []taskevents.Event{
				progressEvent(55, "downloading", ""),
				{Type: taskevents.EventStatus, Status: "installing", Message: "unpacking"},
			},
			status:  versions.TaskInstalling,
			percent: 55,
			message: "unpacking",
		},
		{
			name:    "unknown status falls back",
			events:  []taskevents.Event{{Type: taskevents.EventStatus, Status: "frobnicating"}},
			status:  versions.MapTaskStatus("frobnicating"),
			percent: 0,
		},
		{
			name:    "complete forces 100",
			events:  []taskevents.Event{progressEvent(70, "installing", ""), {Type: taskevents.EventComplete, Message: "done"}},
			status:  versions.TaskSuccess,
			percent: 100,
			message: "done",
		},
		{
			name:    "error is terminal failure",
			events:  []taskevents.Event{progressEvent(70, "installing", ""), {Type: taskevents.EventError, Message: "disk full"}},
			status:  versions.TaskFailed,
			percent: 70,
			message: "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator(t)
			a.Track("t", Meta{})
			for _, ev := range tt.events {
				a.Apply("t", ev)
			}
			n, _ := a.Get("t")
			if n.Status != tt.status || n.Progress != tt.percent || n.Message != tt.message {
				t.Errorf("got status=%s progress=%v message=%q; want %s %v %q",
					n.Status, n.Progress, n.Message, tt.status, tt.percent, tt.message)
			}
		})
	}
}

func TestApply_MonotonicUnderAnyOrder(t *testing.T) {
	a := newTestAggregator(t)
	a.Track("t", Meta{})
	prev := 0.0
	for _, pct := range []float64{5, 40, 25, 60, 10, 60, 99, -3, 80} {
		a.Apply("t", progressEvent(pct, "downloading", ""))
		n, _ := a.Get("t")
		if n.Progress < prev {
			t.Fatalf("progress regressed from %v to %v", prev, n.Progress)
		}
		prev = n.Progress
	}
	if prev != 99 {
		t.Errorf("expected 99, got %v", prev)
	}
}

func TestApply_TerminalImmutable(t *testing.T) {
	for _, terminal := range []taskevents.Event{
		{Type: taskevents.EventComplete, Message: "ok"},
		{Type: taskevents.EventError, Message: "boom"},
	} {
		t.Run(string(terminal.Type), func(t *testing.T) {
			a := newTestAggregator(t)
			a.Track("t", Meta{})
			a.Apply("t", progressEvent(50, "installing", "half"))
			a.Apply("t", terminal)
			want, _ := a.Get("t")

			stragglers := []taskevents.Event{
				progressEvent(75, "installing", "late"),
				{Type: taskevents.EventStatus, Status: "pending", Message: "late"},
				{Type: taskevents.EventError, Message: "late"},
				{Type: taskevents.EventComplete, Message: "late"},
				{Type: taskevents.EventLog, Message: "late"},
			}
			for _, ev := range stragglers {
				if a.Apply("t", ev) {
					t.Errorf("%s after terminal reported a change", ev.Type)
				}
			}
			got, _ := a.Get("t")
			if got != want {
				t.Errorf("terminal record changed: %+v -> %+v", want, got)
			}
			if len(a.Logs("t")) != 0 {
				t.Error("expected late log to be dropped")
			}
		})
	}
}

func TestApply_UntrackedTaskDropped(t *testing.T) {
	a := newTestAggregator(t)
	if a.Apply("ghost", progressEvent(10, "", "")) {
		t.Error("expected untracked event to be dropped")
	}
	if _, ok := a.Get("ghost"); ok {
		t.Error("apply must not create a record")
	}
}

func TestLogs_OrderAndCap(t *testing.T) {
	a := newTestAggregator(t, WithMaxLogEntries(3))
	a.Track("t", Meta{})
	for i := 1; i <= 5; i++ {
		changed := a.Apply("t", taskevents.Event{Type: taskevents.EventLog, Level: taskevents.LevelInfo, Message: fmt.Sprintf("line %d", i)})
		if changed {
			t.Error("log events must not change the notification")
		}
	}

	logs := a.Logs("t")
	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logs))
	}
	for i, want := range []string{"line 3", "line 4", "line 5"} {
		if logs[i].Message != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, logs[i].Message)
		}
	}

	logs[0].Message = "mutated"
	if a.Logs("t")[0].Message != "line 3" {
		t.Error("Logs must return a copy")
	}
}

func TestDismiss(t *testing.T) {
	a := newTestAggregator(t)
	a.Track("running", Meta{})
	a.Track("done", Meta{})
	a.Apply("done", taskevents.Event{Type: taskevents.EventComplete})

	if err := a.Dismiss("running", false); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal, got %v", err)
	}
	if err := a.Dismiss("done", false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := a.Dismiss("running", true); err != nil {
		t.Errorf("expected forced dismiss to succeed, got %v", err)
	}
	if err := a.Dismiss("running", true); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if len(a.Active()) != 0 {
		t.Errorf("expected nothing active, got %+v", a.Active())
	}
}

func TestReset(t *testing.T) {
	a := newTestAggregator(t)
	a.Track("t", Meta{})
	a.Apply("t", progressEvent(80, "installing", ""))
	a.Apply("t", taskevents.Event{Type: taskevents.EventError, Message: "failed"})

	if err := a.Reset("t"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, _ := a.Get("t")
	if n.Status != versions.TaskPending || n.Progress != 0 {
		t.Errorf("expected pending at 0, got %+v", n)
	}
	a.Apply("t", progressEvent(10, "downloading", ""))
	if n, _ := a.Get("t"); n.Progress != 10 {
		t.Errorf("expected progress to restart, got %v", n.Progress)
	}
	if err := a.Reset("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestActive_SortedByCreation(t *testing.T) {
	a := newTestAggregator(t)
	for _, id := range []string{"c", "a", "b"} {
		a.Track(id, Meta{})
	}
	active := a.Active()
	if len(active) != 3 || active[0].TaskID != "c" || active[2].TaskID != "b" {
		t.Errorf("expected creation order c, a, b; got %+v", active)
	}
}

func TestSubscribe(t *testing.T) {
	a := newTestAggregator(t)
	var got []Notification
	unsubscribe := a.Subscribe(func(n Notification) { got = append(got, n) })

	a.Track("t", Meta{})
	a.Apply("t", progressEvent(20, "downloading", ""))
	a.Apply("t", progressEvent(10, "downloading", ""))
	a.Apply("t", taskevents.Event{Type: taskevents.EventLog, Message: "x"})
	unsubscribe()
	a.Apply("t", taskevents.Event{Type: taskevents.EventComplete})

	if len(got) != 2 {
		t.Fatalf("expected track and one change, got %d notifications", len(got))
	}
	if got[1].Progress != 20 {
		t.Errorf("expected progress 20, got %v", got[1].Progress)
	}
}

func TestObserverBridgesChannel(t *testing.T) {
	a := newTestAggregator(t)
	a.Track("t", Meta{})
	obs := a.Observer("t")

	obs.OnConnect()
	obs.OnEvent(progressEvent(40, "downloading", ""))
	obs.OnDisconnect(taskevents.DisconnectInfo{Err: errors.New("reset")})
	obs.OnConnect()
	obs.OnEvent(progressEvent(25, "downloading", ""))
	obs.OnEvent(taskevents.Event{Type: taskevents.EventComplete, Message: "ok"})

	n, _ := a.Get("t")
	if n.Status != versions.TaskSuccess || n.Progress != 100 {
		t.Errorf("expected the reconnect to be invisible in the record, got %+v", n)
	}
}

func TestConcurrentTasks(t *testing.T) {
	a := newTestAggregator(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("task-%d", i)
		a.Track(id, Meta{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p <= 100; p += 5 {
				a.Apply(id, progressEvent(float64(p), "downloading", ""))
				a.Apply(id, taskevents.Event{Type: taskevents.EventLog, Message: "tick"})
			}
		}()
	}
	wg.Wait()
	for _, n := range a.Active() {
		if n.Progress != 100 {
			t.Errorf("%s: expected 100, got %v", n.TaskID, n.Progress)
		}
	}
}
