// Package progress folds task channel events into one notification record per
// task and keeps a bounded log buffer for each.
package progress

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// DefaultMaxLogEntries caps the log buffer of a task.
const DefaultMaxLogEntries = 5000

var (
	ErrUnknownTask = errors.New("task is not tracked")
	ErrNotTerminal = errors.New("task has not finished")
)

// Meta describes a task when tracking starts.
type Meta struct {
	InstanceName string
	Component    versions.Component
	Message      string
}

// Notification is the folded state of a task.
type Notification struct {
	TaskID       string              `json:"task_id"`
	Status       versions.TaskStatus `json:"status"`
	Progress     float64             `json:"progress"`
	Message      string              `json:"message,omitempty"`
	InstanceName string              `json:"instance_name,omitempty"`
	Component    versions.Component  `json:"component,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Terminal reports whether the notification can no longer change.
func (n Notification) Terminal() bool {
	return n.Status.Terminal()
}

// LogEntry is one line of a task log.
type LogEntry struct {
	Timestamp time.Time           `json:"timestamp"`
	Level     taskevents.LogLevel `json:"level"`
	Message   string              `json:"message"`
}

type task struct {
	mu    sync.Mutex
	n     Notification
	logs  []LogEntry
	start int
}

// appendLog writes into a ring once the buffer is full.
func (t *task) appendLog(e LogEntry, limit int) {
	if len(t.logs) < limit {
		t.logs = append(t.logs, e)
		return
	}
	t.logs[t.start] = e
	t.start = (t.start + 1) % limit
}

func (t *task) orderedLogs() []LogEntry {
	out := make([]LogEntry, 0, len(t.logs))
	out = append(out, t.logs[t.start:]...)
	return append(out, t.logs[:t.start]...)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxLogEntries sets the per-task log cap.
func WithMaxLogEntries(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxLogs = n
		}
	}
}

// WithClock injects the time source used when events carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// Aggregator is safe for concurrent use. Each task is guarded by its own
// mutex so independent tasks fold without contention.
type Aggregator struct {
	maxLogs int
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	subMu   sync.RWMutex
	subs    map[int]func(Notification)
	nextSub int
}

// New creates an aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		maxLogs: DefaultMaxLogEntries,
		now:     time.Now,
		logger:  slog.Default(),
		tasks:   make(map[string]*task),
		subs:    make(map[int]func(Notification)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Track registers a task. Tracking an already known task returns its current
// state unchanged.
func (a *Aggregator) Track(taskID string, meta Meta) Notification {
	a.mu.Lock()
	t, ok := a.tasks[taskID]
	if !ok {
		now := a.now()
		t = &task{n: Notification{
			TaskID:       taskID,
			Status:       versions.TaskPending,
			Message:      meta.Message,
			InstanceName: meta.InstanceName,
			Component:    meta.Component,
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
		a.tasks[taskID] = t
	}
	a.mu.Unlock()

	t.mu.Lock()
	n := t.n
	t.mu.Unlock()
	if !ok {
		a.logger.Debug("tracking task", "task_id", taskID, "component", meta.Component)
		a.notify(n)
	}
	return n
}

func (a *Aggregator) lookup(taskID string) (*task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[taskID]
	return t, ok
}

// Apply folds one event into the task and reports whether the notification
// changed. Log events only grow the log buffer. Events for untracked tasks and
// any event after a terminal state, logs included, are ignored.
func (a *Aggregator) Apply(taskID string, ev taskevents.Event) bool {
	t, ok := a.lookup(taskID)
	if !ok {
		a.logger.Warn("dropping event for untracked task", "task_id", taskID, "type", ev.Type)
		return false
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = a.now()
	}

	t.mu.Lock()
	if t.n.Terminal() {
		t.mu.Unlock()
		a.logger.Debug("ignoring event after terminal state", "task_id", taskID, "type", ev.Type)
		return false
	}
	if ev.Type == taskevents.EventLog {
		t.appendLog(LogEntry{Timestamp: at, Level: taskevents.ParseLogLevel(string(ev.Level)), Message: ev.Message}, a.maxLogs)
		t.mu.Unlock()
		return false
	}

	before := t.n
	fold(&t.n, ev)
	changed := t.n != before
	if changed {
		t.n.UpdatedAt = at
	}
	n := t.n
	t.mu.Unlock()

	if changed {
		a.notify(n)
	}
	return changed
}

// fold applies the event to a non-terminal notification.
func fold(n *Notification, ev taskevents.Event) {
	switch ev.Type {
	case taskevents.EventProgress:
		n.Status = versions.MapTaskStatus(ev.Status)
		n.Progress = clampProgress(n.Progress, ev.Percentage)
		n.Message = ev.Message
	case taskevents.EventStatus:
		n.Status = versions.MapTaskStatus(ev.Status)
		n.Message = ev.Message
	case taskevents.EventError:
		n.Status = versions.TaskFailed
		n.Message = ev.Message
	case taskevents.EventComplete:
		n.Status = versions.TaskSuccess
		n.Progress = 100
		n.Message = ev.Message
	}
}

// clampProgress never lets visible progress regress or exceed 100.
func clampProgress(prev, pct float64) float64 {
	if math.IsNaN(pct) {
		return prev
	}
	return math.Max(prev, math.Min(pct, 100))
}

// Get returns a copy of the task's notification.
func (a *Aggregator) Get(taskID string) (Notification, bool) {
	t, ok := a.lookup(taskID)
	if !ok {
		return Notification{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n, true
}

// Logs returns the task's log entries in insertion order.
func (a *Aggregator) Logs(taskID string) []LogEntry {
	t, ok := a.lookup(taskID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderedLogs()
}

// Dismiss stops tracking a task. Unless force is set the task must be terminal.
func (a *Aggregator) Dismiss(taskID string, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	t.mu.Lock()
	terminal := t.n.Terminal()
	t.mu.Unlock()
	if !terminal && !force {
		return ErrNotTerminal
	}
	delete(a.tasks, taskID)
	return nil
}

// Reset returns a task to pending with zero progress and an empty log. It is
// the only way progress can decrease.
func (a *Aggregator) Reset(taskID string) error {
	t, ok := a.lookup(taskID)
	if !ok {
		return ErrUnknownTask
	}
	t.mu.Lock()
	t.n.Status = versions.TaskPending
	t.n.Progress = 0
	t.n.Message = ""
	t.n.UpdatedAt = a.now()
	t.logs = nil
	t.start = 0
	n := t.n
	t.mu.Unlock()

	a.notify(n)
	return nil
}

// Active returns every tracked task, oldest first.
func (a *Aggregator) Active() []Notification {
	a.mu.RLock()
	tasks := make([]*task, 0, len(a.tasks))
	for _, t := range a.tasks {
		tasks = append(tasks, t)
	}
	a.mu.RUnlock()

	out := make([]Notification, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.n)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Subscribe registers fn for every notification change and returns a function
// that removes it. fn must not block.
func (a *Aggregator) Subscribe(fn func(Notification)) (unsubscribe func()) {
	a.subMu.Lock()
	a.nextSub++
	id := a.nextSub
	a.subs[id] = fn
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
		})
	}
}

func (a *Aggregator) notify(n Notification) {
	a.subMu.RLock()
	subs := make([]func(Notification), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

// Observer bridges a task channel into the aggregator.
func (a *Aggregator) Observer(taskID string) taskevents.Observer {
	return taskevents.ObserverFuncs{
		Event: func(ev taskevents.Event) { a.Apply(taskID, ev) },
		Disconnect: func(info taskevents.DisconnectInfo) {
			if !info.Final {
				return
			}
			if n, ok := a.Get(taskID); ok && !n.Terminal() {
				a.logger.Warn("task channel closed before the task finished",
					"task_id", taskID, "error", info.Err)
			}
		},
	}
}
