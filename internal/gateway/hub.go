package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	defaultRetention    = 10 * time.Minute
	defaultPendingGrace = 5 * time.Second
	maxTaskEvents       = 10000
	subscriberBuffer    = 256
	writeTimeout        = 5 * time.Second
)

// Reporter publishes the progress of one task.
type Reporter interface {
	Status(status, message string)
	Progress(current, total int64, message string)
	Log(level taskevents.LogLevel, message string)
	Complete(message string)
	Fail(code, message string)
}

// Hub buffers task events and fans them out to WebSocket subscribers.
// Terminal tasks are kept for late subscribers until the retention expires.
type Hub struct {
	mu        sync.Mutex
	tasks     map[string]*hubTask
	retention time.Duration
	grace     time.Duration
	origins   []string
	now       func() time.Time
	logger    *slog.Logger
}

type hubTask struct {
	events     []sequenced
	seq        uint64
	subs       map[uint64]*subscriber
	nextSub    uint64
	started    bool
	terminal   *taskevents.Event
	finishedAt time.Time
}

type sequenced struct {
	seq uint64
	ev  taskevents.Event
}

type subscriber struct {
	ch    chan taskevents.Event
	since uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetention sets how long finished tasks stay available.
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithPendingGrace sets how long a subscription may wait for an unknown task
// to start before it is rejected.
func WithPendingGrace(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.grace = d
		}
	}
}

// WithOrigins sets the origin patterns accepted for WebSocket upgrades.
func WithOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = origins }
}

// WithHubClock overrides time.Now.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		tasks:     make(map[string]*hubTask),
		retention: defaultRetention,
		grace:     defaultPendingGrace,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start registers a task and returns its reporter. An empty id yields a
// reporter that discards everything.
func (h *Hub) Start(taskID string) Reporter {
	if taskID == "" {
		return nopReporter{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	t, ok := h.tasks[taskID]
	if !ok {
		t = &hubTask{subs: make(map[uint64]*subscriber)}
		h.tasks[taskID] = t
	}
	t.started = true
	return &taskReporter{hub: h, taskID: taskID}
}

// Known reports whether a task has been started.
func (h *Hub) Known(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[taskID]
	return ok && t.started
}

// Events returns the buffered events of a task.
func (h *Hub) Events(taskID string) []taskevents.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]taskevents.Event, len(t.events))
	for i, s := range t.events {
		out[i] = s.ev
	}
	return out
}

func (h *Hub) publish(taskID string, ev taskevents.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[taskID]
	if !ok || t.terminal != nil {
		return
	}
	ev.TaskID = taskID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	t.seq++
	t.events = append(t.events, sequenced{seq: t.seq, ev: ev})
	if len(t.events) > maxTaskEvents {
		t.events = t.events[len(t.events)-maxTaskEvents:]
	}
	if ev.Terminal() {
		t.terminal = &ev
		t.finishedAt = h.now()
	}
	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("dropping slow task subscriber", "task_id", taskID)
			close(sub.ch)
			delete(t.subs, id)
		}
	}
}

// subscribe attaches to a task, creating a pending entry for ids that have
// not started yet. A finished task replays its terminal event.
func (h *Hub) subscribe(taskID string) (*subscriber, []taskevents.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	t, ok := h.tasks[taskID]
	if !ok {
		t = &hubTask{subs: make(map[uint64]*subscriber)}
		h.tasks[taskID] = t
	}
	var replay []taskevents.Event
	if t.terminal != nil {
		replay = append(replay, *t.terminal)
	}
	t.nextSub++
	id := t.nextSub
	sub := &subscriber{ch: make(chan taskevents.Event, subscriberBuffer), since: t.seq}
	t.subs[id] = sub

	return sub, replay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(t.subs, id)
		if !t.started && len(t.subs) == 0 && h.tasks[taskID] == t {
			delete(h.tasks, taskID)
		}
	}
}

// history returns events buffered before the subscription started, limited
// to [from, to] when given.
func (h *Hub) history(taskID string, sub *subscriber, from, to *time.Time) []taskevents.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[taskID]
	if !ok {
		return nil
	}
	var out []taskevents.Event
	for _, s := range t.events {
		if s.seq > sub.since {
			break
		}
		if from != nil && s.ev.Timestamp.Before(*from) {
			continue
		}
		if to != nil && s.ev.Timestamp.After(*to) {
			continue
		}
		out = append(out, s.ev)
	}
	return out
}

func (h *Hub) pruneLocked() {
	now := h.now()
	for id, t := range h.tasks {
		if t.terminal != nil && len(t.subs) == 0 && now.Sub(t.finishedAt) > h.retention {
			delete(h.tasks, id)
		}
	}
}

// ServeWS streams the events of the task named by the taskId route parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	if !taskevents.ValidTaskID(taskID) {
		writeError(w, &requestError{msg: "invalid task id"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, replay, unsubscribe := h.subscribe(taskID)
	defer unsubscribe()
	log := h.logger.With("task_id", taskID)
	log.Debug("task subscriber connected")

	replies := make(chan taskevents.Event, 8)
	go h.readControl(ctx, cancel, conn, taskID, sub, replies)

	write := func(ev taskevents.Event) bool {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, ev); err != nil {
			log.Debug("task subscriber write failed", "error", err)
			return false
		}
		return true
	}

	if len(replay) > 0 {
		for _, ev := range replay {
			if !write(ev) {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "task finished")
		return
	}

	var grace <-chan time.Time
	if !h.Known(taskID) {
		timer := time.NewTimer(h.grace)
		defer timer.Stop()
		grace = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-grace:
			grace = nil
			if h.Known(taskID) {
				continue
			}
			write(taskevents.Event{
				Type:      taskevents.EventError,
				TaskID:    taskID,
				Timestamp: h.now(),
				Code:      taskevents.CodeUnknownTask,
				Message:   "unknown task " + taskID,
			})
			_ = conn.Close(websocket.StatusPolicyViolation, "unknown task")
			return
		case ev := <-replies:
			if !write(ev) {
				return
			}
		case ev, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			if !write(ev) {
				return
			}
			if ev.Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
		}
	}
}

func (h *Hub) readControl(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, taskID string, sub *subscriber, replies chan<- taskevents.Event) {
	defer cancel()
	for {
		var msg taskevents.ControlMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		var reply taskevents.Event
		switch msg.Type {
		case taskevents.ControlPing:
			reply = taskevents.Event{Type: taskevents.EventPong, TaskID: taskID, Timestamp: h.now()}
		case taskevents.ControlRequestHistory:
			reply = taskevents.Event{
				Type:      taskevents.EventHistory,
				TaskID:    taskID,
				Timestamp: h.now(),
				Entries:   h.history(taskID, sub, msg.FromTime, msg.ToTime),
			}
		default:
			h.logger.Debug("ignoring control message", "task_id", taskID, "type", msg.Type)
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

type taskReporter struct {
	hub    *Hub
	taskID string
}

func (r *taskReporter) Status(status, message string) {
	r.hub.publish(r.taskID, taskevents.Event{Type: taskevents.EventStatus, Status: status, Message: message})
}

func (r *taskReporter) Progress(current, total int64, message string) {
	var pct float64
	if total > 0 {
		pct = float64(current) * 100 / float64(total)
		if pct > 100 {
			pct = 100
		}
	}
	r.hub.publish(r.taskID, taskevents.Event{
		Type:       taskevents.EventProgress,
		Current:    current,
		Total:      total,
		Percentage: pct,
		Message:    message,
	})
}

func (r *taskReporter) Log(level taskevents.LogLevel, message string) {
	r.hub.publish(r.taskID, taskevents.Event{Type: taskevents.EventLog, Level: level, Message: message})
}

func (r *taskReporter) Complete(message string) {
	r.hub.publish(r.taskID, taskevents.Event{Type: taskevents.EventComplete, Message: message, Status: string(versions.TaskSuccess)})
}

func (r *taskReporter) Fail(code, message string) {
	r.hub.publish(r.taskID, taskevents.Event{Type: taskevents.EventError, Code: code, Message: message, Status: string(versions.TaskFailed)})
}

type nopReporter struct{}

func (nopReporter) Status(string, string)           {}
func (nopReporter) Progress(int64, int64, string)   {}
func (nopReporter) Log(taskevents.LogLevel, string) {}
func (nopReporter) Complete(string)                 {}
func (nopReporter) Fail(string, string)             {}
