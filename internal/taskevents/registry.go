package taskevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	DefaultHeartbeatInterval = 1500 * time.Millisecond
	DefaultConnectTimeout    = 10 * time.Second

	// heartbeatTolerance scales the interval into the missed-heartbeat threshold.
	heartbeatTolerance = 1.5
)

var (
	// ErrRegistryClosed is reported to observers still attached when the registry shuts down.
	ErrRegistryClosed = errors.New("task event registry closed")

	errHandleClosed    = errors.New("task event handle closed")
	errHeartbeatMissed = errors.New("heartbeat missed")
	errUnknownTask     = errors.New("server does not know task")

	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ValidTaskID reports whether id has an acceptable shape.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// DisconnectInfo describes a lost connection. Final is set when no further
// reconnect will be attempted.
type DisconnectInfo struct {
	Final bool
	Err   error
}

// Observer receives the events of one task. Callbacks of a task are invoked
// sequentially from a single goroutine, in arrival order. Observers may close
// their handle from a callback but must not call Registry.Open from one.
type Observer interface {
	OnConnect()
	OnEvent(Event)
	OnDisconnect(DisconnectInfo)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Connect    func()
	Event      func(Event)
	Disconnect func(DisconnectInfo)
}

func (f ObserverFuncs) OnConnect() {
	if f.Connect != nil {
		f.Connect()
	}
}

func (f ObserverFuncs) OnEvent(ev Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f ObserverFuncs) OnDisconnect(info DisconnectInfo) {
	if f.Disconnect != nil {
		f.Disconnect(info)
	}
}

// Config configures a Registry.
type Config struct {
	// BaseURL is the WebSocket origin, e.g. ws://127.0.0.1:8000.
	BaseURL string
	Dialer  Dialer
	// HeartbeatInterval of zero uses the default; negative disables pings.
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	Backoff           BackoffPolicy
	Clock             Clock
	Logger            *slog.Logger
}

// Registry owns one connection per task id and fans its events out to every
// observer that opened the task. It is created by the composition root and
// must be closed with Close.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	wg sync.WaitGroup
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("task event base url cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid task event base url: %w", err)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}, nil
}

// TaskURL returns the channel address of a task.
func (r *Registry) TaskURL(taskID string) string {
	return r.cfg.BaseURL + "/ws/tasks/" + url.PathEscape(taskID)
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

type openOptions struct {
	startedAt time.Time
}

// WithStartTime sets the operation start used for the history backfill
// request. It only applies when Open creates the connection.
func WithStartTime(t time.Time) OpenOption {
	return func(o *openOptions) { o.startedAt = t }
}

// Open subscribes observer to a task. A second Open for the same task joins
// the existing connection. Transport failures never surface here; they are
// retried and reported through OnDisconnect.
func (r *Registry) Open(ctx context.Context, taskID string, observer Observer, opts ...OpenOption) (*Handle, error) {
	if !ValidTaskID(taskID) {
		return nil, fmt.Errorf("%w: %q", versions.ErrInvalidTaskID, taskID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	o := openOptions{startedAt: r.cfg.Clock.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	c, ok := r.conns[taskID]
	if !ok {
		c = r.newConnection(taskID, o.startedAt)
		r.conns[taskID] = c
		r.wg.Add(1)
		go c.run()
	}
	id := c.register(observer)
	r.mu.Unlock()

	c.activate(id)
	return &Handle{reg: r, conn: c, id: id}, nil
}

// State returns the state of the connection of a task, if one is open.
func (r *Registry) State(taskID string) (State, bool) {
	r.mu.Lock()
	c, ok := r.conns[taskID]
	r.mu.Unlock()
	if !ok {
		return StateIdle, false
	}
	return c.currentState(), true
}

// Close tears every connection down and waits for them to stop. Observers
// still attached receive a final OnDisconnect.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.conns = make(map[string]*connection)
	r.mu.Unlock()

	r.cancel(ErrRegistryClosed)
	r.wg.Wait()
	return nil
}

// forget drops c from the registry if it is still the connection of its task.
func (r *Registry) forget(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.taskID] == c {
		delete(r.conns, c.taskID)
	}
}

// Handle is one observer's subscription.
type Handle struct {
	reg  *Registry
	conn *connection
	id   uint64
	once sync.Once
}

// TaskID returns the subscribed task id.
func (h *Handle) TaskID() string {
	return h.conn.taskID
}

// Close detaches the observer. When it was the last one the connection is
// torn down and any pending reconnect is cancelled. The backend operation is
// not affected.
func (h *Handle) Close() {
	h.once.Do(func() {
		r := h.reg
		r.mu.Lock()
		remaining := h.conn.unregister(h.id)
		if remaining == 0 && r.conns[h.conn.taskID] == h.conn {
			delete(r.conns, h.conn.taskID)
		}
		r.mu.Unlock()
		if remaining == 0 {
			h.conn.cancel(errHandleClosed)
		}
	})
}

type observerEntry struct {
	obs    Observer
	active bool
}

type connection struct {
	reg       *Registry
	taskID    string
	url       string
	startedAt time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// deliverMu serializes observer callbacks so each observer sees events
	// in arrival order.
	deliverMu sync.Mutex

	mu        sync.Mutex
	observers map[uint64]*observerEntry
	nextID    uint64
	state     State
	terminal  *Event
	final     *DisconnectInfo
	published int
}

func (r *Registry) newConnection(taskID string, startedAt time.Time) *connection {
	ctx, cancel := context.WithCancelCause(r.ctx)
	return &connection{
		reg:       r,
		taskID:    taskID,
		url:       r.TaskURL(taskID),
		startedAt: startedAt,
		logger:    r.logger.With("task_id", taskID),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[uint64]*observerEntry),
		state:     StateIdle,
	}
}

func (c *connection) register(obs Observer) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.observers[c.nextID] = &observerEntry{obs: obs}
	return c.nextID
}

// activate replays what a late observer missed, then lets it receive events.
func (c *connection) activate(id uint64) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e, ok := c.observers[id]
	state, terminal, final := c.state, c.terminal, c.final
	c.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case terminal != nil:
		e.obs.OnEvent(*terminal)
	case final != nil && state.Terminal():
		e.obs.OnDisconnect(*final)
	case state == StateOpen:
		e.obs.OnConnect()
	}

	c.mu.Lock()
	e.active = true
	c.mu.Unlock()
}

func (c *connection) unregister(id uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, id)
	return len(c.observers)
}

func (c *connection) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) transitionLocked(in input) {
	s, ok := next(c.state, in)
	if !ok {
		c.logger.Debug("ignored channel input", "state", c.state.String())
		return
	}
	c.logger.Debug("channel state changed", "from", c.state.String(), "to", s.String())
	c.state = s
}

// announce moves the state machine and notifies every active observer as one
// step, so late observers never see a half-applied transition.
func (c *connection) announce(in input, notify func(Observer)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.transitionLocked(in)
	observers := c.activeLocked()
	c.mu.Unlock()

	if notify == nil {
		return
	}
	for _, o := range observers {
		notify(o)
	}
}

func (c *connection) activeLocked() []Observer {
	out := make([]Observer, 0, len(c.observers))
	for id := uint64(1); id <= c.nextID; id++ {
		if e, ok := c.observers[id]; ok && e.active {
			out = append(out, e.obs)
		}
	}
	return out
}

func (c *connection) publish(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	switch ev.Type {
	case EventComplete:
		c.terminal = &ev
		c.transitionLocked(inputComplete)
	case EventError:
		c.terminal = &ev
		c.transitionLocked(inputError)
	}
	c.published++
	observers := c.activeLocked()
	c.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(ev)
	}
}

func (c *connection) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

func (c *connection) run() {
	defer c.reg.wg.Done()

	cfg := c.reg.cfg
	c.announce(inputStart, nil)
	schedule := cfg.Backoff.NewBackOff(cfg.Clock)
	historyRequested := false
	attempt := 0

	for {
		conn, err := c.dial()
		if err == nil {
			c.logger.Debug("task channel connected", "url", c.url)
			c.announce(inputConnected, func(o Observer) { o.OnConnect() })
			seen := c.publishedCount()

			if !historyRequested {
				msg := RequestHistory(c.startedAt, cfg.Clock.Now())
				if err = conn.WriteControl(c.ctx, msg); err == nil {
					historyRequested = true
				}
			}
			if err == nil {
				err = c.receive(conn)
			}
			_ = conn.Close()

			if err == nil {
				c.logger.Debug("task channel finished", "state", c.currentState().String())
				return
			}
			if c.ctx.Err() != nil {
				c.shutdown()
				return
			}
			if errors.Is(err, errUnknownTask) {
				c.reg.forget(c)
				c.logger.Warn("server does not know task, giving up")
				final := fmt.Errorf("%w: task %s: %w", versions.ErrNotFound, c.taskID, err)
				c.finish(inputRejected, DisconnectInfo{Final: true, Err: final})
				return
			}
			// Only a connection that carried task events earns a fresh
			// reconnect budget.
			if c.publishedCount() > seen {
				schedule.Reset()
				attempt = 0
			}
			c.logger.Warn("task channel disconnected", "error", err)
			disconnectErr := err
			c.announce(inputDisconnected, func(o Observer) {
				o.OnDisconnect(DisconnectInfo{Err: disconnectErr})
			})
		} else {
			if c.ctx.Err() != nil {
				c.shutdown()
				return
			}
			c.logger.Warn("task channel dial failed", "attempt", attempt, "error", err)
			c.announce(inputDialFailed, nil)
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			c.reg.forget(c)
			final := fmt.Errorf("%w: gave up after %d attempts: %v", versions.ErrChannelConnection, attempt, err)
			c.logger.Error("task channel gave up", "attempts", attempt, "error", err)
			c.finish(inputExhausted, DisconnectInfo{Final: true, Err: final})
			return
		}
		attempt++
		c.logger.Debug("task channel reconnect scheduled", "attempt", attempt, "delay", delay)

		select {
		case <-cfg.Clock.After(delay):
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
		c.announce(inputRetry, nil)
	}
}

func (c *connection) shutdown() {
	c.finish(inputClose, DisconnectInfo{Final: true, Err: context.Cause(c.ctx)})
}

// finish records the final disconnect so observers activated later still get it.
func (c *connection) finish(in input, info DisconnectInfo) {
	c.mu.Lock()
	c.final = &info
	c.mu.Unlock()
	c.announce(in, func(o Observer) { o.OnDisconnect(info) })
}

func (c *connection) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.reg.cfg.ConnectTimeout)
	defer cancel()
	return c.reg.cfg.Dialer.Dial(ctx, c.url)
}

// receive reads frames until a terminal event (nil), a transport error, a
// missed heartbeat or cancellation.
func (c *connection) receive(conn Conn) error {
	var hb sync.WaitGroup
	defer hb.Wait()
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	clock := c.reg.cfg.Clock
	var lastFrame atomic.Int64
	lastFrame.Store(clock.Now().UnixNano())

	hbErr := make(chan error, 1)
	if interval := c.reg.cfg.HeartbeatInterval; interval > 0 {
		hb.Add(1)
		go func() {
			defer hb.Done()
			c.heartbeat(ctx, cancel, conn, interval, &lastFrame, hbErr)
		}()
	}

	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			select {
			case herr := <-hbErr:
				return herr
			default:
			}
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			return err
		}
		lastFrame.Store(clock.Now().UnixNano())
		done, err := c.handle(ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *connection) heartbeat(ctx context.Context, cancel context.CancelFunc, conn Conn, interval time.Duration, lastFrame *atomic.Int64, out chan<- error) {
	clock := c.reg.cfg.Clock
	threshold := time.Duration(float64(interval) * heartbeatTolerance)
	fail := func(err error) {
		select {
		case out <- err:
		default:
		}
		cancel()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
		}
		now := clock.Now()
		if now.Sub(time.Unix(0, lastFrame.Load())) > threshold {
			c.logger.Warn("task channel heartbeat missed", "threshold", threshold)
			fail(errHeartbeatMissed)
			return
		}
		if err := conn.WriteControl(ctx, Ping(now)); err != nil {
			if ctx.Err() == nil {
				fail(fmt.Errorf("failed to send ping: %w", err))
			}
			return
		}
	}
}

// handle routes one frame and reports whether the task reached a terminal
// event. An unknown_task frame is never published; it ends the connection
// with errUnknownTask.
func (c *connection) handle(ev Event) (bool, error) {
	if _, ok := ParseEventType(string(ev.Type)); !ok {
		c.logger.Debug("dropping frame of unknown type", "type", ev.Type)
		return false, nil
	}
	switch {
	case ev.Type == EventPong:
		return false, nil
	case ev.Type == EventHistory:
		for _, entry := range ev.Entries {
			if entry.Type == EventHistory || entry.Type == EventPong {
				continue
			}
			done, err := c.handle(entry)
			if done || err != nil {
				return done, err
			}
		}
		return false, nil
	case ev.UnknownTask():
		return false, fmt.Errorf("%w: %s", errUnknownTask, ev.Message)
	}

	if ev.TaskID == "" {
		ev.TaskID = c.taskID
	}
	c.publish(ev)
	return ev.Terminal(), nil
}
