package cli

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/clean-dependency-project/botctl/internal/orchestrator"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// mockVersionService implements VersionService for testing.
type mockVersionService struct {
	componentsVersionFn func(instanceID string, force bool) ([]versions.ComponentVersionInfo, error)
	checkFn             func(instanceID string, component versions.Component, method versions.UpdateMethod) (versions.UpdateCheckResult, error)
	checkAllFn          func(instanceID string, method versions.UpdateMethod) ([]orchestrator.CheckOutcome, error)
	updateFn            func(instanceID string, component versions.Component, opts orchestrator.UpdateOptions) (versions.UpdateResult, error)
	backupsFn           func(instanceID string, component versions.Component) ([]versions.VersionBackup, error)
	restoreFn           func(instanceID, backupID string) (versions.RestoreResult, error)
	historyFn           func(instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error)
	releasesFn          func(component versions.Component, limit int) ([]versions.Release, error)
}

var errNotMocked = errors.New("not mocked")

func (m *mockVersionService) GetComponentsVersion(_ context.Context, instanceID string, force bool) ([]versions.ComponentVersionInfo, error) {
	if m.componentsVersionFn != nil {
		return m.componentsVersionFn(instanceID, force)
	}
	return nil, errNotMocked
}

func (m *mockVersionService) CheckComponentUpdate(_ context.Context, instanceID string, component versions.Component, method versions.UpdateMethod) (versions.UpdateCheckResult, error) {
	if m.checkFn != nil {
		return m.checkFn(instanceID, component, method)
	}
	return versions.UpdateCheckResult{}, errNotMocked
}

func (m *mockVersionService) CheckAll(_ context.Context, instanceID string, method versions.UpdateMethod) ([]orchestrator.CheckOutcome, error) {
	if m.checkAllFn != nil {
		return m.checkAllFn(instanceID, method)
	}
	return nil, errNotMocked
}

func (m *mockVersionService) UpdateComponent(_ context.Context, instanceID string, component versions.Component, opts orchestrator.UpdateOptions) (versions.UpdateResult, error) {
	if m.updateFn != nil {
		return m.updateFn(instanceID, component, opts)
	}
	return versions.UpdateResult{}, errNotMocked
}

func (m *mockVersionService) GetBackups(_ context.Context, instanceID string, component versions.Component) ([]versions.VersionBackup, error) {
	if m.backupsFn != nil {
		return m.backupsFn(instanceID, component)
	}
	return nil, errNotMocked
}

func (m *mockVersionService) RestoreBackup(_ context.Context, instanceID, backupID string) (versions.RestoreResult, error) {
	if m.restoreFn != nil {
		return m.restoreFn(instanceID, backupID)
	}
	return versions.RestoreResult{}, errNotMocked
}

func (m *mockVersionService) GetUpdateHistory(_ context.Context, instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error) {
	if m.historyFn != nil {
		return m.historyFn(instanceID, component, limit)
	}
	return nil, errNotMocked
}

func (m *mockVersionService) GetComponentReleases(_ context.Context, component versions.Component, limit int) ([]versions.Release, error) {
	if m.releasesFn != nil {
		return m.releasesFn(component, limit)
	}
	return nil, errNotMocked
}

// scriptedDialer hands out connections that replay a fixed event script once
// released, then report the stream as closed.
type scriptedDialer struct {
	mu      sync.Mutex
	script  []taskevents.Event
	release chan struct{}
	dials   int
}

func newScriptedDialer(script ...taskevents.Event) *scriptedDialer {
	return &scriptedDialer{script: script, release: make(chan struct{})}
}

// start lets the connections emit their script.
func (d *scriptedDialer) start() {
	close(d.release)
}

func (d *scriptedDialer) Dial(context.Context, string) (taskevents.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &scriptedConn{events: append([]taskevents.Event(nil), d.script...), release: d.release}, nil
}

type scriptedConn struct {
	events  []taskevents.Event
	release <-chan struct{}
	next    int
}

func (c *scriptedConn) ReadEvent(ctx context.Context) (taskevents.Event, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return taskevents.Event{}, ctx.Err()
	}
	if c.next >= len(c.events) {
		<-ctx.Done()
		return taskevents.Event{}, io.EOF
	}
	ev := c.events[c.next]
	c.next++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

func (c *scriptedConn) WriteControl(context.Context, taskevents.ControlMessage) error {
	return nil
}

func (c *scriptedConn) Close() error {
	return nil
}
