package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/botctl/internal/progress"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// settleTimeout bounds the wait for the terminal event once the operation
// driving the task has returned.
const settleTimeout = 30 * time.Second

// follow tracks taskID in the aggregator, subscribes to its channel and runs
// start, if any, once the subscription exists. It returns the terminal
// notification, or the last known one when the channel gives up.
func (e *env) follow(c *cli.Context, taskID string, meta progress.Meta, start func() error) (progress.Notification, error) {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	e.agg.Track(taskID, meta)

	var (
		mu       sync.Mutex
		once     sync.Once
		finished = make(chan struct{})
	)
	unsubscribe := e.agg.Subscribe(func(n progress.Notification) {
		if n.TaskID != taskID {
			return
		}
		mu.Lock()
		e.out.progressLine(n)
		mu.Unlock()
		if n.Terminal() {
			once.Do(func() { close(finished) })
		}
	})
	defer unsubscribe()

	lost := make(chan error, 1)
	bridge := e.agg.Observer(taskID)
	observer := taskevents.ObserverFuncs{
		Event: bridge.OnEvent,
		Disconnect: func(info taskevents.DisconnectInfo) {
			bridge.OnDisconnect(info)
			if info.Final {
				select {
				case lost <- info.Err:
				default:
				}
			}
		},
	}
	handle, err := e.events.Open(ctx, taskID, observer)
	if err != nil {
		return progress.Notification{}, err
	}
	defer handle.Close()

	wait := ctx
	if start != nil {
		if err := start(); err != nil {
			return progress.Notification{}, err
		}
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, settleTimeout)
		defer cancel()
	}

	var waitErr error
	select {
	case <-finished:
	case err := <-lost:
		waitErr = err
	case <-wait.Done():
		waitErr = wait.Err()
	}

	n, _ := e.agg.Get(taskID)
	mu.Lock()
	defer mu.Unlock()
	if err := e.out.taskSummary(n, e.agg.Logs(taskID)); err != nil {
		return n, err
	}
	if n.Terminal() {
		return n, nil
	}
	if waitErr == nil {
		waitErr = fmt.Errorf("task %s ended without a terminal event", taskID)
	}
	return n, fmt.Errorf("%w: %w", versions.ErrChannelConnection, waitErr)
}
