package merger

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/shardmerge/pkg/executor"
)

// mockExecutor records scheduled commands so tests can deliver the responses
// themselves, in whatever order the scenario calls for.
type mockExecutor struct {
	mtx      sync.Mutex
	pending  []*mockCommand
	shutdown bool
}

type mockCommand struct {
	handle    executor.CallbackHandle
	host      string
	command   []byte
	metadata  []byte
	cb        executor.ResponseCallback
	cancelled bool
}

func (c *mockCommand) isKill() bool {
	return bytes.Contains(c.command, []byte("killCursors"))
}

// deliver invokes the command's callback with the terminal response. It must
// run on the test goroutine, outside the merger lock.
func (c *mockCommand) deliver(resp executor.RemoteResponse) {
	if c.cb != nil {
		c.cb(resp)
	}
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{}
}

func (e *mockExecutor) ScheduleRemoteCommand(_ context.Context, req executor.RemoteRequest, cb executor.ResponseCallback) (executor.CallbackHandle, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.shutdown {
		return executor.CallbackHandle{}, executor.ErrShuttingDown
	}

	cmd := &mockCommand{
		handle:   executor.NewHandle(),
		host:     req.Host,
		command:  req.Command,
		metadata: req.Metadata,
		cb:       cb,
	}
	e.pending = append(e.pending, cmd)
	return cmd.handle, nil
}

func (e *mockExecutor) Cancel(h executor.CallbackHandle) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	for _, c := range e.pending {
		if c.handle == h {
			c.cancelled = true
		}
	}
}

func (e *mockExecutor) MakeEvent() (*executor.Event, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.shutdown {
		return nil, executor.ErrShuttingDown
	}
	return executor.NewEvent(), nil
}

func (e *mockExecutor) SignalEvent(ev *executor.Event) {
	ev.Signal()
}

func (e *mockExecutor) beginShutdown() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.shutdown = true
}

// take removes and returns the first pending command addressed to host.
func (e *mockExecutor) take(t *testing.T, host string) *mockCommand {
	t.Helper()

	e.mtx.Lock()
	defer e.mtx.Unlock()

	for i, c := range e.pending {
		if c.host == host {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return c
		}
	}

	require.FailNowf(t, "no pending command", "host %s has no pending command", host)
	return nil
}

func (e *mockExecutor) pendingCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return len(e.pending)
}

func (e *mockExecutor) killCommands() []*mockCommand {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var kills []*mockCommand
	for _, c := range e.pending {
		if c.isKill() {
			kills = append(kills, c)
		}
	}
	return kills
}
