package executor

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrShuttingDown is returned once the executor has begun shutdown and
	// can no longer schedule work or hand out events.
	ErrShuttingDown = errors.New("executor: shutting down")

	// ErrTransport wraps network-level failures delivering a remote command.
	ErrTransport = errors.New("executor: transport error")
)

// CallbackHandle identifies a scheduled remote command. The zero value is
// invalid.
type CallbackHandle struct {
	id uuid.UUID
}

func NewHandle() CallbackHandle {
	return CallbackHandle{id: uuid.New()}
}

func (h CallbackHandle) Valid() bool {
	return h.id != uuid.Nil
}

// RemoteRequest is one command addressed to a remote host. Command is the
// encoded command body; Metadata is an opaque blob the transport attaches to
// the request unchanged.
type RemoteRequest struct {
	Host     string
	Command  []byte
	Metadata []byte
}

// RemoteResponse is the terminal result of a scheduled command: either the
// raw reply bytes or the error that ended the attempt. A cancelled command
// still produces a response carrying the cancellation error.
type RemoteResponse struct {
	Data []byte
	Err  error
}

// ResponseCallback receives the terminal response of a scheduled command. It
// is invoked exactly once, on an executor-owned goroutine.
type ResponseCallback func(RemoteResponse)

// Executor schedules remote commands and hands out the wake-up events used
// to coordinate with callers.
type Executor interface {
	ScheduleRemoteCommand(ctx context.Context, req RemoteRequest, cb ResponseCallback) (CallbackHandle, error)
	Cancel(h CallbackHandle)
	MakeEvent() (*Event, error)
	SignalEvent(e *Event)
}
