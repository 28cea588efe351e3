package cursor

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Response is a parsed cursor reply: the possibly updated server-side cursor
// id and the delivered batch. An id of zero means the remote side has
// exhausted the cursor and released it.
type Response struct {
	ID    int64
	Batch []Document
}

type wireCursor struct {
	ID         int64                 `json:"id"`
	Namespace  string                `json:"ns,omitempty"`
	FirstBatch []jsoniter.RawMessage `json:"firstBatch,omitempty"`
	NextBatch  []jsoniter.RawMessage `json:"nextBatch,omitempty"`
}

type wireResponse struct {
	OK      *float64    `json:"ok"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"errmsg,omitempty"`
	Cursor  *wireCursor `json:"cursor,omitempty"`
}

// RemoteError is an application-level error reported by a remote inside an
// otherwise well-formed reply.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Retryable reports whether the error is transient: the host was unreachable
// or mid leadership change, and the same request may succeed on a later
// attempt.
func (e *RemoteError) Retryable() bool {
	switch e.Code {
	case "HostUnreachable", "NetworkTimeout", "NotPrimary", "PrimarySteppedDown", "InterruptedDueToStepDown":
		return true
	}
	return false
}

// ParseResponse parses a wire-format cursor reply. Establishment replies
// carry the batch under cursor.firstBatch, follow-ups under cursor.nextBatch.
func ParseResponse(data []byte) (Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, errors.Wrap(err, "parsing cursor response")
	}

	if wire.OK != nil && *wire.OK == 0 {
		return Response{}, &RemoteError{Code: wire.Code, Message: wire.Message}
	}

	if wire.Cursor == nil {
		return Response{}, errors.New("cursor response missing 'cursor' field")
	}

	raw := wire.Cursor.NextBatch
	if raw == nil {
		raw = wire.Cursor.FirstBatch
	}

	batch := make([]Document, 0, len(raw))
	for _, doc := range raw {
		batch = append(batch, Document(doc))
	}

	return Response{ID: wire.Cursor.ID, Batch: batch}, nil
}
