package cursor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"ok":1,"cursor":{"id":42,"ns":"db.coll","nextBatch":[{"a":1},{"a":2}]}}`))
	require.NoError(t, err)
	require.Equal(t, int64(42), resp.ID)
	require.Len(t, resp.Batch, 2)
	require.JSONEq(t, `{"a":1}`, string(resp.Batch[0]))
	require.JSONEq(t, `{"a":2}`, string(resp.Batch[1]))
}

func TestParseResponseFirstBatch(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"ok":1,"cursor":{"id":7,"firstBatch":[{"b":true}]}}`))
	require.NoError(t, err)
	require.Equal(t, int64(7), resp.ID)
	require.Len(t, resp.Batch, 1)
}

func TestParseResponseEmptyBatch(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"ok":1,"cursor":{"id":0,"nextBatch":[]}}`))
	require.NoError(t, err)
	require.Equal(t, int64(0), resp.ID)
	require.Empty(t, resp.Batch)
}

func TestParseResponseRemoteError(t *testing.T) {
	_, err := ParseResponse([]byte(`{"ok":0,"code":"HostUnreachable","errmsg":"no route to host"}`))
	require.Error(t, err)

	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "HostUnreachable", rerr.Code)
	require.True(t, rerr.Retryable())
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse([]byte(`{"ok":1}`))
	require.Error(t, err)

	_, err = ParseResponse([]byte(`not json`))
	require.Error(t, err)
}

func TestRemoteErrorRetryable(t *testing.T) {
	for _, code := range []string{"HostUnreachable", "NetworkTimeout", "NotPrimary", "PrimarySteppedDown", "InterruptedDueToStepDown"} {
		require.True(t, (&RemoteError{Code: code}).Retryable(), code)
	}
	for _, code := range []string{"CursorNotFound", "InternalError", ""} {
		require.False(t, (&RemoteError{Code: code}).Retryable(), code)
	}
}
