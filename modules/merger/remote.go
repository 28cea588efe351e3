package merger

import (
	"github.com/grafana/shardmerge/pkg/cursor"
	"github.com/grafana/shardmerge/pkg/executor"
)

// RemoteConfig describes one established remote cursor: where it lives and
// the establishment response that carried its cursor id and first batch.
type RemoteConfig struct {
	Host      string
	Namespace string
	First     cursor.Response
}

// queryResult is one buffered document together with its pre-extracted sort
// key. The key is only populated on sorted merges.
type queryResult struct {
	doc cursor.Document
	key cursor.SortKey
}

// remoteCursor is the per-shard state of the merge.
type remoteCursor struct {
	host      string
	namespace string

	// cursorID is the server-side cursor id. Zero means the remote has
	// exhausted the cursor; no follow-up or kill will be sent.
	cursorID int64

	buffer   []queryResult
	inflight executor.CallbackHandle
	fetched  int64
	status   error
	retries  int
}

func (r *remoteCursor) hasNext() bool {
	return len(r.buffer) > 0
}

func (r *remoteCursor) exhausted() bool {
	return r.cursorID == 0
}

func (r *remoteCursor) front() queryResult {
	return r.buffer[0]
}

func (r *remoteCursor) popFront() queryResult {
	res := r.buffer[0]
	r.buffer[0] = queryResult{}
	r.buffer = r.buffer[1:]
	return res
}
