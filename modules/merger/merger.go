package merger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"

	"github.com/grafana/shardmerge/pkg/cursor"
	"github.com/grafana/shardmerge/pkg/executor"
)

// maxRemoteRetries caps retries of transient failures per host.
const maxRemoteRetries = 3

var (
	// ErrKilled is returned by operations on a merger whose kill has started.
	ErrKilled = errors.New("merger: killed")

	// ErrEventOutstanding is returned by NextEvent while a previously issued
	// event has not been signaled yet.
	ErrEventOutstanding = errors.New("merger: previous event has not been signaled")

	// ErrAwaitDataMode is returned when setting an await-data timeout on a
	// cursor that is not tailable await-data.
	ErrAwaitDataMode = errors.New("merger: await-data timeout requires a tailable await-data cursor")

	// ErrCursorIDMismatch means a remote answered for a cursor other than
	// the established one.
	ErrCursorIDMismatch = errors.New("merger: unexpected cursor id")

	// ErrLiveRemoteCursors is returned by Close while remote cursors are
	// neither drained nor killed.
	ErrLiveRemoteCursors = errors.New("merger: closed with live remote cursors")
)

type lifecycleState int8

const (
	lifecycleAlive lifecycleState = iota
	lifecycleKillStarted
	lifecycleKillComplete
)

// Merger merges the result streams of several established remote cursors
// into a single logical cursor. It never blocks: the caller polls Ready,
// extracts buffered results with NextReady, and re-arms fetching with
// NextEvent, waiting on the returned event until results (or a terminal
// state) become available. Remote cursors that do not drain to exhaustion
// must be released through Kill before the merger is discarded.
type Merger struct {
	cfg    Config
	exec   executor.Executor
	logger log.Logger

	// metadata is the encoded read preference, attached to every follow-up
	// so a remote role change yields a clean error.
	metadata cursor.Document

	mtx          sync.Mutex
	ctx          context.Context
	remotes      []*remoteCursor
	queue        *mergeQueue // nil unless a sort is configured
	lifecycle    lifecycleState
	status       error
	current      *executor.Event
	killEvent    *executor.Event
	nextUnsorted int
	eofNext      bool
	awaitData    time.Duration
}

// New builds a merger over the given established remotes. Each remote's
// first batch is buffered immediately. Append failures are not surfaced
// here; the error is parked in the remote and the first Ready call reports
// true so NextReady can return it.
func New(ctx context.Context, cfg Config, exec executor.Executor, remotes []RemoteConfig, logger log.Logger) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	m := &Merger{
		cfg:    cfg,
		exec:   exec,
		logger: logger,
		ctx:    ctx,
	}

	if cfg.ReadPreference != nil {
		md, err := cfg.ReadPreference.Encode()
		if err != nil {
			return nil, err
		}
		m.metadata = md
	}

	m.remotes = make([]*remoteCursor, 0, len(remotes))
	for _, rc := range remotes {
		m.remotes = append(m.remotes, &remoteCursor{
			host:      rc.Host,
			namespace: rc.Namespace,
			cursorID:  rc.First.ID,
		})
	}

	if !cfg.Sort.Empty() {
		m.queue = newMergeQueue(m.remotes, cfg.Sort)
	}

	for i, rc := range remotes {
		m.addBatchToBuffer(i, rc.First.Batch)
	}

	return m, nil
}

// Ready reports whether the caller may synchronously extract a result, a
// batch boundary, or an error through NextReady.
func (m *Merger) Ready() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.ready()
}

func (m *Merger) ready() bool {
	if m.lifecycle != lifecycleAlive {
		return true
	}

	if m.eofNext {
		// The next extraction reports the tailable batch boundary.
		return true
	}

	for _, r := range m.remotes {
		if r.status != nil {
			m.status = r.status
			return true
		}
	}

	if !m.cfg.Sort.Empty() {
		return m.readySorted()
	}
	return m.readyUnsorted()
}

// A sorted merge can only advance when every remote either has a buffered
// head or is exhausted: the next document of an unsatisfied remote could
// sort ahead of any current candidate.
func (m *Merger) readySorted() bool {
	for _, r := range m.remotes {
		if !r.hasNext() && !r.exhausted() {
			return false
		}
	}
	return true
}

func (m *Merger) readyUnsorted() bool {
	allExhausted := true
	for _, r := range m.remotes {
		if !r.exhausted() {
			allExhausted = false
		}
		if r.hasNext() {
			return true
		}
	}
	return allExhausted
}

// NextReady returns the next merged document. It must only be called after
// Ready reported true under the same lock epoch. A nil document with a nil
// error marks the end of the current batch (tailable cursors) or the end of
// the stream.
func (m *Merger) NextReady() (cursor.Document, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.lifecycle != lifecycleAlive {
		return nil, ErrKilled
	}

	if m.status != nil {
		return nil, m.status
	}

	if m.eofNext {
		m.eofNext = false
		return nil, nil
	}

	if !m.cfg.Sort.Empty() {
		return m.nextReadySorted(), nil
	}
	return m.nextReadyUnsorted(), nil
}

func (m *Merger) nextReadySorted() cursor.Document {
	if m.queue.empty() {
		return nil
	}

	smallest := m.queue.pop()
	r := m.remotes[smallest]
	res := r.popFront()

	// Re-track the remote if it still has a head.
	if r.hasNext() {
		m.queue.push(smallest)
	}

	metricDocsMerged.Inc()
	return res.doc
}

func (m *Merger) nextReadyUnsorted() cursor.Document {
	for attempted := 0; attempted < len(m.remotes); attempted++ {
		r := m.remotes[m.nextUnsorted]
		if !r.hasNext() {
			m.advanceUnsorted()
			continue
		}

		res := r.popFront()

		if m.cfg.TailableMode == ModeTailable && !r.hasNext() {
			// About to return the last buffered result of a tailable
			// cursor; the extraction after this one marks the batch
			// boundary.
			m.eofNext = true
		}

		m.advanceUnsorted()
		metricDocsMerged.Inc()
		return res.doc
	}

	return nil
}

func (m *Merger) advanceUnsorted() {
	m.nextUnsorted++
	if m.nextUnsorted == len(m.remotes) {
		m.nextUnsorted = 0
	}
}

// NextEvent schedules a follow-up request for every remote that needs one
// and returns the event the caller may wait on. Only remotes with an empty
// buffer, a live cursor and no request in flight are scheduled; that is also
// what re-arms a remote parked by a transient failure.
func (m *Merger) NextEvent() (*executor.Event, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.lifecycle != lifecycleAlive {
		return nil, fmt.Errorf("%w: cannot schedule further remote requests", ErrKilled)
	}

	if m.current != nil {
		// Every issued event must be signaled before a new one is made.
		return nil, ErrEventOutstanding
	}

	for i, r := range m.remotes {
		if r.status != nil {
			return nil, r.status
		}
		if !r.hasNext() && !r.exhausted() && !r.inflight.Valid() {
			if err := m.askForNextBatch(i); err != nil {
				return nil, err
			}
		}
	}

	ev, err := m.exec.MakeEvent()
	if err != nil {
		return nil, err
	}
	m.current = ev

	// Results may have arrived between the caller observing not-ready and
	// re-arming here; propagate that readiness to the fresh event right away.
	m.signalCurrentEventIfReady()

	return ev, nil
}

func (m *Merger) askForNextBatch(remoteIndex int) error {
	r := m.remotes[remoteIndex]

	// Shrink the follow-up so the total pulled from this remote never
	// exceeds the caller's cap, even when results skew to one shard.
	var batchSize int64
	if m.cfg.BatchSize > 0 {
		batchSize = m.cfg.BatchSize - r.fetched
		if batchSize < 1 {
			batchSize = 1
		}
	}

	gm := cursor.GetMore{
		CursorID:   r.cursorID,
		Collection: r.namespace,
		BatchSize:  batchSize,
	}
	if m.cfg.TailableMode == ModeTailableAwaitData && m.awaitData > 0 {
		gm.MaxTimeMS = m.awaitData.Milliseconds()
	}

	cmd, err := gm.Encode()
	if err != nil {
		return err
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	handle, err := m.exec.ScheduleRemoteCommand(ctx, executor.RemoteRequest{
		Host:     r.host,
		Command:  cmd,
		Metadata: m.metadata,
	}, func(resp executor.RemoteResponse) {
		m.handleBatchResponse(remoteIndex, resp)
	})
	if err != nil {
		metricBatchesRequested.WithLabelValues("error").Inc()
		return err
	}

	metricBatchesRequested.WithLabelValues("ok").Inc()
	r.inflight = handle
	return nil
}

func (m *Merger) handleBatchResponse(remoteIndex int, resp executor.RemoteResponse) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// A response arrived, so this remote is no longer fetching.
	m.remotes[remoteIndex].inflight = executor.CallbackHandle{}

	if m.lifecycle != lifecycleAlive {
		// Wake up anyone still waiting, then continue the kill protocol.
		m.signalCurrentEventIfReady()
		m.cleanUpKilledBatch()
		return
	}

	m.processBatchResults(remoteIndex, resp)
	m.signalCurrentEventIfReady()
}

func (m *Merger) processBatchResults(remoteIndex int, resp executor.RemoteResponse) {
	r := m.remotes[remoteIndex]

	if resp.Err != nil {
		m.handleFailedBatch(remoteIndex, resp.Err)
		return
	}

	parsed, err := cursor.ParseResponse(resp.Data)
	if err != nil {
		m.handleFailedBatch(remoteIndex, err)
		return
	}

	// A non-zero id must match the established cursor; anything else means
	// the remote is answering for a different cursor.
	if parsed.ID != 0 && parsed.ID != r.cursorID {
		m.handleFailedBatch(remoteIndex, fmt.Errorf("%w: expected cursor id %d but received %d", ErrCursorIDMismatch, r.cursorID, parsed.ID))
		return
	}

	// Sent as zero once the remote has exhausted the cursor.
	r.cursorID = parsed.ID

	if !m.addBatchToBuffer(remoteIndex, parsed.Batch) {
		return
	}

	if m.cfg.TailableMode == ModeTailable && !r.hasNext() {
		// Tailable cursors pass batch boundaries through to the consumer
		// as-is, and only exist on a single remote: an empty buffer after
		// this batch is the end of the overall batch.
		m.eofNext = true
	} else if !r.hasNext() && !r.exhausted() {
		// Still nothing buffered and the cursor is live; fetch again right
		// away.
		if err := m.askForNextBatch(remoteIndex); err != nil {
			r.status = err
		}
	}
}

func (m *Merger) handleFailedBatch(remoteIndex int, err error) {
	r := m.remotes[remoteIndex]

	if isRetryable(err) && r.retries < maxRemoteRetries {
		r.retries++
		metricRemoteRetries.Inc()
		level.Warn(m.logger).Log("msg", "retrying remote batch", "host", r.host, "attempt", r.retries, "err", err)
		// The remote now has an empty buffer and no request in flight, so
		// the next NextEvent call schedules it again.
		return
	}

	r.status = err

	if m.cfg.AllowPartialResults {
		// Tolerate the unreachable shard by dropping it from the merge
		// entirely: clear its buffer and treat it as exhausted.
		level.Warn(m.logger).Log("msg", "dropping failed remote from merge", "host", r.host, "err", err)
		metricRemoteErrorsSwallowed.Inc()
		r.status = nil
		r.buffer = nil
		r.cursorID = 0
	}
}

func isRetryable(err error) bool {
	var rerr *cursor.RemoteError
	if errors.As(err, &rerr) {
		return rerr.Retryable()
	}
	if errors.Is(err, executor.ErrTransport) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// addBatchToBuffer validates and appends a delivered batch. With a sort
// configured every document must carry a well-formed sort key; a malformed
// document fails the remote and none of the batch is retained.
func (m *Merger) addBatchToBuffer(remoteIndex int, batch []cursor.Document) bool {
	r := m.remotes[remoteIndex]

	results := make([]queryResult, 0, len(batch))
	for _, doc := range batch {
		res := queryResult{doc: doc}
		if !m.cfg.Sort.Empty() {
			key, err := doc.SortKey()
			if err != nil {
				r.status = err
				return false
			}
			res.key = key
		}
		results = append(results, res)
	}

	wasEmpty := !r.hasNext()
	r.buffer = append(r.buffer, results...)
	r.fetched += int64(len(results))

	// A sorted merge tracks a remote in the queue only while it has a head.
	if m.queue != nil && wasEmpty && r.hasNext() {
		m.queue.push(remoteIndex)
	}

	return true
}

func (m *Merger) signalCurrentEventIfReady() {
	if m.current != nil && m.ready() {
		// Signal at most once per issuance, then clear so the next
		// NextEvent call may produce a fresh event.
		m.exec.SignalEvent(m.current)
		m.current = nil
	}
}

func (m *Merger) haveOutstandingRequests() bool {
	for _, r := range m.remotes {
		if r.inflight.Valid() {
			return true
		}
	}
	return false
}

// SetAwaitDataTimeout records how long remotes may block waiting for new
// data before answering a follow-up.
func (m *Merger) SetAwaitDataTimeout(timeout time.Duration) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cfg.TailableMode != ModeTailableAwaitData {
		return ErrAwaitDataMode
	}

	m.awaitData = timeout
	return nil
}

// Detach releases the caller context between batches. It also clears the
// tailable batch-boundary flag: a later reattachment means the consumer
// wants a fresh batch from the tailable cursor, not another boundary marker.
func (m *Merger) Detach() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.ctx = nil
	m.eofNext = false
}

// Reattach binds the merger to a new caller context. The merger must be
// detached.
func (m *Merger) Reattach(ctx context.Context) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.ctx != nil {
		panic("merger: reattached while already attached to a context")
	}
	m.ctx = ctx
}

// RemotesExhausted is true once every remote cursor has drained on the
// server side.
func (m *Merger) RemotesExhausted() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.remotesExhausted()
}

func (m *Merger) remotesExhausted() bool {
	for _, r := range m.remotes {
		if !r.exhausted() {
			return false
		}
	}
	return true
}

// Kill begins releasing the remote cursors. It is idempotent and returns an
// event that fires once kill-cursors commands have been dispatched (not
// acknowledged). A nil event means the executor is shutting down and nothing
// further can be scheduled.
func (m *Merger) Kill(ctx context.Context) *executor.Event {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.killEvent != nil {
		// A kill is already underway; share its event.
		return m.killEvent
	}
	if m.lifecycle == lifecycleKillComplete {
		// A previous kill finished without an event because the executor
		// was shutting down.
		return nil
	}

	m.lifecycle = lifecycleKillStarted

	ev, err := m.exec.MakeEvent()
	if err != nil {
		// The executor is shutting down. With no responses outstanding the
		// merger is already safe to discard.
		if !m.haveOutstandingRequests() {
			m.lifecycle = lifecycleKillComplete
		}
		return nil
	}
	m.killEvent = ev

	if !m.haveOutstandingRequests() {
		m.scheduleKillCursors(ctx)
		m.lifecycle = lifecycleKillComplete
		m.exec.SignalEvent(m.killEvent)
	} else {
		// Cancelled requests still deliver a terminal response; the last
		// callback to drain completes the kill.
		for _, r := range m.remotes {
			if r.inflight.Valid() {
				m.exec.Cancel(r.inflight)
			}
		}
	}

	return m.killEvent
}

// cleanUpKilledBatch runs on the response path once a kill has started. When
// the last outstanding response drains it dispatches the kill-cursors
// commands and declares the merger safe to discard.
func (m *Merger) cleanUpKilledBatch() {
	if m.haveOutstandingRequests() {
		return
	}

	if m.killEvent != nil {
		m.scheduleKillCursors(m.ctx)
		m.exec.SignalEvent(m.killEvent)
	}

	m.lifecycle = lifecycleKillComplete
}

// scheduleKillCursors dispatches a kill-cursors command to every remote with
// a live cursor and no error status. Nobody waits for the acknowledgements.
func (m *Merger) scheduleKillCursors(ctx context.Context) {
	var errs error
	for _, r := range m.remotes {
		if r.status != nil || r.exhausted() {
			continue
		}

		cmd, err := cursor.KillCursors{Collection: r.namespace, CursorIDs: []int64{r.cursorID}}.Encode()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		if _, err := m.exec.ScheduleRemoteCommand(ctx, executor.RemoteRequest{Host: r.host, Command: cmd}, nil); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		metricKillCursors.Inc()
	}

	if errs != nil {
		level.Debug(m.logger).Log("msg", "failed to dispatch kill-cursors", "err", errs)
	}
}

// Close verifies the merger may be discarded: every remote has drained to
// exhaustion or the kill protocol has completed. Discarding a merger in any
// other state leaks server-side cursors.
func (m *Merger) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.remotesExhausted() && m.lifecycle != lifecycleKillComplete {
		return ErrLiveRemoteCursors
	}
	return nil
}
