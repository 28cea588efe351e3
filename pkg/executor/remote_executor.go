package executor

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
)

var tracer = otel.Tracer("pkg/executor")

const (
	// ReadPreferenceHeader carries the caller's read preference metadata to
	// the remote on every command.
	ReadPreferenceHeader = "X-Shardmerge-Read-Preference"

	hedgedStatsPublishDuration = 10 * time.Second
)

var (
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shardmerge",
		Name:      "executor_request_duration_seconds",
		Help:      "Duration of remote cursor commands in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status_code"})
	metricInflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardmerge",
		Name:      "executor_inflight_requests",
		Help:      "Number of remote cursor commands currently in flight.",
	})
	metricHedgedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shardmerge",
		Name:      "executor_hedged_roundtrips_total",
		Help:      "Total number of hedged remote command roundtrips.",
	})
)

// Config for a RemoteExecutor.
type Config struct {
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	HedgeRequestsAt   time.Duration  `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int            `yaml:"hedge_requests_up_to"`
	CommandPath       string         `yaml:"command_path"`
	Retry             backoff.Config `yaml:"retry"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.HedgeRequestsAt = 8 * time.Second
	cfg.HedgeRequestsUpTo = 2
	cfg.CommandPath = "/cursor/command"
	cfg.Retry = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 1 * time.Second,
		MaxRetries: 3,
	}

	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 30*time.Second, "Timeout of a single remote cursor command.")
}

// RemoteExecutor delivers cursor commands to remote hosts over HTTP. Every
// scheduled command runs on its own goroutine and reports its terminal
// response through the callback, including after cancellation.
type RemoteExecutor struct {
	cfg    Config
	client *http.Client
	logger log.Logger

	mtx      sync.Mutex
	inflight map[CallbackHandle]context.CancelFunc
	wg       sync.WaitGroup
	down     atomic.Bool
}

func New(cfg Config, logger log.Logger) (*RemoteExecutor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var rt http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HedgeRequestsAt != 0 {
		var (
			stats *hedgedhttp.Stats
			err   error
		)
		rt, stats, err = hedgedhttp.NewRoundTripperAndStats(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, rt)
		if err != nil {
			return nil, err
		}
		publishHedgedStats(stats, metricHedgedRequests)
	}

	return &RemoteExecutor{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: rt,
		},
		logger:   logger,
		inflight: map[CallbackHandle]context.CancelFunc{},
	}, nil
}

func (e *RemoteExecutor) ScheduleRemoteCommand(ctx context.Context, req RemoteRequest, cb ResponseCallback) (CallbackHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	h := NewHandle()
	cctx, cancel := context.WithCancel(ctx)

	e.mtx.Lock()
	if e.down.Load() {
		e.mtx.Unlock()
		cancel()
		return CallbackHandle{}, ErrShuttingDown
	}
	e.inflight[h] = cancel
	e.wg.Add(1)
	e.mtx.Unlock()

	go e.run(cctx, h, req, cb)

	return h, nil
}

func (e *RemoteExecutor) run(ctx context.Context, h CallbackHandle, req RemoteRequest, cb ResponseCallback) {
	defer e.wg.Done()

	ctx, span := tracer.Start(ctx, "remote-command")
	span.SetAttributes(attribute.String("host", req.Host))
	defer span.End()

	metricInflightRequests.Inc()
	defer metricInflightRequests.Dec()

	resp := e.deliver(ctx, req)
	if resp.Err != nil {
		span.RecordError(resp.Err)
	}

	e.mtx.Lock()
	delete(e.inflight, h)
	e.mtx.Unlock()

	if cb != nil {
		cb(resp)
	}
}

func (e *RemoteExecutor) deliver(ctx context.Context, req RemoteRequest) RemoteResponse {
	boff := backoff.New(ctx, e.cfg.Retry)

	var lastErr error
	for boff.Ongoing() {
		data, err := e.send(ctx, req)
		if err == nil {
			return RemoteResponse{Data: data}
		}

		lastErr = err
		level.Warn(e.logger).Log("msg", "remote command attempt failed", "host", req.Host, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return RemoteResponse{Err: lastErr}
}

func (e *RemoteExecutor) send(ctx context.Context, req RemoteRequest) ([]byte, error) {
	start := time.Now()
	statusCode := "error"
	defer func() {
		metricRequestDuration.WithLabelValues(statusCode).Observe(time.Since(start).Seconds())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+req.Host+e.cfg.CommandPath, bytes.NewReader(req.Command))
	if err != nil {
		return nil, fmt.Errorf("building remote command request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(req.Metadata) > 0 {
		httpReq.Header.Set(ReadPreferenceHeader, string(req.Metadata))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Surface the caller's cancellation as-is so it is not retried.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer resp.Body.Close()

	statusCode = strconv.Itoa(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %s", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: host %s returned status %d: %s", ErrTransport, req.Host, resp.StatusCode, string(body))
	}

	return body, nil
}

// Cancel aborts the command identified by the handle. The command's callback
// still runs and receives the cancellation as its terminal response.
func (e *RemoteExecutor) Cancel(h CallbackHandle) {
	e.mtx.Lock()
	cancel, ok := e.inflight[h]
	e.mtx.Unlock()

	if ok {
		cancel()
	}
}

func (e *RemoteExecutor) MakeEvent() (*Event, error) {
	if e.down.Load() {
		return nil, ErrShuttingDown
	}
	return NewEvent(), nil
}

func (e *RemoteExecutor) SignalEvent(ev *Event) {
	ev.Signal()
}

// Shutdown cancels all inflight commands and waits for their callbacks to
// finish. Further scheduling fails with ErrShuttingDown.
func (e *RemoteExecutor) Shutdown() {
	if !e.down.CompareAndSwap(false, true) {
		return
	}

	e.mtx.Lock()
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mtx.Unlock()

	e.wg.Wait()
	e.client.CloseIdleConnections()
}

// publishHedgedStats adds the hedged roundtrips made since the previous flush
// to the counter every 10 seconds.
func publishHedgedStats(s *hedgedhttp.Stats, counter prometheus.Counter) {
	ticker := time.NewTicker(hedgedStatsPublishDuration)
	go func() {
		var published int64
		for range ticker.C {
			snap := s.Snapshot()
			hedged := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
			if hedged > published {
				counter.Add(float64(hedged - published))
				published = hedged
			}
		}
	}()
}
