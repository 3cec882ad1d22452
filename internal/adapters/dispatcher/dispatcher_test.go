package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
)

type reportSink struct {
	mu      sync.Mutex
	reports []ports.CompletionReport
}

func (r *reportSink) collect(report ports.CompletionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *reportSink) all() []ports.CompletionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.CompletionReport(nil), r.reports...)
}

func (r *reportSink) waitForRun(t *testing.T, runID int64) ports.CompletionReport {
	t.Helper()
	var found ports.CompletionReport
	require.Eventually(t, func() bool {
		for _, report := range r.all() {
			if report.RunID == runID {
				found = report
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func testDispatcher(t *testing.T) (*Dispatcher, *reportSink) {
	t.Helper()
	d := New(domain.DispatcherConfig{MaxConcurrent: 4, DefaultTimeout: time.Second}, nil)
	sink := &reportSink{}
	d.OnCompletion(sink.collect)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	return d, sink
}

func fireRequest(runID int64, handler string, job domain.Job) ports.FireRequest {
	job.Handler = handler
	return ports.FireRequest{RunID: runID, JobID: job.ID, Job: job, Params: job.Params}
}

func TestSuccessfulRunReportsCompleted(t *testing.T) {
	d, sink := testDispatcher(t)
	var got atomic.Value
	require.NoError(t, d.RegisterHandler("echo", func(ctx context.Context, params string) error {
		got.Store(params)
		return nil
	}))

	require.NoError(t, d.Fire(fireRequest(1, "echo", domain.Job{ID: 11, Params: `{"n":1}`})))

	report := sink.waitForRun(t, 1)
	require.Equal(t, domain.RunCompleted, report.Status)
	require.Empty(t, report.Err)
	require.Equal(t, 1, report.Attempts)
	require.Equal(t, `{"n":1}`, got.Load())
}

func TestFailingRunRetriesThenReportsFailed(t *testing.T) {
	d, sink := testDispatcher(t)
	var attempts atomic.Int32
	require.NoError(t, d.RegisterHandler("flaky", func(ctx context.Context, params string) error {
		attempts.Add(1)
		return errors.New("boom")
	}))

	job := domain.Job{ID: 11, Retry: domain.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}}
	require.NoError(t, d.Fire(fireRequest(2, "flaky", job)))

	report := sink.waitForRun(t, 2)
	require.Equal(t, domain.RunFailed, report.Status)
	require.Contains(t, report.Err, "boom")
	require.Equal(t, 3, report.Attempts)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRetrySucceedsMidway(t *testing.T) {
	d, sink := testDispatcher(t)
	var attempts atomic.Int32
	require.NoError(t, d.RegisterHandler("second-try", func(ctx context.Context, params string) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}))

	job := domain.Job{ID: 11, Retry: domain.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}}
	require.NoError(t, d.Fire(fireRequest(3, "second-try", job)))

	report := sink.waitForRun(t, 3)
	require.Equal(t, domain.RunCompleted, report.Status)
	require.Equal(t, 2, report.Attempts)
	require.Equal(t, int32(2), attempts.Load())
}

func TestSlowRunReportsTimeout(t *testing.T) {
	d, sink := testDispatcher(t)
	require.NoError(t, d.RegisterHandler("slow", func(ctx context.Context, params string) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	job := domain.Job{ID: 11, Timeout: 50 * time.Millisecond}
	require.NoError(t, d.Fire(fireRequest(4, "slow", job)))

	report := sink.waitForRun(t, 4)
	require.Equal(t, domain.RunTimeout, report.Status)
}

func TestAbortReportsCancelled(t *testing.T) {
	d, sink := testDispatcher(t)
	started := make(chan struct{})
	require.NoError(t, d.RegisterHandler("hang", func(ctx context.Context, params string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	require.NoError(t, d.Fire(fireRequest(5, "hang", domain.Job{ID: 11, Timeout: time.Minute})))
	<-started
	d.Abort(5)

	report := sink.waitForRun(t, 5)
	require.Equal(t, domain.RunCancelled, report.Status)
}

func TestMissingHandlerReportsFailed(t *testing.T) {
	d, sink := testDispatcher(t)
	require.NoError(t, d.Fire(fireRequest(6, "nowhere", domain.Job{ID: 11})))

	report := sink.waitForRun(t, 6)
	require.Equal(t, domain.RunFailed, report.Status)
	require.Contains(t, report.Err, "nowhere")
}

func TestPanickingHandlerReportsFailed(t *testing.T) {
	d, sink := testDispatcher(t)
	require.NoError(t, d.RegisterHandler("panic", func(ctx context.Context, params string) error {
		panic("kaboom")
	}))

	require.NoError(t, d.Fire(fireRequest(7, "panic", domain.Job{ID: 11})))

	report := sink.waitForRun(t, 7)
	require.Equal(t, domain.RunFailed, report.Status)
	require.Contains(t, report.Err, "kaboom")
}

func TestConcurrencyCapHolds(t *testing.T) {
	d := New(domain.DispatcherConfig{MaxConcurrent: 2, DefaultTimeout: time.Minute}, nil)
	sink := &reportSink{}
	d.OnCompletion(sink.collect)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, d.RegisterHandler("gauge", func(ctx context.Context, params string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}))

	for runID := int64(1); runID <= 6; runID++ {
		require.NoError(t, d.Fire(fireRequest(runID, "gauge", domain.Job{ID: 11})))
	}
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return len(sink.all()) == 6 },
		5*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDuplicateHandlerRegistrationRejected(t *testing.T) {
	d := New(domain.DispatcherConfig{MaxConcurrent: 1, DefaultTimeout: time.Second}, nil)
	require.NoError(t, d.RegisterHandler("x", func(context.Context, string) error { return nil }))
	require.ErrorIs(t, d.RegisterHandler("x", func(context.Context, string) error { return nil }),
		domain.ErrAlreadyExists)
}

func TestFireBeforeStartFails(t *testing.T) {
	d := New(domain.DispatcherConfig{MaxConcurrent: 1, DefaultTimeout: time.Second}, nil)
	require.ErrorIs(t, d.Fire(fireRequest(1, "x", domain.Job{})), domain.ErrNotStarted)
}
