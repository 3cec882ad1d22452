// Package dispatcher executes fired job runs through registered handlers. It
// owns per-run retries, timeout enforcement, and abort, and reports exactly
// one terminal outcome per fired run.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
	"github.com/SunnyX6/datapillar-scheduler/internal/ports"
)

// Handler executes one job attempt. A nil return marks the attempt
// successful; context cancellation must be honored for abort and timeout.
type Handler func(ctx context.Context, params string) error

type execution struct {
	cancel  context.CancelFunc
	aborted bool
}

type Dispatcher struct {
	cfg    domain.DispatcherConfig
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	runCtx      context.Context
	handlers    map[string]Handler
	executions  map[int64]*execution
	completions []func(ports.CompletionReport)
	wg          sync.WaitGroup

	slots chan struct{}
}

var _ ports.DispatcherPort = (*Dispatcher)(nil)

func New(cfg domain.DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger.With("component", "dispatcher"),
		handlers:   make(map[string]Handler),
		executions: make(map[int64]*execution),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterHandler binds a handler name referenced by job definitions to its
// implementation. Must be called before runs referencing the name fire.
func (d *Dispatcher) RegisterHandler(name string, handler Handler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("%w: handler registration needs a name and a func", domain.ErrInvalidInput)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("%w: handler %q", domain.ErrAlreadyExists, name)
	}
	d.handlers[name] = handler
	return nil
}

// OnCompletion registers a callback invoked once per fired run with its
// terminal outcome. Must be called before Start.
func (d *Dispatcher) OnCompletion(fn func(ports.CompletionReport)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(d.completions, fn)
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return domain.ErrAlreadyStarted
	}
	d.running = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.runCtx = runCtx
	d.logger.Info("dispatcher started", "max_concurrent", d.cfg.MaxConcurrent)
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return domain.ErrNotStarted
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Fire schedules one run for execution. The call returns once the run is
// admitted; execution and the completion report happen asynchronously.
func (d *Dispatcher) Fire(req ports.FireRequest) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return domain.ErrNotStarted
	}
	if _, active := d.executions[req.RunID]; active {
		d.mu.Unlock()
		return nil
	}
	handler, ok := d.handlers[req.Job.Handler]
	runCtx := d.runCtx
	if !ok {
		d.mu.Unlock()
		d.report(ports.CompletionReport{
			RunID:  req.RunID,
			Status: domain.RunFailed,
			Err:    fmt.Sprintf("no handler registered for %q", req.Job.Handler),
		})
		return nil
	}

	execCtx, cancel := context.WithCancel(runCtx)
	d.executions[req.RunID] = &execution{cancel: cancel}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.execute(execCtx, req, handler)
	return nil
}

// Abort stops a running execution. The aborted run reports CANCELLED; the
// caller has typically already written that status and treats the report's
// conditional update as a no-op.
func (d *Dispatcher) Abort(runID int64) {
	d.mu.Lock()
	exec, ok := d.executions[runID]
	if ok {
		exec.aborted = true
	}
	d.mu.Unlock()
	if ok {
		exec.cancel()
		d.logger.Info("aborted run", "run_id", runID)
	}
}

func (d *Dispatcher) execute(ctx context.Context, req ports.FireRequest, handler Handler) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.executions, req.RunID)
		d.mu.Unlock()
	}()

	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-ctx.Done():
		d.finish(req, 0, ctx.Err())
		return
	}

	timeout := req.Job.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	maxAttempts := req.Job.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = d.runAttempt(ctx, handler, req.Params, timeout)
		if err == nil || ctx.Err() != nil {
			break
		}
		d.logger.Warn("job attempt failed",
			"run_id", req.RunID, "job_id", req.JobID, "attempt", attempt, "error", err)
		if attempt < maxAttempts {
			select {
			case <-time.After(req.Job.Retry.Backoff):
			case <-ctx.Done():
			}
		}
	}
	d.finish(req, attempts, err)
}

func (d *Dispatcher) runAttempt(ctx context.Context, handler Handler, params string, timeout time.Duration) (err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if err := handler(attemptCtx, params); err != nil {
		return err
	}
	return attemptCtx.Err()
}

func (d *Dispatcher) finish(req ports.FireRequest, attempts int, err error) {
	report := ports.CompletionReport{RunID: req.RunID, Status: domain.RunCompleted, Attempts: attempts}

	d.mu.Lock()
	aborted := d.executions[req.RunID] != nil && d.executions[req.RunID].aborted
	d.mu.Unlock()

	switch {
	case err == nil:
		// completed
	case aborted:
		report.Status = domain.RunCancelled
		report.Err = "aborted"
	case errors.Is(err, context.DeadlineExceeded):
		report.Status = domain.RunTimeout
		report.Err = err.Error()
	case errors.Is(err, context.Canceled):
		// Process shutdown, not an abort. No report; the run stays RUNNING
		// and the restart scan picks it back up.
		d.logger.Info("run interrupted by shutdown", "run_id", req.RunID)
		return
	default:
		report.Status = domain.RunFailed
		report.Err = err.Error()
	}

	d.report(report)
	d.logger.Info("run finished",
		"run_id", req.RunID, "job_id", req.JobID, "status", report.Status)
}

func (d *Dispatcher) report(report ports.CompletionReport) {
	d.mu.Lock()
	completions := slices.Clone(d.completions)
	d.mu.Unlock()
	for _, fn := range completions {
		fn(report)
	}
}
