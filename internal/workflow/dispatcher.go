// Package workflow runs workflow triggers as background tasks, decoupled
// from the lifecycle transitions that request them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// Trigger starts and follows jobs on the workflow service.
type Trigger interface {
	Trigger(ctx context.Context, a *domain.Anomaly) (string, error)
	Monitor(ctx context.Context, jobID string, onUpdate func(domain.WorkflowStatus)) error
}

// Linker records triggered jobs against their anomalies.
type Linker interface {
	LinkWorkflow(ctx context.Context, anomalyID, jobID string) (domain.Workflow, error)
	RecordWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error
}

// Stage names the step of a dispatched task that failed.
type Stage string

const (
	StageQueue   Stage = "queue"
	StageTrigger Stage = "trigger"
	StageLink    Stage = "link"
	StageMonitor Stage = "monitor"
)

// Failure is a background task failure. It never affects the anomaly the
// task was dispatched for.
type Failure struct {
	AnomalyID string
	JobID     string
	Stage     Stage
	Err       error
}

const failureBuffer = 64

// ErrQueueFull is reported when a dispatch finds no room in the queue.
var ErrQueueFull = errors.New("workflow queue full")

// Dispatcher queues anomalies for triggering and monitors the resulting jobs.
type Dispatcher struct {
	trigger  Trigger
	linker   Linker
	workers  int
	queue    chan *domain.Anomaly
	failures chan Failure
	logger   *slog.Logger
	metrics  *observability.Metrics
	monitors sync.WaitGroup
	// follow is false when triggered jobs are linked but not monitored.
	follow bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithoutMonitoring triggers and links jobs without following their status.
// Short-lived callers that Drain the queue before exiting use it.
func WithoutMonitoring() Option {
	return func(d *Dispatcher) { d.follow = false }
}

// New creates a Dispatcher. Call Run to start processing, or Drain from a
// caller that exits once its queued triggers are sent.
func New(trigger Trigger, linker Linker, workers, queueSize int, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		trigger:  trigger,
		linker:   linker,
		workers:  workers,
		queue:    make(chan *domain.Anomaly, queueSize),
		failures: make(chan Failure, failureBuffer),
		logger:   logger,
		metrics:  metrics,
		follow:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Failures returns the channel background failures are reported on. Reports
// are dropped when nobody drains it.
func (d *Dispatcher) Failures() <-chan Failure {
	return d.failures
}

// Dispatch queues a snapshot of a without blocking.
func (d *Dispatcher) Dispatch(a *domain.Anomaly) {
	select {
	case d.queue <- a.Clone():
		d.metrics.WorkflowQueueDepth.Inc()
	default:
		d.metrics.WorkflowTriggers.WithLabelValues("dropped").Inc()
		d.report(Failure{
			AnomalyID: a.ID,
			Stage:     StageQueue,
			Err:       fmt.Errorf("%w: %w", domain.ErrWorkflowTrigger, ErrQueueFull),
		})
	}
}

// Run processes queued triggers until ctx is cancelled, then waits for
// in-flight triggers and monitors to stop.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	d.monitors.Wait()
}

// Drain processes the triggers already queued, one at a time, until the
// queue is empty or ctx is done. It then waits for any monitors it started.
func (d *Dispatcher) Drain(ctx context.Context) {
	defer d.monitors.Wait()
	for ctx.Err() == nil {
		select {
		case a := <-d.queue:
			d.metrics.WorkflowQueueDepth.Dec()
			d.process(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.metrics.WorkflowQueueDepth.Dec()
			d.process(ctx, a)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, a *domain.Anomaly) {
	jobID, err := d.trigger.Trigger(ctx, a)
	if err != nil {
		d.metrics.WorkflowTriggers.WithLabelValues("error").Inc()
		d.report(Failure{AnomalyID: a.ID, Stage: StageTrigger, Err: err})
		return
	}
	d.metrics.WorkflowTriggers.WithLabelValues("success").Inc()
	d.logger.Info("workflow triggered", "anomaly_id", a.ID, "job_id", jobID, "severity", a.Severity)

	wf, err := d.linker.LinkWorkflow(ctx, a.ID, jobID)
	if err != nil {
		d.report(Failure{AnomalyID: a.ID, JobID: jobID, Stage: StageLink, Err: err})
		if wf.ID == "" {
			return
		}
	}
	if !d.follow {
		return
	}

	d.monitors.Add(1)
	go func() {
		defer d.monitors.Done()
		d.monitor(ctx, wf)
	}()
}

func (d *Dispatcher) monitor(ctx context.Context, wf domain.Workflow) {
	err := d.trigger.Monitor(ctx, wf.JobID, func(status domain.WorkflowStatus) {
		if err := d.linker.RecordWorkflowStatus(ctx, wf.ID, status); err != nil {
			d.report(Failure{AnomalyID: wf.AnomalyID, JobID: wf.JobID, Stage: StageMonitor, Err: err})
		}
	})
	if err != nil && ctx.Err() == nil {
		d.report(Failure{AnomalyID: wf.AnomalyID, JobID: wf.JobID, Stage: StageMonitor, Err: err})
	}
}

func (d *Dispatcher) report(f Failure) {
	select {
	case d.failures <- f:
	default:
		d.logger.Warn("workflow failure dropped", "anomaly_id", f.AnomalyID, "stage", f.Stage, "error", f.Err)
	}
}

// LogFailures drains failures until ctx is cancelled, logging each at Warn.
func LogFailures(ctx context.Context, failures <-chan Failure, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-failures:
			logger.Warn("workflow task failed",
				"anomaly_id", f.AnomalyID,
				"job_id", f.JobID,
				"stage", f.Stage,
				"error", f.Err,
			)
		}
	}
}
