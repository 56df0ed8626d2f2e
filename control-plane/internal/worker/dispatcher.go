// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/fwrollout/control-plane/internal/config"
	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/control-plane/internal/notify"
	"github.com/pilot-net/fwrollout/control-plane/internal/rollout"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// UpdateResolver resolves the update a device should receive.
type UpdateResolver interface {
	ResolveForDevice(ctx context.Context, device *types.Device) types.UpdatePayload
}

// Publisher sends a notification on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) (int64, error)
}

// AuditAppender records audit events.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event *types.AuditEvent) error
}

// DispatcherConfig holds configuration for the update dispatcher.
type DispatcherConfig struct {
	// Workers is the number of concurrent dispatch tasks.
	Workers int

	// QueueSize is how many tasks may wait for a worker before new
	// dispatches are rejected.
	QueueSize int

	// Timeout is how long Dispatch waits for a task before detaching from it.
	Timeout time.Duration

	// PublishRate limits notifications per second across all workers.
	// Zero or less means unlimited.
	PublishRate  float64
	PublishBurst int
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      config.DefaultDispatchWorkers,
		QueueSize:    config.DefaultDispatchQueueSize,
		Timeout:      config.DefaultDispatchTimeout,
		PublishRate:  config.DefaultPublishRate,
		PublishBurst: config.DefaultPublishBurst,
	}
}

// Dispatcher re-resolves a device after its record changes and publishes
// the update, if any, on the device's topic.
//
// Dispatch is best effort. A task that outlives the timeout keeps running
// in the background; nothing is retried.
type Dispatcher struct {
	resolver  UpdateResolver
	publisher Publisher
	audit     AuditAppender
	limiter   *rate.Limiter
	config    DispatcherConfig
	logger    *slog.Logger
	now       func() time.Time

	jobs   chan *dispatchJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

type dispatchJob struct {
	ctx    context.Context
	device *types.Device
	done   chan string
}

// NewDispatcher creates a new update dispatcher. Call Start before Dispatch.
func NewDispatcher(resolver UpdateResolver, publisher Publisher, audit AuditAppender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 1
	}

	return &Dispatcher{
		resolver:  resolver,
		publisher: publisher,
		audit:     audit,
		limiter:   rate.NewLimiter(limit, cfg.PublishBurst),
		config:    cfg,
		logger:    logger.With("component", "dispatcher"),
		now:       time.Now,
		jobs:      make(chan *dispatchJob, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}

	d.logger.Info("dispatcher started",
		"workers", d.config.Workers,
		"queue_size", d.config.QueueSize,
		"timeout", d.config.Timeout,
	)
}

// Stop signals the workers to stop and waits for in-flight tasks.
// Queued tasks that have not started are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Dispatch hands device to the pool and waits up to the configured timeout
// for the task to finish. It returns the dispatch outcome, one of the
// metrics.Dispatch* values. A timed out task is not cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, device *types.Device) string {
	d.mu.RLock()
	running := d.started && !d.stopped
	d.mu.RUnlock()
	if !running {
		metrics.DispatchesTotal.WithLabelValues(metrics.DispatchRejected).Inc()
		d.logger.Warn("dispatcher not running, dropping dispatch", "device_id", device.ID)
		return metrics.DispatchRejected
	}

	job := &dispatchJob{
		// The task must outlive the caller's request.
		ctx:    context.WithoutCancel(ctx),
		device: device.Clone(),
		done:   make(chan string, 1),
	}

	select {
	case d.jobs <- job:
	default:
		metrics.DispatchesTotal.WithLabelValues(metrics.DispatchRejected).Inc()
		d.logger.Warn("dispatch queue full, dropping dispatch", "device_id", device.ID)
		return metrics.DispatchRejected
	}

	timer := time.NewTimer(d.config.Timeout)
	defer timer.Stop()

	select {
	case outcome := <-job.done:
		return outcome
	case <-timer.C:
	case <-ctx.Done():
	}

	metrics.DispatchesTotal.WithLabelValues(metrics.DispatchTimedOut).Inc()
	d.logger.Warn("dispatch did not finish in time, detaching",
		"device_id", device.ID,
		"timeout", d.config.Timeout,
	)
	return metrics.DispatchTimedOut
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.jobs:
			outcome := d.run(job.ctx, job.device)
			metrics.DispatchesTotal.WithLabelValues(outcome).Inc()
			job.done <- outcome
		}
	}
}

// run resolves and publishes at most once for device.
func (d *Dispatcher) run(ctx context.Context, device *types.Device) string {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	payload := d.resolver.ResolveForDevice(ctx, device)
	if !payload.UpdateAvailable {
		return metrics.DispatchNoUpdate
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn("publish rate limiter failed", "device_id", device.ID, "error", err)
		return metrics.DispatchFailed
	}

	receivers, err := d.publisher.Publish(ctx, notify.DeviceTopic(device.ID), notify.EventUpdate, payload)
	if err != nil {
		d.logger.Warn("publishing update failed",
			"device_id", device.ID,
			"deployment_id", payload.DeploymentID,
			"error", err,
		)
		return metrics.DispatchFailed
	}

	d.logger.Info("update published",
		"device_id", device.ID,
		"deployment_id", payload.DeploymentID,
		"receivers", receivers,
	)

	if payload.Deployment != nil && payload.Deployment.Firmware != nil {
		event := rollout.UpdateAttemptEvent(device, payload.Deployment, d.now())
		if err := d.audit.AppendAudit(ctx, event); err != nil {
			d.logger.Warn("recording update audit failed",
				"device_id", device.ID,
				"deployment_id", payload.DeploymentID,
				"error", err,
			)
		}
	}

	return metrics.DispatchPublished
}
