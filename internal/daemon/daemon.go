// Package daemon runs routeforge's background jobs: periodic route health
// passes, weight optimisation, bandit tuning and catalog synchronisation.
// Jobs live in the ledger's job queue so a restarted daemon resumes where the
// previous one stopped.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/metrics"
)

// HandlerFunc is the function signature for job handlers.
type HandlerFunc func(ctx context.Context, job *ledger.Job) (any, error)

// Queue is the part of the ledger the daemon drives.
type Queue interface {
	EnqueueUnique(ctx context.Context, jobType string, scheduledAt time.Time, payload any) (string, bool, error)
	ClaimNext(ctx context.Context, now time.Time, leaseOwner string, leaseFor time.Duration) (*ledger.Job, error)
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
	Succeed(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID string, jobErr error) error
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
	AppendEvent(ctx context.Context, source, kind string, payload any) error
}

// Daemon is a long-running process that claims and executes jobs.
type Daemon struct {
	Queue        Queue
	Scheduler    *Scheduler
	Handlers     map[string]HandlerFunc
	LeaseOwner   string
	LeaseFor     time.Duration
	PollInterval time.Duration
	MaxAttempts  int

	logger *zap.Logger
	now    func() time.Time
}

// Config holds daemon configuration.
type Config struct {
	LeaseOwner   string
	LeaseFor     time.Duration
	PollInterval time.Duration
	// MaxAttempts bounds how often a failing job runs. Values below 1 mean 1.
	MaxAttempts int
	Schedules   []Schedule
}

// New creates a daemon over queue with the given handlers.
func New(queue Queue, cfg Config, handlers map[string]HandlerFunc, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseOwner == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseOwner = fmt.Sprintf("daemon-%s-%d", hostname, os.Getpid())
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if handlers == nil {
		handlers = make(map[string]HandlerFunc)
	}

	return &Daemon{
		Queue:        queue,
		Scheduler:    NewScheduler(queue, cfg.Schedules...),
		Handlers:     handlers,
		LeaseOwner:   cfg.LeaseOwner,
		LeaseFor:     cfg.LeaseFor,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterHandler registers a handler for a specific job type.
func (d *Daemon) RegisterHandler(jobType string, handler HandlerFunc) {
	d.Handlers[jobType] = handler
}

// SetClock replaces the daemon's time source.
func (d *Daemon) SetClock(now func() time.Time) {
	d.now = now
}

// Run starts the daemon run loop. It returns when ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.record(ctx, "daemon_started", map[string]any{
		"lease_owner":   d.LeaseOwner,
		"lease_for":     d.LeaseFor.String(),
		"poll_interval": d.PollInterval.String(),
		"schedules":     d.Scheduler.Names(),
	})
	d.logger.Info("daemon started",
		zap.String("lease_owner", d.LeaseOwner),
		zap.Duration("poll_interval", d.PollInterval))

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is due before waiting again.
		for {
			ran, err := d.RunOnce(ctx)
			if err != nil {
				d.logger.Warn("daemon tick failed", zap.Error(err))
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			// Detached so the stop event survives the cancelled run context.
			d.record(context.WithoutCancel(ctx), "daemon_stopped", map[string]any{"lease_owner": d.LeaseOwner})
			d.logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce ticks the scheduler, returns expired leases to the queue and runs
// at most one due job. It reports whether a job was claimed. A failing
// handler is recorded on the job and does not produce an error here.
func (d *Daemon) RunOnce(ctx context.Context) (bool, error) {
	now := d.now()

	if err := d.Scheduler.Tick(ctx, now); err != nil {
		d.logger.Warn("scheduler tick failed", zap.Error(err))
	}
	if n, err := d.Queue.RequeueExpired(ctx, now); err != nil {
		d.logger.Warn("requeue expired jobs failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("requeued expired jobs", zap.Int64("count", n))
	}

	job, err := d.Queue.ClaimNext(ctx, now, d.LeaseOwner, d.LeaseFor)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, d.execute(ctx, job)
}

func (d *Daemon) execute(ctx context.Context, job *ledger.Job) error {
	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	d.record(ctx, "job_started", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"payload":  json.RawMessage(nonEmptyJSON(job.PayloadJSON)),
	})

	handler, ok := d.Handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type: %s", job.Type)
		d.fail(ctx, job, err, false)
		logger.Warn("job has no handler")
		return nil
	}

	result, execErr := handler(ctx, job)
	if execErr != nil {
		retried := d.fail(ctx, job, execErr, true)
		logger.Warn("job failed", zap.Bool("retried", retried), zap.Error(execErr))
		return nil
	}

	if err := d.Queue.Succeed(ctx, job.ID, result); err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(job.Type, "succeeded").Inc()
	d.record(ctx, "job_succeeded", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"result":   result,
	})
	logger.Debug("job succeeded")
	return nil
}

// fail marks the job failed and, when retry is allowed and attempts remain,
// enqueues a follow-up run with exponential backoff. It reports whether a
// retry was enqueued.
func (d *Daemon) fail(ctx context.Context, job *ledger.Job, jobErr error, retry bool) bool {
	if err := d.Queue.Fail(ctx, job.ID, jobErr); err != nil {
		d.logger.Warn("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues(job.Type, "failed").Inc()
	d.record(ctx, "job_failed", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"error":    jobErr.Error(),
	})
	if !retry {
		return false
	}

	payload := decodePayload(job.PayloadJSON)
	attempt := payloadAttempt(payload) + 1
	if attempt >= d.MaxAttempts {
		return false
	}
	payload["attempt"] = attempt
	payload["retry_of"] = job.ID

	at := d.now().Add(retryBackoff(attempt))
	if _, _, err := d.Queue.EnqueueUnique(ctx, job.Type, at, payload); err != nil {
		d.logger.Warn("enqueue retry failed", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	metrics.JobsTotal.WithLabelValues(job.Type, "retried").Inc()
	return true
}

func (d *Daemon) record(ctx context.Context, kind string, payload map[string]any) {
	if err := d.Queue.AppendEvent(ctx, "daemon", kind, payload); err != nil {
		d.logger.Warn("append daemon event failed", zap.String("kind", kind), zap.Error(err))
	}
}

// retryBackoff doubles from 2s and caps at one minute.
func retryBackoff(attempt int) time.Duration {
	backoff := 2 * time.Second
	for i := 1; i < attempt && backoff < time.Minute; i++ {
		backoff *= 2
	}
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

func decodePayload(raw string) map[string]any {
	payload := make(map[string]any)
	if raw == "" {
		return payload
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return make(map[string]any)
	}
	return payload
}

func payloadAttempt(payload map[string]any) int {
	if v, ok := payload["attempt"].(float64); ok && v > 0 {
		return int(v)
	}
	return 0
}

func nonEmptyJSON(raw string) string {
	if raw == "" {
		return "null"
	}
	return raw
}
