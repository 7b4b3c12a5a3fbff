package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultJanitorInterval = time.Minute
	defaultStallAfter      = 5 * time.Minute
	defaultMaxAttempts     = 1
	defaultRetentionAge    = 24 * time.Hour
	defaultRetentionCount  = 1000
)

// ManagerConfig tunes dispatch, stall recovery, and retention.
type ManagerConfig struct {
	PollInterval    time.Duration
	JanitorInterval time.Duration
	StallAfter      time.Duration
	Retention       RetentionPolicy
}

func (cfg *ManagerConfig) applyDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if cfg.Retention.MaxAge <= 0 {
		cfg.Retention.MaxAge = defaultRetentionAge
	}
	if cfg.Retention.MaxCount <= 0 {
		cfg.Retention.MaxCount = defaultRetentionCount
	}
}

type registration struct {
	queueName   string
	handler     Handler
	concurrency int
}

// Manager owns the durable queue: idempotent enqueue, per-queue worker pools,
// retry with backoff, retention, and the event bridge. Construct one per
// process and inject it wherever enqueue or subscribe access is needed.
type Manager struct {
	store         Store
	events        *Events
	logger        *zap.Logger
	nowFn         func() int64
	cfg           ManagerConfig
	registrations map[string]registration
	started       bool
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewManager wires a Manager over a Store.
func NewManager(store Store, logger *zap.Logger, nowFn func() int64, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidManagerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UTC().Unix() }
	}
	cfg.applyDefaults()
	return &Manager{
		store:         store,
		events:        NewEvents(),
		logger:        logger,
		nowFn:         nowFn,
		cfg:           cfg,
		registrations: make(map[string]registration),
		stop:          make(chan struct{}),
	}, nil
}

// Events exposes the per-job subscription bridge.
func (manager *Manager) Events() *Events {
	return manager.events
}

// Enqueue schedules a job. When a job with the same (queue, id) already
// exists and is not terminal, the call is a no-op that returns the existing
// job; a terminal row is reset and scheduled fresh.
func (manager *Manager) Enqueue(ctx context.Context, queueName string, jobID string, payload []byte, options Options) (Job, error) {
	if err := validateName(queueName, jobID); err != nil {
		return Job{}, err
	}
	if options.Attempts <= 0 {
		options.Attempts = defaultMaxAttempts
	}
	now := manager.nowFn()
	job := Job{
		Queue:          queueName,
		ID:             jobID,
		Payload:        payload,
		State:          StateWaiting,
		MaxAttempts:    options.Attempts,
		Backoff:        options.Backoff,
		RunAtUnixUTC:   now,
		CreatedUnixUTC: now,
	}
	if options.Delay > 0 {
		job.State = StateDelayed
		job.RunAtUnixUTC = now + int64(options.Delay/time.Second)
	}

	err := manager.store.InsertJob(ctx, job)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrDuplicateJob) {
		return Job{}, err
	}

	existing, getErr := manager.store.GetJob(ctx, queueName, jobID)
	if getErr != nil {
		return Job{}, getErr
	}
	if !existing.State.Terminal() {
		return existing, nil
	}
	if resetErr := manager.store.ResetJob(ctx, job); resetErr != nil {
		return Job{}, resetErr
	}
	return job, nil
}

// GetStatus returns the job or ErrJobNotFound.
func (manager *Manager) GetStatus(ctx context.Context, queueName string, jobID string) (Job, error) {
	if err := validateName(queueName, jobID); err != nil {
		return Job{}, err
	}
	return manager.store.GetJob(ctx, queueName, jobID)
}

// Subscribe registers per-job callbacks; see Events.Subscribe.
func (manager *Manager) Subscribe(queueName string, jobID string, callbacks Callbacks) func() {
	return manager.events.Subscribe(queueName, jobID, callbacks)
}

// RegisterWorker binds a handler and its concurrency to a queue. Must be
// called before Start.
func (manager *Manager) RegisterWorker(queueName string, handler Handler, concurrency int) error {
	if manager.started {
		return ErrManagerStarted
	}
	if err := validateName(queueName, "worker"); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidManagerConfig)
	}
	if concurrency < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, concurrency)
	}
	if _, exists := manager.registrations[queueName]; exists {
		return fmt.Errorf("%w: queue %q already registered", ErrInvalidManagerConfig, queueName)
	}
	manager.registrations[queueName] = registration{
		queueName:   queueName,
		handler:     handler,
		concurrency: concurrency,
	}
	return nil
}

// Start launches the worker pools and the janitor.
func (manager *Manager) Start(ctx context.Context) error {
	if manager.started {
		return ErrManagerStarted
	}
	manager.started = true
	for _, reg := range manager.registrations {
		for slot := 0; slot < reg.concurrency; slot++ {
			manager.wg.Add(1)
			go manager.runWorker(ctx, reg, slot)
		}
	}
	manager.wg.Add(1)
	go manager.runJanitor(ctx)
	manager.logger.Info("queue manager started", zap.Int("queues", len(manager.registrations)))
	return nil
}

// Stop waits for in-flight handlers to finish. Claimed jobs run to
// completion or failure; there is no mid-flight cancellation. Safe to call
// more than once.
func (manager *Manager) Stop() {
	manager.stopOnce.Do(func() {
		close(manager.stop)
		manager.wg.Wait()
		manager.logger.Info("queue manager stopped")
	})
}

func (manager *Manager) runWorker(ctx context.Context, reg registration, slot int) {
	defer manager.wg.Done()
	ticker := time.NewTicker(manager.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-manager.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain due work before sleeping again.
			for manager.processNext(ctx, reg, slot) {
				select {
				case <-manager.stop:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// processNext claims and executes at most one job, reporting whether one was
// claimed.
func (manager *Manager) processNext(ctx context.Context, reg registration, slot int) bool {
	claimed, err := manager.store.ClaimNextJob(ctx, reg.queueName, manager.nowFn())
	if err != nil {
		manager.logger.Error("claim failed", zap.String("queue", reg.queueName), zap.Error(err))
		return false
	}
	if claimed == nil {
		return false
	}
	manager.logger.Info("job claimed",
		zap.String("queue", reg.queueName),
		zap.String("job_id", claimed.ID),
		zap.Int("slot", slot),
		zap.Int("attempt", claimed.AttemptsMade))

	result, handlerErr := manager.invoke(ctx, reg.handler, claimed)
	if handlerErr == nil {
		manager.complete(ctx, claimed, result)
		return true
	}
	manager.retryOrFail(ctx, claimed, handlerErr)
	return true
}

// invoke runs the handler, converting a panic into a handler error so one job
// can never take the worker process down.
func (manager *Manager) invoke(ctx context.Context, handler Handler, job *Job) (result []byte, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	jobContext := &JobContext{manager: manager, job: *job}
	return handler(ctx, jobContext)
}

func (manager *Manager) complete(ctx context.Context, job *Job, result []byte) {
	if err := manager.store.MarkCompleted(ctx, job.Queue, job.ID, result, manager.nowFn()); err != nil {
		manager.logger.Error("mark completed failed",
			zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	manager.events.emitCompleted(job.Queue, job.ID, result)
	manager.logger.Info("job completed", zap.String("queue", job.Queue), zap.String("job_id", job.ID))
}

func (manager *Manager) retryOrFail(ctx context.Context, job *Job, handlerErr error) {
	reason := handlerErr.Error()
	if job.AttemptsMade < job.MaxAttempts && !IsPermanent(handlerErr) {
		delay := job.Backoff.NextDelay(job.AttemptsMade)
		runAt := manager.nowFn() + int64(delay/time.Second)
		if err := manager.store.MarkRetry(ctx, job.Queue, job.ID, runAt, reason); err != nil {
			manager.logger.Error("mark retry failed",
				zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		manager.logger.Warn("job attempt failed, retrying",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Duration("backoff", delay),
			zap.String("reason", reason))
		return
	}
	if err := manager.store.MarkFailed(ctx, job.Queue, job.ID, reason, manager.nowFn()); err != nil {
		manager.logger.Error("mark failed failed",
			zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	manager.events.emitFailed(job.Queue, job.ID, reason)
	manager.logger.Error("job failed permanently",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.AttemptsMade),
		zap.String("reason", reason))
}

func (manager *Manager) runJanitor(ctx context.Context) {
	defer manager.wg.Done()
	ticker := time.NewTicker(manager.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-manager.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.sweepMaintenance(ctx)
		}
	}
}

// sweepMaintenance purges terminal jobs past retention and requeues rows
// stuck active beyond the stall window (worker crash between claim and ack).
func (manager *Manager) sweepMaintenance(ctx context.Context) {
	now := manager.nowFn()
	for queueName := range manager.registrations {
		olderThan := now - int64(manager.cfg.Retention.MaxAge/time.Second)
		if err := manager.store.PurgeTerminal(ctx, queueName, olderThan, manager.cfg.Retention.MaxCount); err != nil {
			manager.logger.Error("retention purge failed", zap.String("queue", queueName), zap.Error(err))
		}
		activeBefore := now - int64(manager.cfg.StallAfter/time.Second)
		requeued, err := manager.store.RequeueStalled(ctx, queueName, activeBefore)
		if err != nil {
			manager.logger.Error("stall requeue failed", zap.String("queue", queueName), zap.Error(err))
			continue
		}
		if requeued > 0 {
			manager.logger.Warn("requeued stalled jobs", zap.String("queue", queueName), zap.Int("count", requeued))
		}
	}
}

// JobContext is the handler's view of its job plus progress reporting.
type JobContext struct {
	manager *Manager
	job     Job
}

// NewJobContext builds a detached JobContext for exercising handlers outside
// a running manager; progress reports are dropped.
func NewJobContext(job Job) *JobContext {
	return &JobContext{job: job}
}

// Job returns a copy of the claimed job.
func (jobContext *JobContext) Job() Job {
	return jobContext.job
}

// Payload returns the raw payload bytes.
func (jobContext *JobContext) Payload() []byte {
	return jobContext.job.Payload
}

// ReportProgress persists progress (clamped to 0..100) and notifies
// subscribers. Failures here never fail the job.
func (jobContext *JobContext) ReportProgress(ctx context.Context, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if jobContext.manager == nil {
		return
	}
	if err := jobContext.manager.store.UpdateProgress(ctx, jobContext.job.Queue, jobContext.job.ID, progress); err != nil {
		jobContext.manager.logger.Warn("progress update failed",
			zap.String("queue", jobContext.job.Queue),
			zap.String("job_id", jobContext.job.ID),
			zap.Error(err))
	}
	jobContext.manager.events.emitProgress(jobContext.job.Queue, jobContext.job.ID, progress)
}
