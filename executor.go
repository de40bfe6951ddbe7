package leaseq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ExecutorConfig tunes an executor instance.
type ExecutorConfig struct {
	// Queues to poll. At least one is required.
	Queues []string

	// MinWorkers and MaxWorkers bound the adaptive slot pool (defaults: 1, 8).
	MinWorkers int
	MaxWorkers int

	// PollInterval is the initial delay after an empty poll; it doubles up to
	// MaxPollInterval while the queues stay empty and resets on work
	// (defaults: 200ms, 2s).
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// ExecTimeout bounds one job execution (default: 1m). A timed-out job is
	// not acknowledged; its lease is surrendered for reclamation.
	ExecTimeout time.Duration

	// HeartbeatInterval is the lease heartbeat period for long jobs. Zero
	// disables heartbeats. Requires the backend's LeaseExtend capability.
	HeartbeatInterval time.Duration

	// RetryBackoffBase and RetryBackoffMax shape the retry delay: base doubled
	// per attempt with multiplicative jitter, capped at max (defaults: 500ms, 5m).
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// AdjustInterval is how often the concurrency controller re-evaluates the
	// slot count (default: 5s).
	AdjustInterval time.Duration

	// ErrorRateThreshold is the windowed failure ratio above which the
	// controller sheds a slot (default: 0.5).
	ErrorRateThreshold float64

	// Logger used by the executor (default: slog.Default()).
	Logger *slog.Logger
}

func (c *ExecutorConfig) withDefaults() ExecutorConfig {
	out := ExecutorConfig{}
	if c != nil {
		out = *c
	}
	if out.MinWorkers < 1 {
		out.MinWorkers = DefaultMinWorkers
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = DefaultMaxWorkers
	}
	if out.MaxWorkers < out.MinWorkers {
		out.MaxWorkers = out.MinWorkers
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.MaxPollInterval < out.PollInterval {
		out.MaxPollInterval = DefaultMaxPollInterval
		if out.MaxPollInterval < out.PollInterval {
			out.MaxPollInterval = out.PollInterval
		}
	}
	if out.ExecTimeout <= 0 {
		out.ExecTimeout = DefaultExecTimeout
	}
	if out.RetryBackoffBase <= 0 {
		out.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if out.RetryBackoffMax < out.RetryBackoffBase {
		out.RetryBackoffMax = DefaultRetryBackoffMax
		if out.RetryBackoffMax < out.RetryBackoffBase {
			out.RetryBackoffMax = out.RetryBackoffBase
		}
	}
	if out.AdjustInterval <= 0 {
		out.AdjustInterval = DefaultAdjustInterval
	}
	if out.ErrorRateThreshold <= 0 || out.ErrorRateThreshold > 1 {
		out.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Executor runs worker slots on behalf of one tenant: each slot polls the
// backend for leases, executes the job through the handler registry, and
// acknowledges the outcome. A concurrency controller resizes the slot pool
// between MinWorkers and MaxWorkers from observed backlog, error rate, and
// latency. Slots never preempt in-flight executions.
type Executor struct {
	backend  Backend
	registry *Registry
	codecs   *CodecRegistry
	qctx     QueueCtx
	cfg      ExecutorConfig
	logger   *slog.Logger
	stats    *executorStats

	mu       sync.Mutex
	slots    map[int]*slot
	nextSlot int
	started  bool
	stopped  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// slot is one worker's stop handle; closing stopCh retires the slot after its
// current job.
type slot struct {
	id     int
	stopCh chan struct{}
}

// NewExecutor creates an executor for one tenant over the given backend.
// codecs may be nil, in which case a default registry (JSON only) is used.
func NewExecutor(backend Backend, registry *Registry, codecs *CodecRegistry, qctx QueueCtx, cfg *ExecutorConfig) (*Executor, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if cfg == nil || len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	if codecs == nil {
		codecs = NewCodecRegistry()
	}

	resolved := cfg.withDefaults()
	return &Executor{
		backend:  backend,
		registry: registry,
		codecs:   codecs,
		qctx:     qctx,
		cfg:      resolved,
		logger:   resolved.Logger,
		stats:    &executorStats{},
		slots:    make(map[int]*slot),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches MinWorkers slots and the concurrency controller. It returns
// immediately; processing continues until Stop is called or ctx is done.
// An executor is single-use: Start after Stop fails with ErrWorkerShutdown.
func (e *Executor) Start(ctx context.Context) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrWorkerShutdown
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor already started")
	}
	e.started = true
	for i := 0; i < e.cfg.MinWorkers; i++ {
		e.addSlotLocked(ctx)
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.controlLoop(ctx)

	e.logger.Debug("Executor: started", "tenantID", e.qctx.TenantID, "queues", e.cfg.Queues,
		"minWorkers", e.cfg.MinWorkers, "maxWorkers", e.cfg.MaxWorkers)
	return nil
}

// Stop gracefully stops the executor. Polling ceases, in-flight jobs finish
// and acknowledge, then all slots exit. Blocks until fully stopped.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	close(e.stopCh)
	if started {
		e.wg.Wait()
	}
	e.logger.Debug("Executor: stopped", "tenantID", e.qctx.TenantID)
}

// ActiveWorkers returns the current slot count.
func (e *Executor) ActiveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// resize moves the slot pool toward target, clamped to [MinWorkers, MaxWorkers].
func (e *Executor) resize(ctx context.Context, target int) {
	if target < e.cfg.MinWorkers {
		target = e.cfg.MinWorkers
	}
	if target > e.cfg.MaxWorkers {
		target = e.cfg.MaxWorkers
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return
	}
	for len(e.slots) < target {
		e.addSlotLocked(ctx)
	}
	for len(e.slots) > target {
		e.removeSlotLocked()
	}
}

// addSlotLocked spawns one slot goroutine. Caller holds e.mu.
func (e *Executor) addSlotLocked(ctx context.Context) {
	s := &slot{id: e.nextSlot, stopCh: make(chan struct{})}
	e.nextSlot++
	e.slots[s.id] = s
	e.wg.Add(1)
	go e.runSlot(ctx, s)
}

// removeSlotLocked retires one slot after its current job. Caller holds e.mu.
func (e *Executor) removeSlotLocked() {
	for id, s := range e.slots {
		delete(e.slots, id)
		close(s.stopCh)
		return
	}
}

// runSlot is one worker slot's Idle, Polling, Executing, Acking loop.
func (e *Executor) runSlot(ctx context.Context, s *slot) {
	defer e.wg.Done()
	e.logger.Debug("slot: started", "slot", s.id)
	defer e.logger.Debug("slot: exited", "slot", s.id)

	idle := e.cfg.PollInterval
	for {
		select {
		case <-e.stopCh:
			return
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		leased, err := e.backend.Dequeue(ctx, e.qctx, e.cfg.Queues)
		if err != nil {
			e.logger.Warn("slot: dequeue failed", "slot", s.id, "error", err)
			if !e.idleWait(ctx, s, idle) {
				return
			}
			idle = nextIdleInterval(idle, e.cfg.MaxPollInterval)
			continue
		}
		if leased == nil {
			if !e.idleWait(ctx, s, idle) {
				return
			}
			idle = nextIdleInterval(idle, e.cfg.MaxPollInterval)
			continue
		}

		idle = e.cfg.PollInterval
		e.executeJob(ctx, s, leased)
	}
}

// idleWait sleeps for d unless the slot or executor stops first. A false
// return means the slot should exit.
func (e *Executor) idleWait(ctx context.Context, s *slot, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.stopCh:
		return false
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextIdleInterval(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// executeJob runs one leased job through dispatch, execution, and acknowledgment.
func (e *Executor) executeJob(ctx context.Context, s *slot, leased *LeasedJob) {
	logger := e.logger.With("slot", s.id, "jobID", leased.ID,
		"jobType", leased.Message.JobType, "attempt", leased.Attempt)

	handler, err := e.registry.Lookup(leased.Message.JobType)
	if err != nil {
		logger.Warn("slot: no handler for job type, failing permanently", "error", err)
		e.ackFail(ctx, leased, NewPermanentError(err), nil)
		e.stats.observe(0, true)
		return
	}
	codec, err := e.codecs.Lookup(leased.Message.CodecID)
	if err != nil {
		logger.Warn("slot: unknown payload codec, failing permanently", "error", err)
		e.ackFail(ctx, leased, NewPermanentError(err), nil)
		e.stats.observe(0, true)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	stopHeartbeat := e.startHeartbeat(execCtx, leased)
	started := time.Now()
	result, execErr := e.safeExecute(execCtx, handler, leased, codec)
	elapsed := time.Since(started)
	stopHeartbeat()
	cancel()

	switch {
	case execErr == nil:
		e.stats.observe(elapsed, false)
		logger.Debug("slot: job completed", "elapsed", elapsed)
		e.ackComplete(ctx, leased, result)
	case errors.Is(execErr, context.DeadlineExceeded):
		// No ack: the lease runs out on its own and another worker reclaims
		// the job, which also covers the case where this worker is wedged.
		e.stats.observe(elapsed, true)
		logger.Warn("slot: execution timed out, surrendering lease", "elapsed", elapsed)
	case IsPermanent(execErr):
		e.stats.observe(elapsed, true)
		logger.Debug("slot: permanent failure", "error", execErr)
		e.ackFail(ctx, leased, execErr, nil)
	default:
		e.stats.observe(elapsed, true)
		delay := e.retryDelay(leased.Attempt)
		retryAt := time.Now().UTC().Add(delay)
		logger.Debug("slot: retryable failure", "error", execErr, "retryIn", delay)
		e.ackFail(ctx, leased, execErr, &retryAt)
	}
}

// safeExecute invokes the handler, converting panics into errors so a bad
// handler cannot take the slot down.
func (e *Executor) safeExecute(ctx context.Context, h Handler, leased *LeasedJob, codec Codec) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, e.qctx, newPayload(codec, leased.Message.Payload))
}

// ackComplete reports success. Ack-time conflicts (canceled, expired,
// re-leased) are resolved by the backend; this caller just drops them.
func (e *Executor) ackComplete(ctx context.Context, leased *LeasedJob, result []byte) {
	if err := e.backend.AckComplete(ctx, e.qctx, leased.ID, leased.Token, result); err != nil {
		e.logger.Debug("slot: completion ack discarded", "jobID", leased.ID, "error", err)
	}
}

// ackFail reports a failure, with retryAt set for retryable ones.
func (e *Executor) ackFail(ctx context.Context, leased *LeasedJob, cause error, retryAt *time.Time) {
	if err := e.backend.AckFail(ctx, e.qctx, leased.ID, leased.Token, cause, retryAt); err != nil {
		e.logger.Debug("slot: failure ack discarded", "jobID", leased.ID, "error", err)
	}
}

// startHeartbeat extends the lease every HeartbeatInterval while the job runs.
// The returned stop function is idempotent. Heartbeats stop on the first
// error: a canceled or re-leased job keeps running here but its ack will be
// rejected by the backend.
func (e *Executor) startHeartbeat(ctx context.Context, leased *LeasedJob) func() {
	if e.cfg.HeartbeatInterval <= 0 || !e.backend.Capabilities().LeaseExtend {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.backend.HeartbeatExtend(ctx, e.qctx, leased.ID, leased.Token, e.cfg.HeartbeatInterval); err != nil {
					e.logger.Debug("slot: heartbeat stopped", "jobID", leased.ID, "error", err)
					return
				}
				e.logger.Debug("slot: lease extended", "jobID", leased.ID)
			}
		}
	}()
	return stop
}

// retryDelay computes the backoff before the next retry: the base delay
// doubled per prior attempt with a jitter factor in [0.8, 1.2), hard-capped at
// RetryBackoffMax.
func (e *Executor) retryDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}

	backoff := e.cfg.RetryBackoffBase * (1 << shift)
	if backoff <= 0 || backoff > e.cfg.RetryBackoffMax {
		backoff = e.cfg.RetryBackoffMax
	}

	jitter := 0.8 + rand.Float64()*0.4
	delay := time.Duration(float64(backoff) * jitter)
	if delay > e.cfg.RetryBackoffMax {
		delay = e.cfg.RetryBackoffMax
	}
	return delay
}
