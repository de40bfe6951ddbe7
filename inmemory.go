package leaseq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// Jobs are partitioned by tenant and each partition is guarded by its own
// single-writer mutex, so a dequeue performs candidate scan, priority/FIFO
// comparison, and the Leased transition as one atomic unit. It is the
// reference implementation and is suitable for tests and single-process use.
type InMemoryBackend struct {
	cfg    BackendConfig
	logger *slog.Logger
	hub    *eventHub

	mu      sync.RWMutex
	tenants map[string]*tenantPartition
	closed  bool
}

// tenantPartition holds one tenant's jobs. All access happens under mu.
type tenantPartition struct {
	mu      sync.Mutex
	jobs    map[JobID]*memJob
	idem    map[string]JobID   // idemKey -> holder job id
	dead    map[string][]JobID // queue -> failed job ids, oldest first
	nextSeq uint64
}

// memJob pairs a record with its enqueue sequence so FIFO ties within one
// timestamp stay stable.
type memJob struct {
	rec *JobRecord
	seq uint64
}

// NewInMemoryBackend creates an in-memory backend with default configuration.
func NewInMemoryBackend() *InMemoryBackend {
	return NewInMemoryBackendWithConfig(nil)
}

// NewInMemoryBackendWithConfig creates an in-memory backend with the given
// configuration. A nil config means defaults.
func NewInMemoryBackendWithConfig(cfg *BackendConfig) *InMemoryBackend {
	resolved := cfg.withDefaults()
	return &InMemoryBackend{
		cfg:     resolved,
		logger:  resolved.Logger,
		hub:     newEventHub(resolved.EventBufferSize, resolved.Logger),
		tenants: make(map[string]*tenantPartition),
	}
}

// Close closes the backend and all event subscriptions.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.hub.close()
	return nil
}

// Capabilities reports the optional operations this backend supports.
func (b *InMemoryBackend) Capabilities() QueueCapabilities {
	return QueueCapabilities{
		Delayed:         true,
		ScheduledAt:     true,
		Cancel:          true,
		LeaseExtend:     true,
		Priority:        true,
		Idempotency:     true,
		DeadLetterQueue: b.cfg.deadLetterEnabled(),
	}
}

// Enqueue stores a new Pending job, deduplicating on the idempotency key.
func (b *InMemoryBackend) Enqueue(ctx context.Context, qctx QueueCtx, msg JobMessage) (JobID, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return "", err
	}
	if err := validateMessage(&msg, b.cfg.payloadCap()); err != nil {
		return "", err
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	p.mu.Lock()
	if msg.IdempotencyKey != "" {
		key := idemKey(msg.Queue, msg.JobType, msg.IdempotencyKey)
		if holderID, ok := p.idem[key]; ok {
			if holder, exists := p.jobs[holderID]; exists && !holder.rec.Status.Terminal() {
				p.mu.Unlock()
				b.logger.Debug("Enqueue: idempotency key held, returning existing job",
					"tenantID", qctx.TenantID, "queue", msg.Queue, "jobType", msg.JobType, "jobID", holderID)
				return holderID, nil
			}
		}
	}

	rec := newRecordFromMessage(qctx.TenantID, msg, now)
	p.jobs[rec.ID] = &memJob{rec: rec, seq: p.nextSeq}
	p.nextSeq++
	if msg.IdempotencyKey != "" {
		p.idem[idemKey(msg.Queue, msg.JobType, msg.IdempotencyKey)] = rec.ID
	}
	ev := eventFromRecord(EventEnqueued, rec, now)
	p.mu.Unlock()

	b.logger.Debug("Enqueue: stored", "tenantID", qctx.TenantID, "jobID", rec.ID,
		"queue", msg.Queue, "jobType", msg.JobType, "priority", msg.Priority.String())
	b.hub.publish(ev)
	return rec.ID, nil
}

// Dequeue claims the next eligible job from the queue set, or returns nil.
func (b *InMemoryBackend) Dequeue(ctx context.Context, qctx QueueCtx, queues []string) (*LeasedJob, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return nil, err
	}
	queueSet := make(map[string]bool, len(queues))
	for _, q := range queues {
		queueSet[q] = true
	}
	now := time.Now().UTC()

	p.mu.Lock()
	var best *memJob
	var bestExpired bool
	for _, j := range p.jobs {
		if !queueSet[j.rec.Message.Queue] {
			continue
		}
		expired := leaseExpired(j.rec, now)
		if !expired && !eligibleForDequeue(j.rec, now) {
			continue
		}
		if best == nil || dequeueBefore(j, expired, best, bestExpired) {
			best, bestExpired = j, expired
		}
	}
	if best == nil {
		p.mu.Unlock()
		return nil, nil
	}

	rec := best.rec
	rec.Status = StatusLeased
	rec.AttemptCount++
	rec.Lease = &Lease{Token: newLeaseToken(), Until: now.Add(b.cfg.LeaseDuration)}
	rec.UpdatedAt = now

	leased := &LeasedJob{
		ID:         rec.ID,
		Token:      rec.Lease.Token,
		Message:    cloneMessage(rec.Message),
		LeaseUntil: rec.Lease.Until,
		Attempt:    rec.AttemptCount,
	}
	ev := eventFromRecord(EventLeased, rec, now)
	p.mu.Unlock()

	if bestExpired {
		b.logger.Debug("Dequeue: reclaimed expired lease", "tenantID", qctx.TenantID,
			"jobID", leased.ID, "attempt", leased.Attempt)
	} else {
		b.logger.Debug("Dequeue: leased", "tenantID", qctx.TenantID, "jobID", leased.ID,
			"queue", leased.Message.Queue, "attempt", leased.Attempt)
	}
	b.hub.publish(ev)
	return leased, nil
}

// AckComplete transitions a leased job to Completed.
func (b *InMemoryBackend) AckComplete(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, result []byte) error {
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	p.mu.Lock()
	j, exists := p.jobs[id]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	rec := j.rec
	if err := checkLease(rec, token, now); err != nil {
		p.mu.Unlock()
		return err
	}

	rec.Status = StatusCompleted
	rec.Result = copyBytes(result)
	rec.Lease = nil
	rec.UpdatedAt = now
	ev := eventFromRecord(EventCompleted, rec, now)
	p.mu.Unlock()

	b.logger.Debug("AckComplete: completed", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(ev)
	return nil
}

// AckFail records a failed execution, scheduling a retry when retryAt is set
// and retries remain, otherwise failing the job permanently.
func (b *InMemoryBackend) AckFail(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, cause error, retryAt *time.Time) error {
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	p.mu.Lock()
	j, exists := p.jobs[id]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	rec := j.rec
	if err := checkLease(rec, token, now); err != nil {
		p.mu.Unlock()
		return err
	}

	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.Lease = nil
	rec.UpdatedAt = now

	var ev JobEvent
	retrying := retryAt != nil && rec.AttemptCount <= rec.Message.MaxRetries
	if retrying {
		rec.Status = StatusRetrying
		rec.NextRunAt = *retryAt
		ev = eventFromRecord(EventRetrying, rec, now)
	} else {
		rec.Status = StatusFailed
		p.recordDeadLetter(rec, b.cfg.DeadLetterRetention)
		ev = eventFromRecord(EventFailed, rec, now)
	}
	p.mu.Unlock()

	if retrying {
		b.logger.Debug("AckFail: scheduled retry", "tenantID", qctx.TenantID, "jobID", id,
			"attempt", ev.Attempt, "nextRunAt", retryAt)
	} else {
		b.logger.Debug("AckFail: failed permanently", "tenantID", qctx.TenantID, "jobID", id,
			"attempt", ev.Attempt, "error", ev.Error)
	}
	b.hub.publish(ev)
	return nil
}

// HeartbeatExtend pushes the lease expiry of a leased job further out.
func (b *InMemoryBackend) HeartbeatExtend(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, extra time.Duration) error {
	if !b.Capabilities().LeaseExtend {
		return fmt.Errorf("heartbeat extend: %w", ErrBackendUnsupported)
	}
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}
	if extra <= 0 {
		return fmt.Errorf("extra time must be positive")
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	p.mu.Lock()
	j, exists := p.jobs[id]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	rec := j.rec
	if err := checkLease(rec, token, now); err != nil {
		p.mu.Unlock()
		return err
	}

	rec.Lease.Until = rec.Lease.Until.Add(extra)
	rec.UpdatedAt = now
	until := rec.Lease.Until
	p.mu.Unlock()

	b.logger.Debug("HeartbeatExtend: extended", "tenantID", qctx.TenantID, "jobID", id, "leaseUntil", until)
	return nil
}

// Cancel transitions a job to Canceled from any non-terminal state.
func (b *InMemoryBackend) Cancel(ctx context.Context, qctx QueueCtx, id JobID) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return false, err
	}
	if id == "" {
		return false, fmt.Errorf("job id is required")
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	p.mu.Lock()
	j, exists := p.jobs[id]
	if !exists {
		p.mu.Unlock()
		return false, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	rec := j.rec
	if rec.Status.Terminal() {
		p.mu.Unlock()
		return false, nil
	}

	rec.Status = StatusCanceled
	rec.Lease = nil
	rec.UpdatedAt = now
	ev := eventFromRecord(EventCanceled, rec, now)
	p.mu.Unlock()

	b.logger.Debug("Cancel: canceled", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(ev)
	return true, nil
}

// GetStatus returns the job's current status.
func (b *InMemoryBackend) GetStatus(ctx context.Context, qctx QueueCtx, id JobID) (JobStatus, error) {
	rec, err := b.GetRecord(ctx, qctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetRecord returns a deep copy of the job's lifecycle record.
func (b *InMemoryBackend) GetRecord(ctx context.Context, qctx QueueCtx, id JobID) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	j, exists := p.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return cloneRecord(j.rec), nil
}

// Events subscribes to the tenant's event stream.
func (b *InMemoryBackend) Events(ctx context.Context, qctx QueueCtx) (<-chan JobEvent, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	return b.hub.subscribe(ctx, qctx.TenantID)
}

// Stats returns point-in-time counts for the queue set.
func (b *InMemoryBackend) Stats(ctx context.Context, qctx QueueCtx, queues []string) (*QueueStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return nil, err
	}
	var queueSet map[string]bool
	if len(queues) > 0 {
		queueSet = make(map[string]bool, len(queues))
		for _, q := range queues {
			queueSet[q] = true
		}
	}
	now := time.Now().UTC()
	stats := &QueueStats{Queues: copyStringSlice(queues)}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range p.jobs {
		rec := j.rec
		if queueSet != nil && !queueSet[rec.Message.Queue] {
			continue
		}
		stats.TotalJobs++
		if rec.AttemptCount > 1 {
			stats.TotalRetries += rec.AttemptCount - 1
		}
		if eligibleForDequeue(rec, now) || leaseExpired(rec, now) {
			stats.ReadyJobs++
		}
		switch rec.Status {
		case StatusPending:
			stats.PendingJobs++
		case StatusLeased:
			stats.LeasedJobs++
		case StatusRetrying:
			stats.RetryingJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		case StatusCanceled:
			stats.CanceledJobs++
		}
	}
	return stats, nil
}

// ListDeadLetters returns the most recently failed jobs of a queue, newest first.
func (b *InMemoryBackend) ListDeadLetters(ctx context.Context, qctx QueueCtx, queue string, limit int) ([]*JobRecord, error) {
	if !b.Capabilities().DeadLetterQueue {
		return nil, fmt.Errorf("dead letter listing: %w", ErrBackendUnsupported)
	}
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}

	p, err := b.partition(qctx.TenantID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.dead[queue]
	records := make([]*JobRecord, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(records) < limit; i-- {
		if j, exists := p.jobs[ids[i]]; exists {
			records = append(records, cloneRecord(j.rec))
		}
	}
	return records, nil
}

// partition returns the tenant's partition, creating it on first use.
func (b *InMemoryBackend) partition(tenantID string) (*tenantPartition, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBackendClosed
	}
	p, ok := b.tenants[tenantID]
	b.mu.RUnlock()
	if ok {
		return p, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	if p, ok := b.tenants[tenantID]; ok {
		return p, nil
	}
	p = &tenantPartition{
		jobs: make(map[JobID]*memJob),
		idem: make(map[string]JobID),
		dead: make(map[string][]JobID),
	}
	b.tenants[tenantID] = p
	return p, nil
}

// recordDeadLetter remembers a permanently failed job for inspection, trimming
// the per-queue list to the configured retention. Callers hold the partition lock.
func (p *tenantPartition) recordDeadLetter(rec *JobRecord, retention int) {
	if retention <= 0 {
		return
	}
	q := rec.Message.Queue
	p.dead[q] = append(p.dead[q], rec.ID)
	if len(p.dead[q]) > retention {
		p.dead[q] = p.dead[q][len(p.dead[q])-retention:]
	}
}

// Helper functions

// dequeueBefore reports whether candidate a should be leased before candidate b.
// Expired leases are reclaimed ahead of fresh candidates; within either group
// higher priority wins and ties fall back to FIFO order of enqueue.
func dequeueBefore(a *memJob, aExpired bool, b *memJob, bExpired bool) bool {
	if aExpired != bExpired {
		return aExpired
	}
	if a.rec.Message.Priority != b.rec.Message.Priority {
		return a.rec.Message.Priority > b.rec.Message.Priority
	}
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.Before(b.rec.CreatedAt)
	}
	return a.seq < b.seq
}

// checkLease validates an acknowledgment against the job's current state.
// Cancellation is checked before the token so cancel always wins, even against
// a structurally valid token.
func checkLease(rec *JobRecord, token LeaseToken, now time.Time) error {
	if rec.Status == StatusCanceled {
		return fmt.Errorf("job %s: %w", rec.ID, ErrJobCanceled)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", rec.ID, rec.Status, ErrJobAlreadyTerminal)
	}
	if rec.Lease == nil || rec.Lease.Token != token {
		return fmt.Errorf("job %s: %w", rec.ID, ErrInvalidLeaseToken)
	}
	if !rec.Lease.Until.After(now) {
		return fmt.Errorf("job %s: %w", rec.ID, ErrLeaseExpired)
	}
	return nil
}

func validateAckArgs(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if token == "" {
		return fmt.Errorf("lease token is required")
	}
	return nil
}

func cloneRecord(rec *JobRecord) *JobRecord {
	if rec == nil {
		return nil
	}
	clone := *rec
	clone.Message = cloneMessage(rec.Message)
	clone.Result = copyBytes(rec.Result)
	if rec.Lease != nil {
		lease := *rec.Lease
		clone.Lease = &lease
	}
	return &clone
}

func cloneMessage(msg JobMessage) JobMessage {
	clone := msg
	clone.Payload = copyBytes(msg.Payload)
	return clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
