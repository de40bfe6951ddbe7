package leaseq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It provides durable key-value storage and is suitable for single-node
// deployments that must survive restarts. Records are stored as JSON under
// tenant-scoped keys; claimability, delay, lease expiry, and dead-letter
// lookups go through composite index keys whose byte order matches the
// scheduling order.
type BadgerBackend struct {
	db     *badger.DB
	cfg    BackendConfig
	logger *slog.Logger
	hub    *eventHub

	mu     sync.Mutex
	closed bool
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// A nil config means defaults.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, cfg *BackendConfig) (*BadgerBackend, error) {
	resolved := cfg.withDefaults()

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		cfg:    resolved,
		logger: resolved.Logger,
		hub:    newEventHub(resolved.EventBufferSize, resolved.Logger),
	}, nil
}

// Close closes the event stream and the database.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.hub.close()
	return b.db.Close()
}

func (b *BadgerBackend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// Capabilities reports the optional operations this backend supports.
func (b *BadgerBackend) Capabilities() QueueCapabilities {
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

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// This provides deterministic retry behavior suitable for tests (fixed delay, no jitter).
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxAttempts = 50                  // Increased for high concurrency scenarios
	const retryDelay = 1 * time.Millisecond // Fixed delay for deterministic tests

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Check context before retrying
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		// BadgerDB v4 returns errors with "Transaction Conflict" message
		if errors.Is(err, badger.ErrConflict) || err.Error() == "Transaction Conflict. Please retry" {
			lastErr = err
			continue
		}

		return err
	}

	if lastErr != nil {
		return fmt.Errorf("transaction conflict after %d retries: %w", maxAttempts, lastErr)
	}
	return fmt.Errorf("transaction conflict after %d retries", maxAttempts)
}

// key prefixes
const (
	keyPrefixJob     = "job:"
	keyPrefixReady   = "idx:ready:"
	keyPrefixDelayed = "idx:delayed:"
	keyPrefixLeased  = "idx:leased:"
	keyPrefixDead    = "idx:dlq:"
	keyPrefixIdem    = "idem:"
)

// jobKey returns the record key for a job
func jobKey(tenantID string, id JobID) []byte {
	return []byte(keyPrefixJob + tenantID + ":" + string(id))
}

func readyPrefix(tenantID, queue string) []byte {
	return []byte(keyPrefixReady + tenantID + ":" + queue + ":")
}

// readyIndexKey orders one queue's claimable jobs. The priority byte is
// inverted so ascending key order walks from highest priority to lowest, and
// the big-endian creation time keeps FIFO order inside one priority.
func readyIndexKey(tenantID, queue string, priority JobPriority, createdAt time.Time, id JobID) []byte {
	prefix := readyPrefix(tenantID, queue)
	key := make([]byte, 0, len(prefix)+1+8+len(id))
	key = append(key, prefix...)
	key = append(key, byte(PriorityCritical-priority))
	key = appendTimeKey(key, createdAt)
	key = append(key, []byte(id)...)
	return key
}

func delayedPrefix(tenantID, queue string) []byte {
	return []byte(keyPrefixDelayed + tenantID + ":" + queue + ":")
}

// delayedIndexKey orders one queue's not-yet-due jobs by run time.
func delayedIndexKey(tenantID, queue string, runAt time.Time, id JobID) []byte {
	prefix := delayedPrefix(tenantID, queue)
	key := make([]byte, 0, len(prefix)+8+len(id))
	key = append(key, prefix...)
	key = appendTimeKey(key, runAt)
	key = append(key, []byte(id)...)
	return key
}

func leasedPrefix(tenantID, queue string) []byte {
	return []byte(keyPrefixLeased + tenantID + ":" + queue + ":")
}

// leasedIndexKey orders one queue's leased jobs by lease expiry.
func leasedIndexKey(tenantID, queue string, until time.Time, id JobID) []byte {
	prefix := leasedPrefix(tenantID, queue)
	key := make([]byte, 0, len(prefix)+8+len(id))
	key = append(key, prefix...)
	key = appendTimeKey(key, until)
	key = append(key, []byte(id)...)
	return key
}

func deadPrefix(tenantID, queue string) []byte {
	return []byte(keyPrefixDead + tenantID + ":" + queue + ":")
}

// deadIndexKey orders one queue's dead letters by failure time.
func deadIndexKey(tenantID, queue string, failedAt time.Time, id JobID) []byte {
	prefix := deadPrefix(tenantID, queue)
	key := make([]byte, 0, len(prefix)+8+len(id))
	key = append(key, prefix...)
	key = appendTimeKey(key, failedAt)
	key = append(key, []byte(id)...)
	return key
}

// idemIndexKey returns the idempotency mapping key, scoped to the tenant.
func idemIndexKey(tenantID, queue, jobType, key string) []byte {
	return []byte(keyPrefixIdem + tenantID + ":" + idemKey(queue, jobType, key))
}

func appendTimeKey(key []byte, t time.Time) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	return append(key, ts[:]...)
}

// indexKeyTime reads the big-endian timestamp embedded at off in an index key.
func indexKeyTime(key []byte, off int) time.Time {
	if len(key) < off+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[off:off+8]))).UTC()
}

// Enqueue stores a new Pending job, deduplicating on the idempotency key.
func (b *BadgerBackend) Enqueue(ctx context.Context, qctx QueueCtx, msg JobMessage) (JobID, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return "", err
	}
	if err := validateMessage(&msg, b.cfg.payloadCap()); err != nil {
		return "", err
	}
	if err := b.ensureOpen(); err != nil {
		return "", err
	}

	var existing JobID
	var rec *JobRecord
	var ev JobEvent
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		existing, rec = "", nil
		now := time.Now().UTC()

		if msg.IdempotencyKey != "" {
			ikey := idemIndexKey(qctx.TenantID, msg.Queue, msg.JobType, msg.IdempotencyKey)
			item, err := txn.Get(ikey)
			if err == nil {
				holderBytes, err := item.ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("failed to read idempotency entry: %w", err)
				}
				holder, err := b.getRecordTxn(txn, qctx.TenantID, JobID(holderBytes))
				if err == nil && !holder.Status.Terminal() {
					existing = holder.ID
					return nil
				}
				// Stale mapping: the holder is terminal or gone, remap below.
			} else if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		rec = newRecordFromMessage(qctx.TenantID, msg, now)
		if err := b.setRecordTxn(txn, rec); err != nil {
			return err
		}
		if rec.NextRunAt.After(now) {
			if err := txn.Set(delayedIndexKey(rec.TenantID, msg.Queue, rec.NextRunAt, rec.ID), []byte(rec.ID)); err != nil {
				return fmt.Errorf("failed to index delayed job: %w", err)
			}
		} else {
			if err := txn.Set(readyIndexKey(rec.TenantID, msg.Queue, msg.Priority, rec.CreatedAt, rec.ID), []byte(rec.ID)); err != nil {
				return fmt.Errorf("failed to index ready job: %w", err)
			}
		}
		if msg.IdempotencyKey != "" {
			ikey := idemIndexKey(qctx.TenantID, msg.Queue, msg.JobType, msg.IdempotencyKey)
			if err := txn.Set(ikey, []byte(rec.ID)); err != nil {
				return fmt.Errorf("failed to index idempotency key: %w", err)
			}
		}
		ev = eventFromRecord(EventEnqueued, rec, now)
		return nil
	})
	if err != nil {
		return "", err
	}

	if existing != "" {
		b.logger.Debug("Enqueue: idempotency key held, returning existing job",
			"tenantID", qctx.TenantID, "queue", msg.Queue, "jobType", msg.JobType, "jobID", existing)
		return existing, nil
	}

	b.logger.Debug("Enqueue: stored", "tenantID", qctx.TenantID, "jobID", rec.ID,
		"queue", msg.Queue, "jobType", msg.JobType, "priority", msg.Priority.String())
	b.hub.publish(ev)
	return rec.ID, nil
}

// Dequeue claims the next eligible job from the queue set, or returns nil.
// Due delayed jobs are promoted first and expired leases are reclaimed ahead
// of any fresh candidate.
func (b *BadgerBackend) Dequeue(ctx context.Context, qctx QueueCtx, queues []string) (*LeasedJob, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var leased *LeasedJob
	var reclaimed bool
	var ev JobEvent
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		leased = nil
		now := time.Now().UTC()

		for _, queue := range queues {
			if err := b.promoteDue(txn, qctx.TenantID, queue, now); err != nil {
				return err
			}
		}

		rec, foundKey, err := b.findExpiredLease(txn, qctx.TenantID, queues, now)
		if err != nil {
			return err
		}
		reclaimed = rec != nil
		if rec == nil {
			rec, foundKey, err = b.findReadyCandidate(txn, qctx.TenantID, queues, now)
			if err != nil {
				return err
			}
		}
		if rec == nil {
			return nil
		}

		_ = txn.Delete(foundKey)
		rec.Status = StatusLeased
		rec.AttemptCount++
		rec.Lease = &Lease{Token: newLeaseToken(), Until: now.Add(b.cfg.LeaseDuration)}
		rec.UpdatedAt = now
		if err := txn.Set(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID), []byte(rec.ID)); err != nil {
			return fmt.Errorf("failed to index leased job: %w", err)
		}
		if err := b.setRecordTxn(txn, rec); err != nil {
			return err
		}

		leased = &LeasedJob{
			ID:         rec.ID,
			Token:      rec.Lease.Token,
			Message:    rec.Message,
			LeaseUntil: rec.Lease.Until,
			Attempt:    rec.AttemptCount,
		}
		ev = eventFromRecord(EventLeased, rec, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leased == nil {
		return nil, nil
	}

	if reclaimed {
		b.logger.Debug("Dequeue: reclaimed expired lease", "tenantID", qctx.TenantID,
			"jobID", leased.ID, "attempt", leased.Attempt)
	} else {
		b.logger.Debug("Dequeue: leased", "tenantID", qctx.TenantID, "jobID", leased.ID,
			"queue", leased.Message.Queue, "attempt", leased.Attempt)
	}
	b.hub.publish(ev)
	return leased, nil
}

// promoteDue moves delayed entries whose run time has arrived into the ready
// index so they compete on priority and creation time.
func (b *BadgerBackend) promoteDue(txn *badger.Txn, tenantID, queue string, now time.Time) error {
	prefix := delayedPrefix(tenantID, queue)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = true

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if indexKeyTime(key, len(prefix)).After(now) {
			break // entries are ordered by run time
		}
		idBytes, err := item.ValueCopy(nil)
		if err != nil {
			continue
		}
		rec, err := b.getRecordTxn(txn, tenantID, JobID(idBytes))
		if err != nil || !eligibleForDequeue(rec, now) {
			_ = txn.Delete(key) // stale entry
			continue
		}
		if err := txn.Set(readyIndexKey(tenantID, queue, rec.Message.Priority, rec.CreatedAt, rec.ID), idBytes); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
		_ = txn.Delete(key)
	}
	return nil
}

// findExpiredLease returns the longest-expired leased job across the queue
// set, or nil when every lease is still live.
func (b *BadgerBackend) findExpiredLease(txn *badger.Txn, tenantID string, queues []string, now time.Time) (*JobRecord, []byte, error) {
	var best *JobRecord
	var bestKey []byte
	var bestUntil time.Time

	for _, queue := range queues {
		prefix := leasedPrefix(tenantID, queue)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			until := indexKeyTime(key, len(prefix))
			if until.After(now) {
				break // later entries expire even later
			}
			idBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			rec, err := b.getRecordTxn(txn, tenantID, JobID(idBytes))
			if err != nil || !leaseExpired(rec, now) {
				_ = txn.Delete(key) // stale entry
				continue
			}
			if best == nil || until.Before(bestUntil) {
				best, bestKey, bestUntil = rec, key, until
			}
			break // the queue's first live entry is its oldest expiry
		}
		it.Close()
	}
	return best, bestKey, nil
}

// findReadyCandidate returns the best eligible entry across the queue set:
// highest priority first, then earliest creation. Stale index entries found
// along the way are dropped.
func (b *BadgerBackend) findReadyCandidate(txn *badger.Txn, tenantID string, queues []string, now time.Time) (*JobRecord, []byte, error) {
	var best *JobRecord
	var bestKey []byte

	for _, queue := range queues {
		prefix := readyPrefix(tenantID, queue)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			idBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			rec, err := b.getRecordTxn(txn, tenantID, JobID(idBytes))
			if err != nil || !eligibleForDequeue(rec, now) {
				_ = txn.Delete(key) // stale entry
				continue
			}
			if best == nil || recordBefore(rec, best) {
				best, bestKey = rec, key
			}
			break // key order makes the first eligible entry the queue's best
		}
		it.Close()
	}
	return best, bestKey, nil
}

// AckComplete transitions a leased job to Completed.
func (b *BadgerBackend) AckComplete(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, result []byte) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	var ev JobEvent
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec, err := b.getRecordTxn(txn, qctx.TenantID, id)
		if err != nil {
			return err
		}
		if err := checkLease(rec, token, now); err != nil {
			return err
		}

		_ = txn.Delete(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID))
		rec.Status = StatusCompleted
		rec.Result = result
		rec.Lease = nil
		rec.UpdatedAt = now
		if err := b.setRecordTxn(txn, rec); err != nil {
			return err
		}
		ev = eventFromRecord(EventCompleted, rec, now)
		return nil
	})
	if err != nil {
		return err
	}

	b.logger.Debug("AckComplete: completed", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(ev)
	return nil
}

// AckFail records a failed execution, scheduling a retry when retryAt is set
// and retries remain, otherwise failing the job permanently.
func (b *BadgerBackend) AckFail(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, cause error, retryAt *time.Time) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	var retrying bool
	var ev JobEvent
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec, err := b.getRecordTxn(txn, qctx.TenantID, id)
		if err != nil {
			return err
		}
		if err := checkLease(rec, token, now); err != nil {
			return err
		}

		_ = txn.Delete(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID))
		if cause != nil {
			rec.LastError = cause.Error()
		}
		rec.Lease = nil
		rec.UpdatedAt = now

		retrying = retryAt != nil && rec.AttemptCount <= rec.Message.MaxRetries
		if retrying {
			rec.Status = StatusRetrying
			rec.NextRunAt = retryAt.UTC()
			if rec.NextRunAt.After(now) {
				if err := txn.Set(delayedIndexKey(rec.TenantID, rec.Message.Queue, rec.NextRunAt, rec.ID), []byte(rec.ID)); err != nil {
					return fmt.Errorf("failed to index retrying job: %w", err)
				}
			} else {
				if err := txn.Set(readyIndexKey(rec.TenantID, rec.Message.Queue, rec.Message.Priority, rec.CreatedAt, rec.ID), []byte(rec.ID)); err != nil {
					return fmt.Errorf("failed to index retrying job: %w", err)
				}
			}
			ev = eventFromRecord(EventRetrying, rec, now)
		} else {
			rec.Status = StatusFailed
			if err := b.recordDeadLetterTxn(txn, rec, now); err != nil {
				return err
			}
			ev = eventFromRecord(EventFailed, rec, now)
		}
		return b.setRecordTxn(txn, rec)
	})
	if err != nil {
		return err
	}

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

// recordDeadLetterTxn indexes a permanently failed job for inspection and
// trims the queue's dead-letter entries to the configured retention.
func (b *BadgerBackend) recordDeadLetterTxn(txn *badger.Txn, rec *JobRecord, now time.Time) error {
	if !b.cfg.deadLetterEnabled() {
		return nil
	}
	if err := txn.Set(deadIndexKey(rec.TenantID, rec.Message.Queue, now, rec.ID), []byte(rec.ID)); err != nil {
		return fmt.Errorf("failed to index dead letter: %w", err)
	}

	prefix := deadPrefix(rec.TenantID, rec.Message.Queue)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	keys := make([][]byte, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	for i := 0; len(keys)-i > b.cfg.DeadLetterRetention; i++ {
		if err := txn.Delete(keys[i]); err != nil {
			return fmt.Errorf("failed to trim dead letters: %w", err)
		}
	}
	return nil
}

// HeartbeatExtend pushes the lease expiry of a leased job further out.
func (b *BadgerBackend) HeartbeatExtend(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, extra time.Duration) error {
	if !b.Capabilities().LeaseExtend {
		return fmt.Errorf("heartbeat extend: %w", ErrBackendUnsupported)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateAckArgs(ctx, qctx, id, token); err != nil {
		return err
	}
	if extra <= 0 {
		return fmt.Errorf("extra time must be positive")
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	var until time.Time
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec, err := b.getRecordTxn(txn, qctx.TenantID, id)
		if err != nil {
			return err
		}
		if err := checkLease(rec, token, now); err != nil {
			return err
		}

		_ = txn.Delete(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID))
		rec.Lease.Until = rec.Lease.Until.Add(extra)
		rec.UpdatedAt = now
		until = rec.Lease.Until
		if err := txn.Set(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID), []byte(rec.ID)); err != nil {
			return fmt.Errorf("failed to index leased job: %w", err)
		}
		return b.setRecordTxn(txn, rec)
	})
	if err != nil {
		return err
	}

	b.logger.Debug("HeartbeatExtend: extended", "tenantID", qctx.TenantID, "jobID", id, "leaseUntil", until)
	return nil
}

// Cancel transitions a job to Canceled from any non-terminal state.
func (b *BadgerBackend) Cancel(ctx context.Context, qctx QueueCtx, id JobID) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return false, err
	}
	if id == "" {
		return false, fmt.Errorf("job id is required")
	}
	if err := b.ensureOpen(); err != nil {
		return false, err
	}

	var canceled bool
	var ev JobEvent
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		canceled = false
		now := time.Now().UTC()
		rec, err := b.getRecordTxn(txn, qctx.TenantID, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return nil
		}

		switch rec.Status {
		case StatusLeased:
			if rec.Lease != nil {
				_ = txn.Delete(leasedIndexKey(rec.TenantID, rec.Message.Queue, rec.Lease.Until, rec.ID))
			}
		case StatusPending, StatusRetrying:
			_ = txn.Delete(readyIndexKey(rec.TenantID, rec.Message.Queue, rec.Message.Priority, rec.CreatedAt, rec.ID))
			if !rec.NextRunAt.IsZero() {
				_ = txn.Delete(delayedIndexKey(rec.TenantID, rec.Message.Queue, rec.NextRunAt, rec.ID))
			}
		}

		rec.Status = StatusCanceled
		rec.Lease = nil
		rec.UpdatedAt = now
		if err := b.setRecordTxn(txn, rec); err != nil {
			return err
		}
		canceled = true
		ev = eventFromRecord(EventCanceled, rec, now)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !canceled {
		return false, nil
	}

	b.logger.Debug("Cancel: canceled", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(ev)
	return true, nil
}

// GetStatus returns the job's current status.
func (b *BadgerBackend) GetStatus(ctx context.Context, qctx QueueCtx, id JobID) (JobStatus, error) {
	rec, err := b.GetRecord(ctx, qctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetRecord returns the job's lifecycle record.
func (b *BadgerBackend) GetRecord(ctx context.Context, qctx QueueCtx, id JobID) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var rec *JobRecord
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err = b.getRecordTxn(txn, qctx.TenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Events subscribes to the tenant's event stream.
func (b *BadgerBackend) Events(ctx context.Context, qctx QueueCtx) (<-chan JobEvent, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return b.hub.subscribe(ctx, qctx.TenantID)
}

// Stats returns point-in-time counts for the queue set.
func (b *BadgerBackend) Stats(ctx context.Context, qctx QueueCtx, queues []string) (*QueueStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateQueueCtx(qctx); err != nil {
		return nil, err
	}
	if err := b.ensureOpen(); err != nil {
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

	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob + qctx.TenantID + ":")
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var rec JobRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if queueSet != nil && !queueSet[rec.Message.Queue] {
				continue
			}

			stats.TotalJobs++
			if rec.AttemptCount > 1 {
				stats.TotalRetries += rec.AttemptCount - 1
			}
			if eligibleForDequeue(&rec, now) || leaseExpired(&rec, now) {
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
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ListDeadLetters returns the most recently failed jobs of a queue, newest first.
func (b *BadgerBackend) ListDeadLetters(ctx context.Context, qctx QueueCtx, queue string, limit int) ([]*JobRecord, error) {
	if !b.Capabilities().DeadLetterQueue {
		return nil, fmt.Errorf("dead letter listing: %w", ErrBackendUnsupported)
	}
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
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
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	records := make([]*JobRecord, 0, limit)
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		prefix := deadPrefix(qctx.TenantID, queue)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		ids := make([]JobID, 0)
		for it.Rewind(); it.Valid(); it.Next() {
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			ids = append(ids, JobID(idBytes))
		}

		for i := len(ids) - 1; i >= 0 && len(records) < limit; i-- {
			rec, err := b.getRecordTxn(txn, qctx.TenantID, ids[i])
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Helper functions

func (b *BadgerBackend) getRecordTxn(txn *badger.Txn, tenantID string, id JobID) (*JobRecord, error) {
	item, err := txn.Get(jobKey(tenantID, id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job record: %w", err)
	}
	rec := &JobRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return rec, nil
}

func (b *BadgerBackend) setRecordTxn(txn *badger.Txn, rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	if err := txn.Set(jobKey(rec.TenantID, rec.ID), data); err != nil {
		return fmt.Errorf("failed to store job record: %w", err)
	}
	return nil
}

// recordBefore reports whether record a should be leased before record b when
// both are eligible: higher priority first, then earlier creation, then ID.
func recordBefore(a, b *JobRecord) bool {
	if a.Message.Priority != b.Message.Priority {
		return a.Message.Priority > b.Message.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
