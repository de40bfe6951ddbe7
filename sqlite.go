//go:build sqlite
// +build sqlite

package leaseq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments
// where jobs must be inspectable with plain SQL. Timestamps are stored as
// Unix nanoseconds so FIFO ordering keeps sub-second resolution.
type SQLiteBackend struct {
	db     *sql.DB
	cfg    BackendConfig
	logger *slog.Logger
	hub    *eventHub

	mu     sync.Mutex
	closed bool
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
// A nil config means defaults.
func NewSQLiteBackend(dbPath string, cfg *BackendConfig) (*SQLiteBackend, error) {
	resolved := cfg.withDefaults()

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer at a time. One pooled connection keeps
	// concurrent lease transactions from tripping SQLITE_BUSY on lock upgrades.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{
		db:     db,
		cfg:    resolved,
		logger: resolved.Logger,
		hub:    newEventHub(resolved.EventBufferSize, resolved.Logger),
	}

	// Initialize schema
	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the event stream and the database connection.
func (b *SQLiteBackend) Close() error {
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

func (b *SQLiteBackend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// Capabilities reports the optional operations this backend supports.
func (b *SQLiteBackend) Capabilities() QueueCapabilities {
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

// initSchema initializes the database schema
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		job_type TEXT NOT NULL,
		codec_id TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		run_at INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		result BLOB,
		lease_token TEXT,
		lease_until INTEGER,
		next_run_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		tenant_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		failed_at INTEGER NOT NULL,
		job_id TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_tenant_queue_status ON jobs(tenant_id, queue, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease_until ON jobs(lease_until);
	CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(tenant_id, queue, job_type, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(tenant_id, queue, failed_at);
	`

	_, err := b.db.Exec(schema)
	return err
}

const jobColumns = `id, tenant_id, queue, job_type, codec_id, payload, priority, max_retries, run_at,
	idempotency_key, status, attempt_count, last_error, result, lease_token, lease_until,
	next_run_at, created_at, updated_at`

// Enqueue stores a new Pending job, deduplicating on the idempotency key.
func (b *SQLiteBackend) Enqueue(ctx context.Context, qctx QueueCtx, msg JobMessage) (JobID, error) {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if msg.IdempotencyKey != "" {
		var holderID JobID
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE tenant_id = ? AND queue = ? AND job_type = ? AND idempotency_key = ?
			  AND status IN (?, ?, ?)
			LIMIT 1
		`, qctx.TenantID, msg.Queue, msg.JobType, msg.IdempotencyKey,
			StatusPending, StatusLeased, StatusRetrying).Scan(&holderID)
		if err == nil {
			b.logger.Debug("Enqueue: idempotency key held, returning existing job",
				"tenantID", qctx.TenantID, "queue", msg.Queue, "jobType", msg.JobType, "jobID", holderID)
			return holderID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	rec := newRecordFromMessage(qctx.TenantID, msg, now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.Message.Queue, rec.Message.JobType, rec.Message.CodecID,
		rec.Message.Payload, int(rec.Message.Priority), rec.Message.MaxRetries, timeToNanos(rec.Message.RunAt),
		nullString(rec.Message.IdempotencyKey), rec.Status, rec.AttemptCount, nil, nil, nil, nil,
		timeToNanos(rec.NextRunAt), timeToNanos(rec.CreatedAt), timeToNanos(rec.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.logger.Debug("Enqueue: stored", "tenantID", qctx.TenantID, "jobID", rec.ID,
		"queue", msg.Queue, "jobType", msg.JobType, "priority", msg.Priority.String())
	b.hub.publish(eventFromRecord(EventEnqueued, rec, now))
	return rec.ID, nil
}

// Dequeue claims the next eligible job from the queue set, or returns nil.
// Expired leases are reclaimed ahead of any fresh candidate.
func (b *SQLiteBackend) Dequeue(ctx context.Context, qctx QueueCtx, queues []string) (*LeasedJob, error) {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowNanos := timeToNanos(now)
	queueArgs := make([]interface{}, 0, len(queues))
	for _, q := range queues {
		queueArgs = append(queueArgs, q)
	}

	// Expired leases first, longest-expired leading.
	args := make([]interface{}, 0, len(queues)+3)
	args = append(args, qctx.TenantID)
	args = append(args, queueArgs...)
	args = append(args, StatusLeased, nowNanos)
	rec, err := scanJobRecord(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = ? AND queue IN (`+placeholdersStr(len(queues))+`)
		  AND status = ? AND lease_until <= ?
		ORDER BY lease_until ASC
		LIMIT 1
	`, args...))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	reclaimed := rec != nil

	if rec == nil {
		args = make([]interface{}, 0, len(queues)+4)
		args = append(args, qctx.TenantID)
		args = append(args, queueArgs...)
		args = append(args, StatusPending, StatusRetrying, nowNanos)
		rec, err = scanJobRecord(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE tenant_id = ? AND queue IN (`+placeholdersStr(len(queues))+`)
			  AND status IN (?, ?) AND next_run_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		`, args...))
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to query ready jobs: %w", err)
		}
	}
	if rec == nil {
		return nil, nil
	}

	rec.Status = StatusLeased
	rec.AttemptCount++
	rec.Lease = &Lease{Token: newLeaseToken(), Until: now.Add(b.cfg.LeaseDuration)}
	rec.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempt_count = ?, lease_token = ?, lease_until = ?, updated_at = ?
		WHERE id = ?
	`, rec.Status, rec.AttemptCount, string(rec.Lease.Token), timeToNanos(rec.Lease.Until), timeToNanos(now), rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	leased := &LeasedJob{
		ID:         rec.ID,
		Token:      rec.Lease.Token,
		Message:    rec.Message,
		LeaseUntil: rec.Lease.Until,
		Attempt:    rec.AttemptCount,
	}
	if reclaimed {
		b.logger.Debug("Dequeue: reclaimed expired lease", "tenantID", qctx.TenantID,
			"jobID", leased.ID, "attempt", leased.Attempt)
	} else {
		b.logger.Debug("Dequeue: leased", "tenantID", qctx.TenantID, "jobID", leased.ID,
			"queue", leased.Message.Queue, "attempt", leased.Attempt)
	}
	b.hub.publish(eventFromRecord(EventLeased, rec, now))
	return leased, nil
}

// AckComplete transitions a leased job to Completed.
func (b *SQLiteBackend) AckComplete(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, result []byte) error {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := b.getRecordTx(ctx, tx, qctx.TenantID, id)
	if err != nil {
		return err
	}
	if err := checkLease(rec, token, now); err != nil {
		return err
	}

	rec.Status = StatusCompleted
	rec.Result = result
	rec.Lease = nil
	rec.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, lease_token = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`, rec.Status, result, timeToNanos(now), id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.logger.Debug("AckComplete: completed", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(eventFromRecord(EventCompleted, rec, now))
	return nil
}

// AckFail records a failed execution, scheduling a retry when retryAt is set
// and retries remain, otherwise failing the job permanently.
func (b *SQLiteBackend) AckFail(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, cause error, retryAt *time.Time) error {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := b.getRecordTx(ctx, tx, qctx.TenantID, id)
	if err != nil {
		return err
	}
	if err := checkLease(rec, token, now); err != nil {
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
		rec.NextRunAt = retryAt.UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, last_error = ?, lease_token = NULL, lease_until = NULL,
			    next_run_at = ?, updated_at = ?
			WHERE id = ?
		`, rec.Status, nullString(rec.LastError), timeToNanos(rec.NextRunAt), timeToNanos(now), id)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		ev = eventFromRecord(EventRetrying, rec, now)
	} else {
		rec.Status = StatusFailed
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, last_error = ?, lease_token = NULL, lease_until = NULL, updated_at = ?
			WHERE id = ?
		`, rec.Status, nullString(rec.LastError), timeToNanos(now), id)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if err := b.recordDeadLetterTx(ctx, tx, rec, now); err != nil {
			return err
		}
		ev = eventFromRecord(EventFailed, rec, now)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
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

// recordDeadLetterTx indexes a permanently failed job and trims the queue's
// dead-letter entries to the configured retention.
func (b *SQLiteBackend) recordDeadLetterTx(ctx context.Context, tx *sql.Tx, rec *JobRecord, now time.Time) error {
	if !b.cfg.deadLetterEnabled() {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (tenant_id, queue, failed_at, job_id)
		VALUES (?, ?, ?, ?)
	`, rec.TenantID, rec.Message.Queue, timeToNanos(now), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM dead_letters
		WHERE tenant_id = ? AND queue = ? AND rowid NOT IN (
			SELECT rowid FROM dead_letters
			WHERE tenant_id = ? AND queue = ?
			ORDER BY failed_at DESC
			LIMIT ?
		)
	`, rec.TenantID, rec.Message.Queue, rec.TenantID, rec.Message.Queue, b.cfg.DeadLetterRetention)
	if err != nil {
		return fmt.Errorf("failed to trim dead letters: %w", err)
	}
	return nil
}

// HeartbeatExtend pushes the lease expiry of a leased job further out.
func (b *SQLiteBackend) HeartbeatExtend(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, extra time.Duration) error {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := b.getRecordTx(ctx, tx, qctx.TenantID, id)
	if err != nil {
		return err
	}
	if err := checkLease(rec, token, now); err != nil {
		return err
	}

	rec.Lease.Until = rec.Lease.Until.Add(extra)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_until = ?, updated_at = ?
		WHERE id = ?
	`, timeToNanos(rec.Lease.Until), timeToNanos(now), id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.logger.Debug("HeartbeatExtend: extended", "tenantID", qctx.TenantID, "jobID", id, "leaseUntil", rec.Lease.Until)
	return nil
}

// Cancel transitions a job to Canceled from any non-terminal state.
func (b *SQLiteBackend) Cancel(ctx context.Context, qctx QueueCtx, id JobID) (bool, error) {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := b.getRecordTx(ctx, tx, qctx.TenantID, id)
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}

	rec.Status = StatusCanceled
	rec.Lease = nil
	rec.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_token = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`, rec.Status, timeToNanos(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.logger.Debug("Cancel: canceled", "tenantID", qctx.TenantID, "jobID", id)
	b.hub.publish(eventFromRecord(EventCanceled, rec, now))
	return true, nil
}

// GetStatus returns the job's current status.
func (b *SQLiteBackend) GetStatus(ctx context.Context, qctx QueueCtx, id JobID) (JobStatus, error) {
	rec, err := b.GetRecord(ctx, qctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetRecord returns the job's lifecycle record.
func (b *SQLiteBackend) GetRecord(ctx context.Context, qctx QueueCtx, id JobID) (*JobRecord, error) {
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

	rec, err := scanJobRecord(b.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ? AND tenant_id = ?
	`, id, qctx.TenantID))
	if err == sql.ErrNoRows || rec == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// Events subscribes to the tenant's event stream.
func (b *SQLiteBackend) Events(ctx context.Context, qctx QueueCtx) (<-chan JobEvent, error) {
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
func (b *SQLiteBackend) Stats(ctx context.Context, qctx QueueCtx, queues []string) (*QueueStats, error) {
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

	queueFilter := ""
	queueArgs := make([]interface{}, 0, len(queues))
	if len(queues) > 0 {
		queueFilter = ` AND queue IN (` + placeholdersStr(len(queues)) + `)`
		for _, q := range queues {
			queueArgs = append(queueArgs, q)
		}
	}
	now := time.Now().UTC()
	stats := &QueueStats{Queues: copyStringSlice(queues)}

	args := append([]interface{}{qctx.TenantID}, queueArgs...)
	rows, err := b.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
		       SUM(CASE WHEN attempt_count > 1 THEN attempt_count - 1 ELSE 0 END)
		FROM jobs
		WHERE tenant_id = ?`+queueFilter+`
		GROUP BY status
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status JobStatus
		var count int
		var retries sql.NullInt64
		if err := rows.Scan(&status, &count, &retries); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.TotalJobs += count
		stats.TotalRetries += int(retries.Int64)
		switch status {
		case StatusPending:
			stats.PendingJobs = count
		case StatusLeased:
			stats.LeasedJobs = count
		case StatusRetrying:
			stats.RetryingJobs = count
		case StatusCompleted:
			stats.CompletedJobs = count
		case StatusFailed:
			stats.FailedJobs = count
		case StatusCanceled:
			stats.CanceledJobs = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	nowNanos := timeToNanos(now)
	args = append([]interface{}{qctx.TenantID}, queueArgs...)
	args = append(args, StatusPending, StatusRetrying, nowNanos, StatusLeased, nowNanos)
	err = b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE tenant_id = ?`+queueFilter+`
		  AND ((status IN (?, ?) AND next_run_at <= ?) OR (status = ? AND lease_until <= ?))
	`, args...).Scan(&stats.ReadyJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to count ready jobs: %w", err)
	}

	return stats, nil
}

// ListDeadLetters returns the most recently failed jobs of a queue, newest first.
func (b *SQLiteBackend) ListDeadLetters(ctx context.Context, qctx QueueCtx, queue string, limit int) ([]*JobRecord, error) {
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

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+qualifiedJobColumns("j")+`
		FROM jobs j
		INNER JOIN dead_letters d ON j.id = d.job_id
		WHERE d.tenant_id = ? AND d.queue = ?
		ORDER BY d.failed_at DESC
		LIMIT ?
	`, qctx.TenantID, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	records := make([]*JobRecord, 0, limit)
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Helper functions

// getRecordTx loads a job inside a transaction so a subsequent update sees a
// consistent record.
func (b *SQLiteBackend) getRecordTx(ctx context.Context, tx *sql.Tx, tenantID string, id JobID) (*JobRecord, error) {
	rec, err := scanJobRecord(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ? AND tenant_id = ?
	`, id, tenantID))
	if err == sql.ErrNoRows || rec == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJobRecord maps one jobs row into a JobRecord. It returns (nil, sql.ErrNoRows)
// when the row is empty.
func scanJobRecord(row rowScanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var priority int
	var runAt, nextRunAt, createdAt, updatedAt int64
	var idempotencyKey, lastError, leaseToken sql.NullString
	var leaseUntil sql.NullInt64

	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Message.Queue, &rec.Message.JobType, &rec.Message.CodecID,
		&rec.Message.Payload, &priority, &rec.Message.MaxRetries, &runAt,
		&idempotencyKey, &rec.Status, &rec.AttemptCount, &lastError, &rec.Result, &leaseToken, &leaseUntil,
		&nextRunAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	rec.Message.Priority = JobPriority(priority)
	rec.Message.RunAt = nanosToTime(runAt)
	if idempotencyKey.Valid {
		rec.Message.IdempotencyKey = idempotencyKey.String
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if leaseToken.Valid && leaseUntil.Valid {
		rec.Lease = &Lease{Token: LeaseToken(leaseToken.String), Until: nanosToTime(leaseUntil.Int64)}
	}
	rec.NextRunAt = nanosToTime(nextRunAt)
	rec.CreatedAt = nanosToTime(createdAt)
	rec.UpdatedAt = nanosToTime(updatedAt)
	return rec, nil
}

// qualifiedJobColumns prefixes every job column with a table alias.
func qualifiedJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.queue, ` + alias + `.job_type, ` +
		alias + `.codec_id, ` + alias + `.payload, ` + alias + `.priority, ` + alias + `.max_retries, ` +
		alias + `.run_at, ` + alias + `.idempotency_key, ` + alias + `.status, ` + alias + `.attempt_count, ` +
		alias + `.last_error, ` + alias + `.result, ` + alias + `.lease_token, ` + alias + `.lease_until, ` +
		alias + `.next_run_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func placeholdersStr(n int) string {
	if n == 0 {
		return ""
	}
	result := "?"
	for i := 1; i < n; i++ {
		result += ", ?"
	}
	return result
}

// timeToNanos stores zero times as 0 so eligibility comparisons stay simple.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
