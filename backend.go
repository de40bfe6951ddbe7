package leaseq

import (
	"context"
	"time"
)

// Backend is the storage contract of the queue engine. Implementations must be
// safe for concurrent use and keep every operation scoped to the tenant named
// by the QueueCtx; no call ever observes another tenant's jobs, idempotency
// keys, or events.
type Backend interface {
	// Enqueue stores a new job in Pending state and returns its id. When the
	// message carries an idempotency key that collides with a non-terminal job
	// in the same (tenant, queue, job type) scope, the existing job's id is
	// returned and no new job is created.
	Enqueue(ctx context.Context, qctx QueueCtx, msg JobMessage) (JobID, error)

	// Dequeue claims the next eligible job from the given queue set and
	// returns it with a fresh lease, or nil when nothing is eligible.
	// Selection order: expired leases are reclaimed first, then the highest
	// priority wins, ties broken by earliest creation time. Claiming
	// increments the job's attempt count. Non-blocking; the caller owns the
	// backoff between polls.
	Dequeue(ctx context.Context, qctx QueueCtx, queues []string) (*LeasedJob, error)

	// AckComplete transitions a leased job to Completed and records its result
	// bytes. The presented token must match the current unexpired lease.
	// Fails with ErrJobCanceled if the job was canceled while leased, even
	// when the token is still structurally valid.
	AckComplete(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, result []byte) error

	// AckFail records a failed execution. With a non-nil retryAt and retries
	// remaining the job transitions to Retrying and becomes eligible again at
	// retryAt; otherwise it transitions to Failed. Backoff policy belongs to
	// the caller, not the backend. Token validation matches AckComplete.
	AckFail(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, cause error, retryAt *time.Time) error

	// HeartbeatExtend pushes the lease expiry of a leased job further out by
	// extra. Fails with ErrBackendUnsupported unless the backend declares the
	// LeaseExtend capability. Token validation matches AckComplete.
	HeartbeatExtend(ctx context.Context, qctx QueueCtx, id JobID, token LeaseToken, extra time.Duration) error

	// Cancel transitions a job to Canceled from any non-terminal state and
	// reports whether a transition happened (false when already terminal).
	// Cancellation always wins: a pending acknowledgment for an outstanding
	// lease subsequently fails with ErrJobCanceled.
	Cancel(ctx context.Context, qctx QueueCtx, id JobID) (bool, error)

	// GetStatus returns the job's current status.
	GetStatus(ctx context.Context, qctx QueueCtx, id JobID) (JobStatus, error)

	// GetRecord returns a deep copy of the job's lifecycle record.
	GetRecord(ctx context.Context, qctx QueueCtx, id JobID) (*JobRecord, error)

	// Events subscribes to the tenant's event stream. Every transition is
	// delivered at least once to subscribers that keep up; slow subscribers
	// lose events instead of blocking job processing. The channel closes when
	// ctx is done or the backend closes.
	Events(ctx context.Context, qctx QueueCtx) (<-chan JobEvent, error)

	// Stats returns point-in-time counts for the queue set (all queues of the
	// tenant when queues is empty).
	Stats(ctx context.Context, qctx QueueCtx, queues []string) (*QueueStats, error)

	// ListDeadLetters returns the most recently failed jobs of a queue, newest
	// first, up to limit. Fails with ErrBackendUnsupported unless the backend
	// declares the DeadLetterQueue capability.
	ListDeadLetters(ctx context.Context, qctx QueueCtx, queue string, limit int) ([]*JobRecord, error)

	// Capabilities reports which optional operations this backend supports.
	// Callers check the flags before invoking optional operations.
	Capabilities() QueueCapabilities

	// Close releases backend resources and closes all event subscriptions.
	Close() error
}
