// Package leaseq provides a tenant-scoped, lease-based job queue engine with
// pluggable storage backends (in-memory, BadgerDB, SQLite).
//
// The library supports:
//   - Multiple backend implementations behind one contract (in-memory, BadgerDB, SQLite)
//   - Exclusive lease issuance with token-validated acknowledgments
//   - Priority scheduling with strict FIFO ordering inside each priority band
//   - Delayed execution (run-at) and retry scheduling with caller-computed backoff
//   - Idempotency-key deduplication scoped per tenant, queue, and job type
//   - Cancellation that always wins over in-flight acknowledgments
//   - A per-tenant event stream for observability consumers
//   - An adaptive executor that resizes its worker pool from observed load
//
// Example usage:
//
//	backend := leaseq.NewInMemoryBackend()
//	defer backend.Close()
//
//	qctx := leaseq.QueueCtx{TenantID: "acme"}
//	payload, _ := leaseq.EncodePayload(leaseq.JSONCodec{}, map[string]string{"to": "user@example.com"})
//	jobID, _ := backend.Enqueue(ctx, qctx, leaseq.JobMessage{
//	    JobType: "send_email",
//	    Queue:   "mail",
//	    Payload: payload,
//	})
package leaseq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobID is the opaque unique identifier of a job, assigned by the backend at
// enqueue time. It never changes after issuance.
type JobID string

// LeaseToken is the opaque token issued at dequeue that proves an exclusive
// claim on a job. Every completion, failure, and heartbeat call must present
// the current token; stale or mismatched tokens are rejected.
type LeaseToken string

func newJobID() JobID {
	return JobID(uuid.NewString())
}

func newLeaseToken() LeaseToken {
	return LeaseToken(uuid.NewString())
}

// JobPriority orders jobs across priority bands. Higher values are leased
// first; within one band ordering is strict FIFO by creation time. The zero
// value is PriorityNormal so an unset message gets normal scheduling.
type JobPriority int

const (
	PriorityLow      JobPriority = -1
	PriorityNormal   JobPriority = 0
	PriorityHigh     JobPriority = 1
	PriorityCritical JobPriority = 2
)

// String returns the lowercase name of the priority.
func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p JobPriority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// StatusPending indicates the job is waiting for its first lease.
	StatusPending JobStatus = "pending"
	// StatusLeased indicates the job is exclusively claimed by a worker.
	StatusLeased JobStatus = "leased"
	// StatusRetrying indicates the job failed and is waiting for its retry time.
	StatusRetrying JobStatus = "retrying"
	// StatusCompleted indicates the job finished successfully (terminal).
	StatusCompleted JobStatus = "completed"
	// StatusFailed indicates the job failed permanently or exhausted its retries (terminal).
	StatusFailed JobStatus = "failed"
	// StatusCanceled indicates the job was canceled (terminal).
	StatusCanceled JobStatus = "canceled"
)

// Terminal reports whether the status is final. No transition ever leaves a
// terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// QueueCtx carries the tenant scope and optional correlation metadata on every
// backend call. TenantID is a hard partition boundary: no operation ever sees
// jobs, idempotency keys, or events of another tenant.
type QueueCtx struct {
	TenantID  string            // required partition key
	TraceID   string            // optional correlation id
	RequestID string            // optional correlation id
	Tags      map[string]string // free-form metadata, not interpreted by backends
}

// JobMessage is the immutable submission format built by producers.
type JobMessage struct {
	JobType        string      // dispatch key into the handler registry
	CodecID        string      // codec used to produce Payload (default "json")
	Payload        []byte      // opaque encoded payload bytes
	Queue          string      // target queue name
	Priority       JobPriority // scheduling priority (default PriorityNormal)
	MaxRetries     int         // retries allowed after the first attempt
	RunAt          time.Time   // earliest eligibility; zero means immediately
	IdempotencyKey string      // optional dedup key within (tenant, queue, job type)
}

// Lease is the current exclusive claim on a job.
type Lease struct {
	Token LeaseToken // token the holder must present on acknowledgment
	Until time.Time  // expiry; after this instant the job is reclaimable
}

// JobRecord is the backend-owned lifecycle record of a job. Lookups return
// deep clones; executors only ever see projections (LeasedJob, JobStatus) and
// never mutate records directly.
type JobRecord struct {
	ID           JobID      // unique job identifier
	TenantID     string     // owning tenant, immutable
	Message      JobMessage // originating submission, never mutated
	Status       JobStatus  // current lifecycle state
	AttemptCount int        // incremented exactly once per dequeue
	LastError    string     // error recorded by the most recent AckFail
	Lease        *Lease     // current lease, nil unless leased
	Result       []byte     // result bytes recorded by AckComplete
	NextRunAt    time.Time  // earliest eligibility; Message.RunAt initially, moved by retry scheduling
	CreatedAt    time.Time  // when the job was enqueued
	UpdatedAt    time.Time  // when the record last changed
}

// LeasedJob is the projection handed to a worker by Dequeue.
type LeasedJob struct {
	ID         JobID      // job identifier
	Token      LeaseToken // lease token to present on acknowledgment
	Message    JobMessage // the job to execute
	LeaseUntil time.Time  // lease expiry
	Attempt    int        // attempt ordinal, 1 on the first execution
}

// EventName tags a JobEvent with the transition it reports.
type EventName string

const (
	EventEnqueued  EventName = "enqueued"
	EventLeased    EventName = "leased"
	EventRetrying  EventName = "retrying"
	EventCompleted EventName = "completed"
	EventFailed    EventName = "failed"
	EventCanceled  EventName = "canceled"
)

// JobEvent is one entry of the append-only observability stream. Delivery is
// at-least-once per transition; consumers treat duplicates as idempotent
// notifications.
type JobEvent struct {
	Name      EventName // transition that occurred
	JobID     JobID     // affected job
	TenantID  string    // owning tenant
	Queue     string    // job's queue
	JobType   string    // job's dispatch key
	Status    JobStatus // status after the transition
	Attempt   int       // attempt count after the transition
	Error     string    // failure reason for retrying/failed events
	Timestamp time.Time // when the transition happened
}

// QueueCapabilities declares which optional operations a backend supports.
// Callers must check the flags before invoking optional operations;
// unsupported calls fail with ErrBackendUnsupported, never silently no-op.
type QueueCapabilities struct {
	Delayed         bool // relative delays honored via RunAt
	ScheduledAt     bool // absolute RunAt scheduling honored
	Cancel          bool // Cancel supported
	LeaseExtend     bool // HeartbeatExtend supported
	Priority        bool // priority ordering honored
	Idempotency     bool // idempotency-key deduplication honored
	DeadLetterQueue bool // permanently failed jobs retained for inspection
}

// QueueStats is a point-in-time summary of the jobs in a queue set.
type QueueStats struct {
	Queues        []string // queues the query covered; empty means all
	TotalJobs     int      // all jobs in scope
	PendingJobs   int      // jobs waiting for their first lease
	LeasedJobs    int      // jobs currently leased
	RetryingJobs  int      // jobs waiting for a retry time
	CompletedJobs int      // terminal successes
	FailedJobs    int      // terminal failures
	CanceledJobs  int      // terminal cancellations
	ReadyJobs     int      // jobs claimable right now, including expired leases
	TotalRetries  int      // attempts beyond the first, summed over all jobs
}

// validateMessage checks a submission and normalizes its codec id. A zero
// payloadCap disables the size check.
func validateMessage(msg *JobMessage, payloadCap int) error {
	if msg.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if msg.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if !msg.Priority.valid() {
		return fmt.Errorf("invalid priority %d", msg.Priority)
	}
	if msg.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if msg.CodecID == "" {
		msg.CodecID = DefaultCodecID
	}
	if payloadCap > 0 && len(msg.Payload) > payloadCap {
		return fmt.Errorf("payload of %d bytes exceeds cap of %d bytes: %w", len(msg.Payload), payloadCap, ErrPayloadTooLarge)
	}
	return nil
}

// newRecordFromMessage builds the Pending record for a fresh submission.
func newRecordFromMessage(tenantID string, msg JobMessage, now time.Time) *JobRecord {
	stored := msg
	stored.Payload = copyBytes(msg.Payload)
	return &JobRecord{
		ID:        newJobID(),
		TenantID:  tenantID,
		Message:   stored,
		Status:    StatusPending,
		NextRunAt: msg.RunAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// idemKey builds the deduplication key for an idempotency-keyed submission.
// Uniqueness is scoped to (queue, job type) inside one tenant partition.
func idemKey(queue, jobType, key string) string {
	return queue + "\x00" + jobType + "\x00" + key
}

// eligibleForDequeue reports whether a pending or retrying job may be leased
// at the given instant.
func eligibleForDequeue(rec *JobRecord, now time.Time) bool {
	if rec.Status != StatusPending && rec.Status != StatusRetrying {
		return false
	}
	return !rec.NextRunAt.After(now)
}

// leaseExpired reports whether a leased job's claim has lapsed, making the job
// reclaimable by the next dequeue.
func leaseExpired(rec *JobRecord, now time.Time) bool {
	return rec.Status == StatusLeased && rec.Lease != nil && !rec.Lease.Until.After(now)
}
