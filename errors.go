package leaseq

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist in the tenant scope.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidLeaseToken is returned when an acknowledgment presents a token
	// that does not match the job's current lease.
	ErrInvalidLeaseToken = errors.New("invalid lease token")

	// ErrLeaseExpired is returned when an acknowledgment presents the current
	// token after the lease expiry has passed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrJobCanceled is returned when an acknowledgment or heartbeat targets a
	// job that was canceled while leased. Cancellation always wins.
	ErrJobCanceled = errors.New("job canceled")

	// ErrJobAlreadyTerminal is returned when an operation targets a job that
	// already reached Completed or Failed.
	ErrJobAlreadyTerminal = errors.New("job already in terminal state")

	// ErrBackendUnsupported is returned when an optional operation is invoked
	// on a backend that does not declare the matching capability.
	ErrBackendUnsupported = errors.New("operation not supported by backend")

	// ErrSerialization is returned when a codec fails to encode or decode a payload.
	ErrSerialization = errors.New("payload serialization failed")

	// ErrCodecNotFound is returned when a message names a codec id that is not registered.
	ErrCodecNotFound = errors.New("codec not found")

	// ErrPayloadTooLarge is returned when an enqueued payload exceeds the
	// backend's configured size cap.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrJobTypeNotRegistered is returned when no handler is registered for a
	// job type. Retrying cannot fix a missing handler.
	ErrJobTypeNotRegistered = errors.New("job type not registered")

	// ErrJobTypeRegistered is returned when a second handler is registered
	// under an already taken job type. This is a startup configuration error.
	ErrJobTypeRegistered = errors.New("job type already registered")

	// ErrWorkerShutdown is returned by executor operations after Stop.
	ErrWorkerShutdown = errors.New("worker shut down")

	// ErrBackendClosed is returned by backend operations after Close.
	ErrBackendClosed = errors.New("backend is closed")

	// ErrTenantRequired is returned when a QueueCtx carries no tenant id.
	ErrTenantRequired = errors.New("tenant id is required")

	// ErrInternal is the catch-all for faults that fit no other category.
	ErrInternal = errors.New("internal error")
)

// JobError classifies an execution outcome for the retry path. Handlers wrap
// failures with NewRetryableError or NewPermanentError; the executor routes
// retryable failures through AckFail with a computed retry time and permanent
// ones straight to Failed.
type JobError struct {
	Retryable bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Retryable {
		return "retryable: " + e.Err.Error()
	}
	return "permanent: " + e.Err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps a transient failure that should be retried.
func NewRetryableError(err error) error {
	return &JobError{Retryable: true, Err: err}
}

// NewPermanentError wraps a failure that retrying cannot fix.
func NewPermanentError(err error) error {
	return &JobError{Retryable: false, Err: err}
}

// IsPermanent reports whether err is tagged as a permanent execution failure.
func IsPermanent(err error) bool {
	var je *JobError
	if errors.As(err, &je) {
		return !je.Retryable
	}
	return false
}

// IsRetryable reports whether a non-nil execution error may be retried.
// Untagged errors default to retryable; only an explicit Permanent tag
// short-circuits the retry path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
