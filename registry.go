package leaseq

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultMaxRetries is the retry budget handlers declare unless overridden.
const DefaultMaxRetries = 3

// Handler executes jobs of one type. JobType is the dispatch key; Priority and
// MaxRetries are the defaults applied to submissions built with NewMessage.
// Execute returns result bytes on success; failures should be wrapped with
// NewRetryableError or NewPermanentError to steer the retry path (untagged
// errors are treated as retryable).
type Handler interface {
	JobType() string
	Priority() JobPriority
	MaxRetries() int
	Execute(ctx context.Context, qctx QueueCtx, payload Payload) ([]byte, error)
}

// ExecuteFunc is the function form of Handler.Execute.
type ExecuteFunc func(ctx context.Context, qctx QueueCtx, payload Payload) ([]byte, error)

type funcHandler struct {
	jobType    string
	priority   JobPriority
	maxRetries int
	fn         ExecuteFunc
}

func (h *funcHandler) JobType() string         { return h.jobType }
func (h *funcHandler) Priority() JobPriority   { return h.priority }
func (h *funcHandler) MaxRetries() int         { return h.maxRetries }
func (h *funcHandler) Execute(ctx context.Context, qctx QueueCtx, payload Payload) ([]byte, error) {
	return h.fn(ctx, qctx, payload)
}

// HandlerFunc adapts a function to a Handler with normal priority and the
// default retry budget.
func HandlerFunc(jobType string, fn ExecuteFunc) Handler {
	return HandlerFuncWith(jobType, PriorityNormal, DefaultMaxRetries, fn)
}

// HandlerFuncWith adapts a function to a Handler with explicit defaults.
func HandlerFuncWith(jobType string, priority JobPriority, maxRetries int, fn ExecuteFunc) Handler {
	return &funcHandler{jobType: jobType, priority: priority, maxRetries: maxRetries, fn: fn}
}

// TypedHandler adapts a function taking a decoded payload of type T. Payloads
// that fail to decode are permanent failures: a retry cannot fix malformed bytes.
func TypedHandler[T any](jobType string, fn func(ctx context.Context, qctx QueueCtx, arg T) ([]byte, error)) Handler {
	return HandlerFunc(jobType, func(ctx context.Context, qctx QueueCtx, payload Payload) ([]byte, error) {
		var arg T
		if err := payload.Decode(&arg); err != nil {
			return nil, NewPermanentError(err)
		}
		return fn(ctx, qctx, arg)
	})
}

// NewMessage builds a submission for the handler's job type using its declared
// priority and retry defaults. Payload bytes must already be encoded with the
// default codec; adjust CodecID on the returned message for custom codecs.
func NewMessage(h Handler, queue string, payload []byte) JobMessage {
	return JobMessage{
		JobType:    h.JobType(),
		CodecID:    DefaultCodecID,
		Payload:    payload,
		Queue:      queue,
		Priority:   h.Priority(),
		MaxRetries: h.MaxRetries(),
	}
}

// Registry maps job type strings to handlers so the executor dispatches
// decoded payloads without compile-time coupling. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering two handlers under one job type is a
// startup configuration error, not a runtime fault.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is nil")
	}
	if h.JobType() == "" {
		return fmt.Errorf("handler job type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.JobType()]; exists {
		return fmt.Errorf("job type %q: %w", h.JobType(), ErrJobTypeRegistered)
	}
	r.handlers[h.JobType()] = h
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup resolves the handler for a job type.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, exists := r.handlers[jobType]
	if !exists {
		return nil, fmt.Errorf("job type %q: %w", jobType, ErrJobTypeNotRegistered)
	}
	return h, nil
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
