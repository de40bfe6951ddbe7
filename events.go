package leaseq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// eventHub fans JobEvents out to per-tenant subscribers. Publishing never
// blocks job processing: when a subscriber's buffer is full the event is
// dropped for that subscriber. Delivery is at-least-once per transition for
// subscribers that keep up.
type eventHub struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.Mutex
	subs   map[string]map[uint64]*eventSub // tenantID -> subID -> sub
	nextID uint64
	closed bool
}

// eventSub is one active Events subscription.
type eventSub struct {
	id       uint64
	tenantID string
	ch       chan JobEvent
	done     chan struct{} // closed together with ch

	mu       sync.Mutex
	chClosed bool // prevents sending on a closed channel
}

func newEventHub(bufSize int, logger *slog.Logger) *eventHub {
	if bufSize <= 0 {
		bufSize = DefaultEventBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &eventHub{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[string]map[uint64]*eventSub),
	}
}

// subscribe registers a listener for one tenant's events. The returned channel
// is closed when ctx is done or the hub shuts down.
func (h *eventHub) subscribe(ctx context.Context, tenantID string) (<-chan JobEvent, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrBackendClosed
	}
	h.nextID++
	sub := &eventSub{
		id:       h.nextID,
		tenantID: tenantID,
		ch:       make(chan JobEvent, h.bufSize),
		done:     make(chan struct{}),
	}
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[uint64]*eventSub)
	}
	h.subs[tenantID][sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("eventHub: subscribed", "tenantID", tenantID, "subID", sub.id)

	go func() {
		select {
		case <-ctx.Done():
			h.unsubscribe(sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// publish delivers an event to the tenant's subscribers without blocking.
func (h *eventHub) publish(ev JobEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	subs := make([]*eventSub, 0, len(h.subs[ev.TenantID]))
	for _, sub := range h.subs[ev.TenantID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(ev) {
			h.logger.Warn("eventHub: subscriber buffer full, dropping event",
				"tenantID", ev.TenantID, "subID", sub.id, "event", ev.Name, "jobID", ev.JobID)
		}
	}
}

func (h *eventHub) unsubscribe(sub *eventSub) {
	h.mu.Lock()
	if tenantSubs, ok := h.subs[sub.tenantID]; ok {
		delete(tenantSubs, sub.id)
		if len(tenantSubs) == 0 {
			delete(h.subs, sub.tenantID)
		}
	}
	h.mu.Unlock()

	sub.close()
	h.logger.Debug("eventHub: unsubscribed", "tenantID", sub.tenantID, "subID", sub.id)
}

// close shuts the hub down and closes every subscriber channel.
func (h *eventHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*eventSub, 0)
	for _, tenantSubs := range h.subs {
		for _, sub := range tenantSubs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[uint64]*eventSub)
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// send attempts a non-blocking delivery. It returns false when the event was
// dropped because the buffer is full; sends after close are silently ignored.
func (s *eventSub) send(ev JobEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chClosed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *eventSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chClosed {
		return
	}
	s.chClosed = true
	close(s.ch)
	close(s.done)
}

// eventFromRecord builds the event for a transition that just happened to rec.
// The error field is only populated for transitions caused by a failure so a
// later Completed event never carries a stale error message.
func eventFromRecord(name EventName, rec *JobRecord, now time.Time) JobEvent {
	ev := JobEvent{
		Name:      name,
		JobID:     rec.ID,
		TenantID:  rec.TenantID,
		Queue:     rec.Message.Queue,
		JobType:   rec.Message.JobType,
		Status:    rec.Status,
		Attempt:   rec.AttemptCount,
		Timestamp: now,
	}
	if name == EventRetrying || name == EventFailed {
		ev.Error = rec.LastError
	}
	return ev
}
