package leaseq

import (
	"context"
	"sync"
	"time"
)

// executorStats aggregates execution outcomes between controller ticks. The
// outcome counters reset on every snapshot; the latency EWMA persists so one
// quiet window does not erase the signal.
type executorStats struct {
	mu          sync.Mutex
	completed   int
	failed      int
	latencyEWMA time.Duration
}

type statsSnapshot struct {
	samples    int
	errorRate  float64
	avgLatency time.Duration
}

func (s *executorStats) observe(elapsed time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.failed++
	} else {
		s.completed++
	}
	if elapsed > 0 {
		if s.latencyEWMA == 0 {
			s.latencyEWMA = elapsed
		} else {
			s.latencyEWMA = (s.latencyEWMA*7 + elapsed) / 8
		}
	}
}

// snapshot reads and resets the current window.
func (s *executorStats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statsSnapshot{
		samples:    s.completed + s.failed,
		avgLatency: s.latencyEWMA,
	}
	if snap.samples > 0 {
		snap.errorRate = float64(s.failed) / float64(snap.samples)
	}
	s.completed, s.failed = 0, 0
	return snap
}

// controllerSignals is one controller tick's view of the world.
type controllerSignals struct {
	Backlog     int           // jobs ready to lease across the polled queues
	Samples     int           // executions finished in the last window
	ErrorRate   float64       // failed fraction of those executions
	AvgLatency  time.Duration // smoothed execution latency
	Active      int           // current slot count
	Min, Max    int           // configured slot bounds
	ExecTimeout time.Duration
}

// decideWorkerTarget picks the next slot count, moving one step at a time.
// It grows on persistent backlog while executions stay healthy, sheds a slot
// when the window's error rate crosses the threshold or there is nothing to
// do, and holds otherwise. Latencies nearing the execution timeout block
// growth since extra slots would only pile up more near-timeouts.
func decideWorkerTarget(sig controllerSignals, errorRateThreshold float64) int {
	target := sig.Active

	failing := sig.Samples > 0 && sig.ErrorRate > errorRateThreshold
	slow := sig.ExecTimeout > 0 && sig.AvgLatency > sig.ExecTimeout/2

	switch {
	case failing:
		target = sig.Active - 1
	case sig.Backlog > sig.Active && !slow:
		target = sig.Active + 1
	case sig.Backlog == 0 && sig.Samples == 0:
		target = sig.Active - 1
	}

	if target < sig.Min {
		target = sig.Min
	}
	if target > sig.Max {
		target = sig.Max
	}
	return target
}

// controlLoop periodically re-evaluates the slot count until the executor
// stops.
func (e *Executor) controlLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.adjustWorkers(ctx)
		}
	}
}

// adjustWorkers gathers backlog and window stats, decides a target, and
// resizes the pool when the target differs from the active count.
func (e *Executor) adjustWorkers(ctx context.Context) {
	stats, err := e.backend.Stats(ctx, e.qctx, e.cfg.Queues)
	if err != nil {
		e.logger.Warn("controller: stats unavailable", "error", err)
		return
	}
	snap := e.stats.snapshot()
	active := e.ActiveWorkers()

	target := decideWorkerTarget(controllerSignals{
		Backlog:     stats.ReadyJobs,
		Samples:     snap.samples,
		ErrorRate:   snap.errorRate,
		AvgLatency:  snap.avgLatency,
		Active:      active,
		Min:         e.cfg.MinWorkers,
		Max:         e.cfg.MaxWorkers,
		ExecTimeout: e.cfg.ExecTimeout,
	}, e.cfg.ErrorRateThreshold)

	if target != active {
		e.logger.Debug("controller: resizing slot pool", "active", active, "target", target,
			"backlog", stats.ReadyJobs, "errorRate", snap.errorRate, "avgLatency", snap.avgLatency)
		e.resize(ctx, target)
	}
}
