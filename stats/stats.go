// Package stats implements a multi-threaded, lock-cheap statistics
// aggregator used to track packet counts and latency across time.
//
// It divides the timeline into small, fixed-size steps and keeps aggregated
// counters for each step. Old steps are evicted automatically once the
// window grows past a configured ceiling, keeping memory bounded. The hot
// path (updating a counter in a step that is already in the window) takes
// only a shared lock and an atomic fetch-add; eviction, which is rare, takes
// an exclusive lock.
//
// The unit of the time values passed to this package is arbitrary; callers
// pick it (netbench engines use milliseconds, see GetTimeValue).
package stats

import (
	"sync"
	"sync/atomic"
)

// Step holds the aggregated counters for one fixed-size time bucket. All
// fields are updated with atomic fetch-add under relaxed-equivalent
// ordering (sync/atomic on amd64/arm64 gives sequential consistency, but
// callers should not rely on any cross-counter ordering guarantee).
type Step struct {
	TxPackets            uint64
	RxPackets            uint64
	RxPacketsSentHere     uint64
	TotalLatencySentHere uint64
}

// Sink is invoked exactly once per evicted step, in chronological order,
// while the aggregator's exclusive lock is held. absoluteStepTime is the
// step's start time in the aggregator's time unit (step index * stepSize).
type Sink func(absoluteStepTime uint64, s *Step)

// AccessResult reports what AccessStep did.
type AccessResult int

const (
	// Accepted means the update function ran (either immediately, in the
	// common case, or after the window was extended to cover the step).
	Accepted AccessResult = iota
	// Stale means the requested step has already been evicted; the update
	// function was not run.
	Stale
)

// Aggregator is the sliding window of Steps described in spec.md §4.3.
type Aggregator struct {
	stepSize             uint64
	maxSteps             int
	evictionStepsToKeep int
	sink                 Sink

	mu           sync.RWMutex
	firstStepIdx int
	steps        []*Step
}

// NewAggregator constructs an aggregator. stepSize and evictThreshold are in
// the caller's time unit; maxSteps bounds memory at maxSteps*sizeof(Step).
// sink may be nil if no CSV (or other) export is desired.
func NewAggregator(stepSize uint64, maxSteps int, evictThreshold uint64, sink Sink) *Aggregator {
	if stepSize == 0 {
		panic("stats: stepSize must be > 0")
	}
	return &Aggregator{
		stepSize:             stepSize,
		maxSteps:             maxSteps,
		evictionStepsToKeep: int(evictThreshold/stepSize) + 1,
		sink:                 sink,
		steps:                make([]*Step, 0, maxSteps),
	}
}

func (a *Aggregator) stepIndex(t uint64) int {
	return int(t / a.stepSize)
}

// AccessStep locates the step covering time t and invokes f on it. Multiple
// workers may call AccessStep concurrently; updates to distinct (or
// identical) steps proceed under a shared lock using atomic fetch-add on
// the step's own counters. If t falls past the current window, AccessStep
// takes the exclusive lock, extends the window with zero-initialized steps
// up to and including the target step, evicts the oldest steps (invoking
// the sink on each, in order) if the window would exceed maxSteps, and then
// completes the caller's update before releasing the lock.
func (a *Aggregator) AccessStep(t uint64, f func(*Step)) AccessResult {
	idx := a.stepIndex(t)

	a.mu.RLock()
	if idx < a.firstStepIdx {
		a.mu.RUnlock()
		return Stale
	}
	bufIdx := idx - a.firstStepIdx
	if bufIdx < len(a.steps) {
		step := a.steps[bufIdx]
		a.mu.RUnlock()
		f(step)
		return Accepted
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another writer may have already extended the window while we
	// waited for the exclusive lock.
	if idx < a.firstStepIdx {
		return Stale
	}
	bufIdx = idx - a.firstStepIdx
	if bufIdx >= len(a.steps) {
		a.extendLocked(idx)
		a.evictLocked()
		bufIdx = idx - a.firstStepIdx
	}
	f(a.steps[bufIdx])
	return Accepted
}

// GetStepMut is the single-threaded variant of AccessStep: it bypasses
// locking entirely and must only be called when the aggregator is
// exclusively owned by the caller (e.g. in tests, or a single-producer
// setup phase).
func (a *Aggregator) GetStepMut(t uint64) (*Step, bool) {
	idx := a.stepIndex(t)
	if idx < a.firstStepIdx {
		return nil, false
	}
	bufIdx := idx - a.firstStepIdx
	if bufIdx >= len(a.steps) {
		a.extendLocked(idx)
		a.evictLocked()
		bufIdx = idx - a.firstStepIdx
	}
	return a.steps[bufIdx], true
}

// extendLocked appends zero-initialized steps so that the window covers
// idx. Caller must hold a.mu for writing.
func (a *Aggregator) extendLocked(idx int) {
	for a.firstStepIdx+len(a.steps) <= idx {
		a.steps = append(a.steps, &Step{})
	}
}

// evictLocked, once the window holds more than maxSteps steps, drops the
// oldest steps, invoking the sink on each before removal, until only the
// newest evictionStepsToKeep steps (capped at maxSteps) remain. Caller must
// hold a.mu for writing.
func (a *Aggregator) evictLocked() {
	if a.maxSteps <= 0 || len(a.steps) <= a.maxSteps {
		return
	}
	keep := a.evictionStepsToKeep
	if keep > a.maxSteps {
		keep = a.maxSteps
	}
	drop := len(a.steps) - keep
	if drop <= 0 {
		return
	}
	if a.sink != nil {
		for i := 0; i < drop; i++ {
			absTime := uint64(a.firstStepIdx+i) * a.stepSize
			a.sink(absTime, a.steps[i])
		}
	}
	a.steps = a.steps[drop:]
	a.firstStepIdx += drop
}

// FirstStepIdx returns the absolute index of the oldest retained step, for
// diagnostics and tests.
func (a *Aggregator) FirstStepIdx() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.firstStepIdx
}

// Len returns the number of steps currently retained in the window.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.steps)
}

// AddTx is a convenience wrapper bumping TxPackets by delta.
func AddTx(s *Step, delta uint64) { atomic.AddUint64(&s.TxPackets, delta) }

// AddRx is a convenience wrapper bumping RxPackets by delta.
func AddRx(s *Step, delta uint64) { atomic.AddUint64(&s.RxPackets, delta) }

// AddRxSentHere bumps RxPacketsSentHere and TotalLatencySentHere together,
// as the receiver does whenever it attributes a round trip back to the step
// in which the packet was transmitted.
func AddRxSentHere(s *Step, latency uint64) {
	atomic.AddUint64(&s.RxPacketsSentHere, 1)
	atomic.AddUint64(&s.TotalLatencySentHere, latency)
}
