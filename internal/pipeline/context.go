package pipeline

import (
	"sync"
	"time"
)

// Shared-state keys units use to signal each other.
const (
	SharedKeyCategory   = "call.category"
	SharedKeyConfidence = "call.category_confidence"
)

// ExecutionContext is the single source of truth for one call's extraction
// state. It is exclusively owned by one run and never shared across calls;
// the mutex only guards fan-out within parallel phases.
type ExecutionContext struct {
	Input CallInput

	mu          sync.RWMutex
	results     map[string]ExecutionResult
	resultOrder []string // insertion order = completion order
	shared      map[string]any
	log         []LogEntry
	totalTokens int

	enabledUnits  map[string]bool
	disabledUnits map[string]bool
}

// NewExecutionContext creates an empty context for one call.
func NewExecutionContext(input CallInput) *ExecutionContext {
	return &ExecutionContext{
		Input:   input,
		results: make(map[string]ExecutionResult),
		shared:  make(map[string]any),
	}
}

// SetUnitFilter restricts which planned units may run for this call, per
// the admitting rollout phase. A non-empty enabled list admits only its
// members; the disabled list excludes regardless. Classification is
// scheduled before the plan and is never filtered.
func (ec *ExecutionContext) SetUnitFilter(enabled, disabled []string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.enabledUnits = nil
	if len(enabled) > 0 {
		ec.enabledUnits = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			ec.enabledUnits[name] = true
		}
	}
	ec.disabledUnits = nil
	if len(disabled) > 0 {
		ec.disabledUnits = make(map[string]bool, len(disabled))
		for _, name := range disabled {
			ec.disabledUnits[name] = true
		}
	}
}

// UnitAllowed reports whether the filter admits the unit. With no filter
// set, every unit is allowed.
func (ec *ExecutionContext) UnitAllowed(name string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.disabledUnits[name] {
		return false
	}
	if ec.enabledUnits != nil && !ec.enabledUnits[name] {
		return false
	}
	return true
}

// RecordStart appends a running log entry for the unit, or resets the
// existing entry on retry.
func (ec *ExecutionContext) RecordStart(unit string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i := range ec.log {
		if ec.log[i].Unit == unit {
			ec.log[i].StartedAt = time.Now()
			ec.log[i].EndedAt = nil
			ec.log[i].Status = StatusRunning
			return
		}
	}
	ec.log = append(ec.log, LogEntry{Unit: unit, StartedAt: time.Now(), Status: StatusRunning})
}

// RecordResult upserts the unit's result, closes its log entry, and
// accumulates token cost. A unit name appears at most once in the results.
func (ec *ExecutionContext) RecordResult(result ExecutionResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if _, exists := ec.results[result.Unit]; !exists {
		ec.resultOrder = append(ec.resultOrder, result.Unit)
	}
	ec.results[result.Unit] = result
	ec.totalTokens += result.TokensUsed

	now := time.Now()
	for i := range ec.log {
		if ec.log[i].Unit == result.Unit {
			ec.log[i].EndedAt = &now
			ec.log[i].Status = result.Status
			return
		}
	}
	// Skipped units never called RecordStart; give them a closed entry so
	// the log stays 1:1 with attempted units.
	ec.log = append(ec.log, LogEntry{Unit: result.Unit, StartedAt: now, EndedAt: &now, Status: result.Status})
}

// Result returns the unit's result if present. Absence is a normal state.
func (ec *ExecutionContext) Result(unit string) (ExecutionResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[unit]
	return r, ok
}

// Output returns the unit's output if the unit completed.
func (ec *ExecutionContext) Output(unit string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[unit]
	if !ok || r.Status != StatusCompleted {
		return nil, false
	}
	return r.Output, true
}

// HasCompleted reports whether the unit reached status completed.
func (ec *ExecutionContext) HasCompleted(unit string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[unit]
	return ok && r.Status == StatusCompleted
}

// Results returns all results in completion order.
func (ec *ExecutionContext) Results() []ExecutionResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]ExecutionResult, 0, len(ec.resultOrder))
	for _, name := range ec.resultOrder {
		out = append(out, ec.results[name])
	}
	return out
}

// SetShared stores a cross-unit hint.
func (ec *ExecutionContext) SetShared(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.shared[key] = value
}

// Shared returns a cross-unit hint if present.
func (ec *ExecutionContext) Shared(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.shared[key]
	return v, ok
}

// SharedString returns a shared value as a string, or "" if absent.
func (ec *ExecutionContext) SharedString(key string) string {
	v, ok := ec.Shared(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Log returns a copy of the execution log.
func (ec *ExecutionContext) Log() []LogEntry {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]LogEntry, len(ec.log))
	copy(out, ec.log)
	return out
}

// Summary aggregates a run's outcome by status.
type Summary struct {
	Completed   int   `json:"completed"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`
	TotalTimeMs int64 `json:"total_time_ms"`
	TotalTokens int   `json:"total_tokens"`
}

// Summarize returns counts by status plus total time and token cost.
func (ec *ExecutionContext) Summarize() Summary {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var s Summary
	for _, r := range ec.results {
		switch r.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		s.TotalTimeMs += r.ExecutionTimeMs
	}
	s.TotalTokens = ec.totalTokens
	return s
}

// ContextSnapshot is a serializable copy of a run's mutable state, enabling
// crash recovery or debugging replay.
type ContextSnapshot struct {
	Results     []ExecutionResult `json:"results"`
	SharedState map[string]any    `json:"shared_state"`
	Log         []LogEntry        `json:"log"`
	TotalTokens int               `json:"total_tokens"`
}

// Snapshot copies the mutable state of the context.
func (ec *ExecutionContext) Snapshot() ContextSnapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	snap := ContextSnapshot{
		Results:     make([]ExecutionResult, 0, len(ec.resultOrder)),
		SharedState: make(map[string]any, len(ec.shared)),
		Log:         make([]LogEntry, len(ec.log)),
		TotalTokens: ec.totalTokens,
	}
	for _, name := range ec.resultOrder {
		snap.Results = append(snap.Results, ec.results[name])
	}
	for k, v := range ec.shared {
		snap.SharedState[k] = v
	}
	copy(snap.Log, ec.log)
	return snap
}

// Restore replaces the context's mutable state with a snapshot.
func (ec *ExecutionContext) Restore(snap ContextSnapshot) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.results = make(map[string]ExecutionResult, len(snap.Results))
	ec.resultOrder = ec.resultOrder[:0]
	for _, r := range snap.Results {
		ec.results[r.Unit] = r
		ec.resultOrder = append(ec.resultOrder, r.Unit)
	}
	ec.shared = make(map[string]any, len(snap.SharedState))
	for k, v := range snap.SharedState {
		ec.shared[k] = v
	}
	ec.log = make([]LogEntry, len(snap.Log))
	copy(ec.log, snap.Log)
	ec.totalTokens = snap.TotalTokens
}
