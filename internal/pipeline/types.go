// Package pipeline contains the orchestration core: the per-call execution
// context, the unit contract, the plan builder, and the phased executor.
package pipeline

import (
	"context"
	"time"
)

// Status tracks a unit's execution state within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Utterance is one speaker-tagged segment of a transcript.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms,omitempty"`
}

// CallMetadata identifies the call a run belongs to.
type CallMetadata struct {
	CallID     string    `json:"call_id"`
	OrgID      string    `json:"org_id"`
	CallType   string    `json:"call_type,omitempty"`
	CallDate   time.Time `json:"call_date,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// CallInput is the immutable input of one run.
type CallInput struct {
	Transcript string       `json:"transcript"`
	Utterances []Utterance  `json:"utterances,omitempty"`
	Metadata   CallMetadata `json:"metadata"`
}

// ExecutionResult captures the outcome of one unit within a run.
// Unit-level errors are always absorbed into a result; they never
// propagate to the caller directly.
type ExecutionResult struct {
	Unit            string   `json:"unit"`
	Status          Status   `json:"status"`
	Output          any      `json:"output,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	TokensUsed      int      `json:"tokens_used,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	CacheHit        bool     `json:"cache_hit,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// LogEntry records one attempted unit in the execution log. Retries update
// the existing entry rather than appending a duplicate.
type LogEntry struct {
	Unit      string     `json:"unit"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
}

// UnitConfig is a unit's execution configuration. The executor enforces
// Timeout externally regardless of the unit's own behavior.
type UnitConfig struct {
	Timeout        time.Duration `json:"timeout"`
	Critical       bool          `json:"critical"`
	Parallel       bool          `json:"parallel"`
	RetryOnFailure bool          `json:"retry_on_failure"`
	Optional       bool          `json:"optional"`
}

// DefaultUnitConfig returns the contract defaults.
func DefaultUnitConfig() UnitConfig {
	return UnitConfig{Timeout: 30 * time.Second}
}

// UnitError classifies a failure for retry decisions.
type UnitError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Unit is the contract every extraction unit implements so the executor can
// treat units uniformly.
type Unit interface {
	Name() string
	Version() string
	Dependencies() []string
	Config() UnitConfig

	// ShouldExecute is the precondition gate; returning false records the
	// unit as skipped, which is not an error.
	ShouldExecute(ec *ExecutionContext) bool

	// Execute performs the extraction. The executor bounds it with the
	// configured timeout via ctx.
	Execute(ctx context.Context, ec *ExecutionContext) (any, error)

	// ValidateOutput is a structural sanity check, not semantic correctness.
	ValidateOutput(output any) bool

	ClassifyError(err error) UnitError

	// DefaultOutput returns a schema-valid fallback substituted on
	// non-critical failure.
	DefaultOutput() any
}

// ConfidenceCarrier is implemented by unit outputs that report an
// extraction confidence; the executor copies it onto the result.
type ConfidenceCarrier interface {
	ConfidenceScore() float64
}

// UnitSpec names a unit within a phase, optionally overriding its config.
type UnitSpec struct {
	Name     string      `json:"name"`
	Override *UnitConfig `json:"override,omitempty"`
}

// Phase is a named, ordered segment of an execution plan.
type Phase struct {
	Name     string     `json:"name"`
	Parallel bool       `json:"parallel"`
	Units    []UnitSpec `json:"units"`
}

// ExecutionPlan is an ordered sequence of phases; phases execute strictly
// in sequence.
type ExecutionPlan struct {
	Category string  `json:"category"`
	Phases   []Phase `json:"phases"`
}

// UnitNames returns every unit named in the plan, in phase order.
func (p ExecutionPlan) UnitNames() []string {
	var names []string
	for _, ph := range p.Phases {
		for _, u := range ph.Units {
			names = append(names, u.Name)
		}
	}
	return names
}
