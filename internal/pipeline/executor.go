package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunAborted is returned when a critical unit fails unrecoverably and
// the whole run stops. The caller decides whether to fall back to the
// legacy extraction path.
var ErrRunAborted = errors.New("pipeline run aborted")

// ResultCache lets the executor serve a unit's output without re-running
// it. Keys are (call, unit, version); a version bump invalidates old
// entries.
type ResultCache interface {
	Get(ctx context.Context, callID, unit, version string) (any, bool)
	Set(ctx context.Context, callID, unit, version string, output any)
}

// TokenCarrier is implemented by unit outputs that report token spend; the
// executor copies it onto the result for cost accounting.
type TokenCarrier interface {
	TokensConsumed() int
}

// RunResult is the consolidated outcome of one pipeline run.
type RunResult struct {
	Success       bool      `json:"success"`
	Category      string    `json:"category"`
	UnitsExecuted []string  `json:"units_executed"`
	Aborted       bool      `json:"aborted"`
	AbortUnit     string    `json:"abort_unit,omitempty"`
	AbortError    string    `json:"abort_error,omitempty"`
	Summary       Summary   `json:"summary"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
}

// Orchestrator runs execution plans against a context: classification
// first, then the planned phases, honoring per-unit timeouts, retries, and
// criticality.
type Orchestrator struct {
	registry *Registry
	planner  *Planner
	cache    ResultCache
	pool     chan struct{} // bounds parallel-phase fan-out
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator with a bounded goroutine pool for
// parallel phases.
func NewOrchestrator(registry *Registry, planner *Planner, poolSize int, logger *zap.Logger) *Orchestrator {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Orchestrator{
		registry: registry,
		planner:  planner,
		pool:     make(chan struct{}, poolSize),
		logger:   logger,
	}
}

// SetCache installs an optional result cache.
func (o *Orchestrator) SetCache(c ResultCache) { o.cache = c }

// Run executes the full pipeline for one call: the classification unit,
// then the plan its category selects. Unit-level errors are absorbed into
// results; only a critical failure aborts, returning ErrRunAborted.
func (o *Orchestrator) Run(ctx context.Context, ec *ExecutionContext) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{StartedAt: start}

	classReg, ok := o.registry.Get(UnitClassification)
	if !ok {
		return nil, fmt.Errorf("classification unit not registered")
	}

	unitRes, abort := o.executeUnit(ctx, classReg, classReg.Config, ec)
	if abort {
		o.finish(result, ec, unitRes.Unit, unitRes.Error, start)
		return result, ErrRunAborted
	}

	category := ec.SharedString(SharedKeyCategory)
	if category == "" {
		// A cache-served classification never ran Execute, so the shared
		// hint is missing; recover the category from the cached output.
		if out, ok := ec.Output(UnitClassification); ok {
			if m, ok := out.(map[string]any); ok {
				if c, _ := m["category"].(string); c != "" {
					category = c
					ec.SetShared(SharedKeyCategory, c)
				}
			}
		}
	}
	result.Category = category
	plan := o.planner.Build(category)
	o.applyUnitFilter(&plan, ec)

	for _, phase := range plan.Phases {
		o.logger.Debug("starting phase",
			zap.String("call", ec.Input.Metadata.CallID),
			zap.String("phase", phase.Name),
			zap.Bool("parallel", phase.Parallel))

		var abortRes *ExecutionResult
		if phase.Parallel {
			abortRes = o.runParallel(ctx, phase, ec)
		} else {
			abortRes = o.runSequential(ctx, phase, ec)
		}
		if abortRes != nil {
			o.finish(result, ec, abortRes.Unit, abortRes.Error, start)
			return result, ErrRunAborted
		}
	}

	result.Success = true
	o.finish(result, ec, "", "", start)
	return result, nil
}

func (o *Orchestrator) finish(result *RunResult, ec *ExecutionContext, abortUnit, abortErr string, start time.Time) {
	if abortUnit != "" {
		result.Aborted = true
		result.AbortUnit = abortUnit
		result.AbortError = abortErr
	}
	for _, entry := range ec.Log() {
		result.UnitsExecuted = append(result.UnitsExecuted, entry.Unit)
	}
	result.Summary = ec.Summarize()
	result.DurationMs = time.Since(start).Milliseconds()
}

// applyUnitFilter prunes planned units the call's rollout features exclude.
func (o *Orchestrator) applyUnitFilter(plan *ExecutionPlan, ec *ExecutionContext) {
	for i := range plan.Phases {
		kept := make([]UnitSpec, 0, len(plan.Phases[i].Units))
		for _, spec := range plan.Phases[i].Units {
			if !ec.UnitAllowed(spec.Name) {
				o.logger.Debug("unit excluded by rollout features",
					zap.String("call", ec.Input.Metadata.CallID),
					zap.String("unit", spec.Name))
				continue
			}
			kept = append(kept, spec)
		}
		plan.Phases[i].Units = kept
	}
}

// runSequential executes phase units one at a time; later units may consult
// earlier ones' outputs through the context.
func (o *Orchestrator) runSequential(ctx context.Context, phase Phase, ec *ExecutionContext) *ExecutionResult {
	for _, spec := range phase.Units {
		reg, ok := o.registry.Get(spec.Name)
		if !ok {
			o.logger.Warn("skipping unregistered unit", zap.String("unit", spec.Name))
			continue
		}
		res, abort := o.executeUnit(ctx, reg, effectiveConfig(reg, spec), ec)
		if abort {
			return &res
		}
	}
	return nil
}

// runParallel starts every phase unit concurrently and joins when all have
// settled. A critical member's unrecoverable failure cancels still-running
// siblings to bound token spend; non-critical failures never cancel.
func (o *Orchestrator) runParallel(ctx context.Context, phase Phase, ec *ExecutionContext) *ExecutionResult {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		abortRes *ExecutionResult
	)

	for _, spec := range phase.Units {
		reg, ok := o.registry.Get(spec.Name)
		if !ok {
			o.logger.Warn("skipping unregistered unit", zap.String("unit", spec.Name))
			continue
		}

		wg.Add(1)
		go func(reg UnitRegistration, cfg UnitConfig) {
			defer wg.Done()
			o.pool <- struct{}{}
			defer func() { <-o.pool }()

			res, abort := o.executeUnit(phaseCtx, reg, cfg, ec)
			if abort {
				mu.Lock()
				if abortRes == nil {
					abortRes = &res
				}
				mu.Unlock()
				cancel()
			}
		}(reg, effectiveConfig(reg, spec))
	}

	wg.Wait()
	return abortRes
}

// executeUnit runs one unit through its full state machine: dependency
// check, precondition gate, timed execution, validation, one optional
// retry, and failure absorption. It records the result on the context and
// reports whether the run must abort.
func (o *Orchestrator) executeUnit(ctx context.Context, reg UnitRegistration, cfg UnitConfig, ec *ExecutionContext) (ExecutionResult, bool) {
	unit := reg.Unit
	name := unit.Name()

	if missing := o.missingDependency(reg, ec); missing != "" && !cfg.Optional {
		res := ExecutionResult{
			Unit:     name,
			Status:   StatusSkipped,
			Warnings: []string{fmt.Sprintf("dependency %s not completed", missing)},
		}
		ec.RecordResult(res)
		return res, false
	}

	if !unit.ShouldExecute(ec) {
		res := ExecutionResult{
			Unit:     name,
			Status:   StatusSkipped,
			Warnings: []string{"precondition not met"},
		}
		ec.RecordResult(res)
		o.logger.Debug("unit skipped by precondition", zap.String("unit", name))
		return res, false
	}

	callID := ec.Input.Metadata.CallID
	if o.cache != nil {
		if out, ok := o.cache.Get(ctx, callID, name, unit.Version()); ok {
			ec.RecordStart(name)
			res := ExecutionResult{Unit: name, Status: StatusCompleted, Output: out, CacheHit: true}
			ec.RecordResult(res)
			o.logger.Debug("unit served from cache", zap.String("unit", name))
			return res, false
		}
	}

	var (
		output   any
		lastErr  error
		attempts int
		start    = time.Now()
	)
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		ec.RecordStart(name)
		output, lastErr = o.invoke(ctx, unit, cfg, ec)
		if lastErr == nil && !unit.ValidateOutput(output) {
			lastErr = fmt.Errorf("unit %s produced invalid output", name)
		}
		if lastErr == nil {
			break
		}

		classified := unit.ClassifyError(lastErr)
		o.logger.Warn("unit execution failed",
			zap.String("unit", name),
			zap.Int("attempt", attempts),
			zap.String("code", classified.Code),
			zap.Bool("recoverable", classified.Recoverable),
			zap.Error(lastErr))

		if classified.Recoverable && cfg.RetryOnFailure && attempt == 0 {
			continue
		}
		break
	}
	elapsed := time.Since(start).Milliseconds()

	if lastErr != nil {
		res := ExecutionResult{
			Unit:            name,
			Status:          StatusFailed,
			Error:           lastErr.Error(),
			ExecutionTimeMs: elapsed,
		}
		if cfg.Critical {
			ec.RecordResult(res)
			o.logger.Error("critical unit failed, aborting run",
				zap.String("unit", name), zap.Error(lastErr))
			return res, true
		}
		res.Output = unit.DefaultOutput()
		res.Warnings = []string{fmt.Sprintf("failed after %d attempt(s), default output substituted", attempts)}
		ec.RecordResult(res)
		return res, false
	}

	res := ExecutionResult{
		Unit:            name,
		Status:          StatusCompleted,
		Output:          output,
		ExecutionTimeMs: elapsed,
	}
	if c, ok := output.(ConfidenceCarrier); ok {
		res.Confidence = c.ConfidenceScore()
	}
	if t, ok := output.(TokenCarrier); ok {
		res.TokensUsed = t.TokensConsumed()
	}
	ec.RecordResult(res)

	if o.cache != nil {
		o.cache.Set(ctx, callID, name, unit.Version(), output)
	}
	return res, false
}

// invoke runs Execute under the configured timeout. On expiry the unit's
// task is cancelled and the timeout is treated exactly like a thrown error.
func (o *Orchestrator) invoke(ctx context.Context, unit Unit, cfg UnitConfig, ec *ExecutionContext) (any, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultUnitConfig().Timeout
	}
	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := unit.Execute(unitCtx, ec)
		done <- outcome{out, err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-unitCtx.Done():
		if errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("unit %s timed out after %s", unit.Name(), timeout)
		}
		return nil, unitCtx.Err()
	}
}

func (o *Orchestrator) missingDependency(reg UnitRegistration, ec *ExecutionContext) string {
	for _, dep := range reg.Dependencies {
		if !ec.HasCompleted(dep) {
			return dep
		}
	}
	return ""
}

func effectiveConfig(reg UnitRegistration, spec UnitSpec) UnitConfig {
	if spec.Override == nil {
		return reg.Config
	}
	cfg := *spec.Override
	if cfg.Timeout == 0 {
		cfg.Timeout = reg.Config.Timeout
	}
	return cfg
}
