// Package controller is the production entry point for call processing. It
// routes each call between the phased pipeline and the legacy single-pass
// extractor per the rollout decision, falls back on pipeline aborts, and
// records every execution into the monitor and the store.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/monitor"
	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/rollout"
	"github.com/ridgeline/callsift/internal/store"
)

// Method names the processing path taken for a call.
type Method string

const (
	MethodNew        Method = "new"
	MethodLegacy     Method = "legacy"
	MethodComparison Method = "comparison"
)

// ProcessRequest carries one call to process.
type ProcessRequest struct {
	CallID     string               `json:"call_id"`
	OrgID      string               `json:"org_id"`
	Region     string               `json:"region,omitempty"`
	CallType   string               `json:"call_type,omitempty"`
	CallDate   time.Time            `json:"call_date,omitempty"`
	DurationMs int64                `json:"duration_ms,omitempty"`
	Transcript string               `json:"transcript"`
	Utterances []pipeline.Utterance `json:"utterances,omitempty"`
}

// ProcessingResult is the consolidated outcome. ProcessCall never returns a
// bare error; degraded paths are reported through this struct.
type ProcessingResult struct {
	RunID           string         `json:"run_id"`
	CallID          string         `json:"call_id"`
	Success         bool           `json:"success"`
	Method          Method         `json:"method"`
	Category        string         `json:"category,omitempty"`
	Outputs         map[string]any `json:"outputs"`
	UnitsExecuted   []string       `json:"units_executed,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	TokensUsed      int            `json:"tokens_used"`
	Errors          []string       `json:"errors,omitempty"`
	RolloutPhase    string         `json:"rollout_phase,omitempty"`
	RolloutReason   string         `json:"rollout_reason,omitempty"`
	Comparison      *Comparison    `json:"comparison,omitempty"`
}

// Comparison holds the legacy run executed alongside the new pipeline when
// the active phase requests it.
type Comparison struct {
	LegacySuccess bool           `json:"legacy_success"`
	LegacyTimeMs  int64          `json:"legacy_time_ms"`
	LegacyOutputs map[string]any `json:"legacy_outputs,omitempty"`
	Agreement     bool           `json:"agreement"`
}

// LegacyExtractor is the pre-pipeline single-pass path.
type LegacyExtractor interface {
	Extract(ctx context.Context, req ProcessRequest) (map[string]any, int, error)
}

// Controller wires the orchestrator, the legacy path, and the operational
// subsystems together.
type Controller struct {
	orchestrator *pipeline.Orchestrator
	legacy       LegacyExtractor
	rollout      *rollout.Controller
	monitor      *monitor.Monitor
	store        *store.Store
	logger       *zap.Logger
}

// New creates a production controller. The store may be nil in tests.
func New(orc *pipeline.Orchestrator, legacy LegacyExtractor, ro *rollout.Controller, mon *monitor.Monitor, st *store.Store, logger *zap.Logger) *Controller {
	return &Controller{
		orchestrator: orc,
		legacy:       legacy,
		rollout:      ro,
		monitor:      mon,
		store:        st,
		logger:       logger,
	}
}

// ProcessCall processes one call end to end. It consults the rollout
// decision, runs the selected path, and always returns a ProcessingResult.
func (c *Controller) ProcessCall(ctx context.Context, req ProcessRequest) *ProcessingResult {
	decision := c.rollout.Decide(ctx, req.OrgID, req.Region)
	result := &ProcessingResult{
		RunID:         uuid.NewString(),
		CallID:        req.CallID,
		Outputs:       map[string]any{},
		RolloutPhase:  decision.PhaseID,
		RolloutReason: decision.Reason,
	}

	if !decision.UseNew {
		c.runLegacy(ctx, req, result)
		return result
	}

	runRes, ec, err := c.runPipeline(ctx, req, decision)
	c.recordRun(ctx, req, ec, string(MethodNew))

	if err != nil {
		if errors.Is(err, pipeline.ErrRunAborted) && decision.Fallback {
			c.logger.Warn("pipeline aborted, falling back to legacy",
				zap.String("call_id", req.CallID),
				zap.String("unit", runRes.AbortUnit),
				zap.String("error", runRes.AbortError))
			result.Errors = append(result.Errors, "pipeline aborted at "+runRes.AbortUnit+": "+runRes.AbortError)
			c.runLegacy(ctx, req, result)
			return result
		}
		result.Method = MethodNew
		result.Success = false
		if runRes != nil {
			result.Category = runRes.Category
			result.UnitsExecuted = runRes.UnitsExecuted
			result.ExecutionTimeMs = runRes.DurationMs
			result.TokensUsed = runRes.Summary.TotalTokens
			result.Errors = append(result.Errors, runRes.AbortError)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return result
	}

	result.Method = MethodNew
	result.Success = runRes.Success
	result.Category = runRes.Category
	result.UnitsExecuted = runRes.UnitsExecuted
	result.ExecutionTimeMs = runRes.DurationMs
	result.TokensUsed = runRes.Summary.TotalTokens
	result.Outputs = collectOutputs(ec)

	if decision.Comparison {
		result.Method = MethodComparison
		c.runComparison(ctx, req, result)
	}

	c.saveOutputs(ctx, req, result)
	return result
}

func (c *Controller) runPipeline(ctx context.Context, req ProcessRequest, decision rollout.Decision) (*pipeline.RunResult, *pipeline.ExecutionContext, error) {
	ec := pipeline.NewExecutionContext(pipeline.CallInput{
		Transcript: req.Transcript,
		Utterances: req.Utterances,
		Metadata: pipeline.CallMetadata{
			CallID:     req.CallID,
			OrgID:      req.OrgID,
			CallType:   req.CallType,
			CallDate:   req.CallDate,
			DurationMs: req.DurationMs,
		},
	})
	ec.SetUnitFilter(decision.EnabledUnits, decision.DisabledUnits)
	runRes, err := c.orchestrator.Run(ctx, ec)
	return runRes, ec, err
}

// runLegacy executes the single-pass path and fills the result in place.
func (c *Controller) runLegacy(ctx context.Context, req ProcessRequest, result *ProcessingResult) {
	result.Method = MethodLegacy
	start := time.Now()

	outputs, tokens, err := c.legacy.Extract(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	result.ExecutionTimeMs += elapsed
	result.TokensUsed += tokens

	c.recordLegacy(ctx, req, elapsed, tokens, err)

	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, "legacy extraction: "+err.Error())
		return
	}
	result.Success = true
	result.Outputs = outputs
	c.saveOutputs(ctx, req, result)
}

// runComparison runs the legacy path alongside an already successful
// pipeline run. Legacy trouble here never degrades the primary result.
func (c *Controller) runComparison(ctx context.Context, req ProcessRequest, result *ProcessingResult) {
	start := time.Now()
	outputs, tokens, err := c.legacy.Extract(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	cmp := &Comparison{LegacyTimeMs: elapsed}
	c.recordLegacy(ctx, req, elapsed, tokens, err)

	if err != nil {
		c.logger.Warn("comparison legacy run failed", zap.String("call_id", req.CallID), zap.Error(err))
	} else {
		cmp.LegacySuccess = true
		cmp.LegacyOutputs = outputs
		cmp.Agreement = outputsAgree(result.Outputs, outputs)
	}
	result.Comparison = cmp
}

// recordRun feeds every unit result of a pipeline run into the monitor and
// the store.
func (c *Controller) recordRun(ctx context.Context, req ProcessRequest, ec *pipeline.ExecutionContext, method string) {
	if ec == nil {
		return
	}
	for _, res := range ec.Results() {
		if res.Status == pipeline.StatusSkipped {
			continue
		}
		c.monitor.Record(monitor.UnitExecution{
			Unit:       res.Unit,
			LatencyMs:  res.ExecutionTimeMs,
			Tokens:     res.TokensUsed,
			Success:    res.Status == pipeline.StatusCompleted,
			Confidence: res.Confidence,
			CacheHit:   res.CacheHit,
		})
		if c.store == nil {
			continue
		}
		rec := store.ExecutionRecord{
			CallID:     req.CallID,
			OrgID:      req.OrgID,
			Unit:       res.Unit,
			Status:     string(res.Status),
			Method:     method,
			LatencyMs:  res.ExecutionTimeMs,
			Tokens:     res.TokensUsed,
			Confidence: res.Confidence,
			CacheHit:   res.CacheHit,
			Error:      res.Error,
		}
		if err := c.store.AppendExecution(ctx, rec); err != nil {
			c.logger.Warn("persist execution failed", zap.String("unit", res.Unit), zap.Error(err))
		}
	}
}

func (c *Controller) recordLegacy(ctx context.Context, req ProcessRequest, latencyMs int64, tokens int, runErr error) {
	c.monitor.Record(monitor.UnitExecution{
		Unit:      "legacy",
		LatencyMs: latencyMs,
		Tokens:    tokens,
		Success:   runErr == nil,
	})
	if c.store == nil {
		return
	}
	rec := store.ExecutionRecord{
		CallID:    req.CallID,
		OrgID:     req.OrgID,
		Unit:      "legacy",
		Status:    "completed",
		Method:    string(MethodLegacy),
		LatencyMs: latencyMs,
		Tokens:    tokens,
	}
	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
	}
	if err := c.store.AppendExecution(ctx, rec); err != nil {
		c.logger.Warn("persist legacy execution failed", zap.Error(err))
	}
}

func (c *Controller) saveOutputs(ctx context.Context, req ProcessRequest, result *ProcessingResult) {
	if c.store == nil || !result.Success {
		return
	}
	err := c.store.SaveRunOutputs(ctx, req.CallID, req.OrgID, result.Category, string(result.Method), result.Outputs)
	if err != nil {
		c.logger.Warn("persist run outputs failed", zap.String("call_id", req.CallID), zap.Error(err))
	}
}

// collectOutputs flattens completed unit outputs into a name-keyed map.
func collectOutputs(ec *pipeline.ExecutionContext) map[string]any {
	outputs := make(map[string]any)
	for _, res := range ec.Results() {
		if res.Output != nil {
			outputs[res.Unit] = res.Output
		}
	}
	return outputs
}

// outputsAgree is a coarse agreement check: both paths produced a non-empty
// extraction for the same call.
func outputsAgree(newOut, legacyOut map[string]any) bool {
	return len(newOut) > 0 && len(legacyOut) > 0
}
