// Package units contains the concrete extraction units that run inside the
// pipeline. Each unit owns its prompt template, parses the provider's
// JSON-shaped reply, and declares a schema-valid default output.
package units

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ridgeline/callsift/internal/pipeline"
)

// Meta is embedded in every unit output; it carries the extraction
// confidence and the token spend of the call that produced it.
type Meta struct {
	Confidence float64 `json:"confidence"`
	Tokens     int     `json:"-"`
}

func (m Meta) ConfidenceScore() float64 { return m.Confidence }
func (m Meta) TokensConsumed() int      { return m.Tokens }

// BaseUnit supplies contract defaults so concrete units stay small.
type BaseUnit struct {
	name    string
	version string
	deps    []string
	config  pipeline.UnitConfig
}

// NewBaseUnit builds the shared scaffolding of a unit.
func NewBaseUnit(name, version string, deps []string, config pipeline.UnitConfig) BaseUnit {
	if config.Timeout == 0 {
		config.Timeout = pipeline.DefaultUnitConfig().Timeout
	}
	return BaseUnit{name: name, version: version, deps: deps, config: config}
}

func (b *BaseUnit) Name() string                { return b.name }
func (b *BaseUnit) Version() string             { return b.version }
func (b *BaseUnit) Dependencies() []string      { return b.deps }
func (b *BaseUnit) Config() pipeline.UnitConfig { return b.config }

// ShouldExecute defaults to running whenever the call has any transcript.
func (b *BaseUnit) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return strings.TrimSpace(ec.Input.Transcript) != "" || len(ec.Input.Utterances) > 0
}

// ClassifyError marks timeouts, rate limits, and upstream 5xx responses as
// recoverable; everything else is not worth a retry.
func (b *BaseUnit) ClassifyError(err error) pipeline.UnitError {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timed out"):
		return pipeline.UnitError{Code: "timeout", Message: msg, Recoverable: true}
	case strings.Contains(msg, "API error 429"):
		return pipeline.UnitError{Code: "rate_limited", Message: msg, Recoverable: true}
	case strings.Contains(msg, "API error 5"):
		return pipeline.UnitError{Code: "upstream_error", Message: msg, Recoverable: true}
	case strings.Contains(msg, "invalid output"):
		return pipeline.UnitError{Code: "invalid_output", Message: msg, Recoverable: true}
	default:
		return pipeline.UnitError{Code: "extraction_error", Message: msg, Recoverable: false}
	}
}

// decodeJSON parses a provider reply into v, tolerating markdown fences
// around the payload.
func decodeJSON(content string, v any) error {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("parse unit response: %w", err)
	}
	return nil
}

// transcriptFor renders the utterances when present, falling back to the
// raw transcript.
func transcriptFor(ec *pipeline.ExecutionContext) string {
	if len(ec.Input.Utterances) == 0 {
		return ec.Input.Transcript
	}
	var buf strings.Builder
	for _, u := range ec.Input.Utterances {
		fmt.Fprintf(&buf, "%s: %s\n", u.Speaker, u.Text)
	}
	return buf.String()
}
