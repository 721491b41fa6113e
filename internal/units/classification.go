package units

import (
	"context"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// ClassificationOutput is the decision the plan builder keys on.
type ClassificationOutput struct {
	Meta
	Category   string   `json:"category"`
	Secondary  []string `json:"secondary,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ClassificationUnit determines the call's primary category. It is the
// always-first unit and is critical: without a category there is no plan.
type ClassificationUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewClassificationUnit creates the classification unit.
func NewClassificationUnit(router *provider.Router, model string) *ClassificationUnit {
	return &ClassificationUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitClassification, "1.2.0", nil, pipeline.UnitConfig{
			Timeout:        pipeline.DefaultUnitConfig().Timeout,
			Critical:       true,
			RetryOnFailure: true,
		}),
		router: router,
		model:  model,
	}
}

const classificationSystem = `You classify freight brokerage call transcripts.
Reply with JSON only: {"category":"...","confidence":0.0,"secondary":[],"reason":"..."}.
Valid categories: load_inquiry, rate_negotiation, check_call, accessorial_dispute, wrong_number, voicemail.`

// Execute classifies the transcript and publishes the category as a shared
// hint for the plan builder and downstream preconditions.
func (u *ClassificationUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      classificationSystem,
		Prompt:      fmt.Sprintf("Transcript:\n%s", transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	var out ClassificationOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens

	ec.SetShared(pipeline.SharedKeyCategory, out.Category)
	ec.SetShared(pipeline.SharedKeyConfidence, out.Confidence)
	return &out, nil
}

// ValidateOutput requires a non-empty category.
func (u *ClassificationUnit) ValidateOutput(output any) bool {
	out, ok := output.(*ClassificationOutput)
	return ok && out.Category != ""
}

// DefaultOutput is never substituted in practice (the unit is critical) but
// the contract requires a schema-valid fallback.
func (u *ClassificationUnit) DefaultOutput() any {
	return &ClassificationOutput{Category: "unknown"}
}
