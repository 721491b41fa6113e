package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// ValidationOutput is the cross-unit consistency verdict.
type ValidationOutput struct {
	Meta
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// ValidationUnit cross-checks every other unit's recorded output. It is
// deterministic code, not a generation call: consistency rules are cheap
// and must not hallucinate.
type ValidationUnit struct {
	BaseUnit
}

// NewValidationUnit creates the validation unit.
func NewValidationUnit() *ValidationUnit {
	return &ValidationUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitValidation, "1.0.0", nil, pipeline.UnitConfig{
			Timeout: pipeline.DefaultUnitConfig().Timeout,
		}),
	}
}

// Execute scans all recorded results for structural inconsistencies.
func (u *ValidationUnit) Execute(_ context.Context, ec *pipeline.ExecutionContext) (any, error) {
	out := &ValidationOutput{Issues: []string{}}
	out.Confidence = 1.0

	for _, r := range ec.Results() {
		switch r.Status {
		case pipeline.StatusFailed:
			out.Issues = append(out.Issues, fmt.Sprintf("%s failed: default output in use", r.Unit))
		case pipeline.StatusSkipped:
			out.Issues = append(out.Issues, fmt.Sprintf("%s skipped", r.Unit))
		}
	}

	if load, ok := ec.Output(pipeline.UnitLoadDetails); ok {
		if ld, ok := load.(*LoadDetailsOutput); ok {
			if ld.Origin != "" && ld.Origin == ld.Destination {
				out.Issues = append(out.Issues, "load origin equals destination")
			}
			if ld.WeightLbs < 0 {
				out.Issues = append(out.Issues, "negative load weight")
			}
		}
	}
	if rates, ok := ec.Output(pipeline.UnitRates); ok {
		if ro, ok := rates.(*RatesOutput); ok {
			if ro.AgreedRate > 0 && ro.QuotedRate > 0 && ro.AgreedRate > ro.QuotedRate*3 {
				out.Issues = append(out.Issues, "agreed rate implausibly above quote")
			}
		}
	}

	out.Passed = len(out.Issues) == 0
	return out, nil
}

// ShouldExecute runs whenever anything was extracted at all.
func (u *ValidationUnit) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return len(ec.Results()) > 0
}

func (u *ValidationUnit) ValidateOutput(output any) bool {
	out, ok := output.(*ValidationOutput)
	return ok && out.Issues != nil
}

func (u *ValidationUnit) DefaultOutput() any {
	return &ValidationOutput{Passed: false, Issues: []string{"validation unavailable"}}
}

// SummaryOutput is the human-readable recap of the call.
type SummaryOutput struct {
	Meta
	Text       string   `json:"text"`
	Highlights []string `json:"highlights,omitempty"`
}

// SummaryUnit generates the final recap. It depends on validation so the
// summary can mention data-quality caveats.
type SummaryUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewSummaryUnit creates the summary unit.
func NewSummaryUnit(router *provider.Router, model string) *SummaryUnit {
	return &SummaryUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitSummary, "1.3.1", []string{pipeline.UnitValidation}, pipeline.UnitConfig{
			Timeout: pipeline.DefaultUnitConfig().Timeout,
		}),
		router: router,
		model:  model,
	}
}

const summarySystem = `You summarize freight brokerage calls for a TMS activity feed.
Reply with JSON only: {"confidence":0.0,"text":"...","highlights":["..."]}. Two sentences maximum.`

func (u *SummaryUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	var caveats []string
	if v, ok := ec.Output(pipeline.UnitValidation); ok {
		if vo, ok := v.(*ValidationOutput); ok && !vo.Passed {
			caveats = vo.Issues
		}
	}

	prompt := fmt.Sprintf("Transcript:\n%s", transcriptFor(ec))
	if len(caveats) > 0 {
		prompt += fmt.Sprintf("\nKnown data issues: %s", strings.Join(caveats, "; "))
	}

	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      summarySystem,
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	var out SummaryOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *SummaryUnit) ValidateOutput(output any) bool {
	out, ok := output.(*SummaryOutput)
	return ok && out.Text != ""
}

func (u *SummaryUnit) DefaultOutput() any {
	return &SummaryOutput{Text: "Summary unavailable."}
}
