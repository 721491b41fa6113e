package units

import (
	"context"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// Accessorial is one extra charge discussed on the call.
type Accessorial struct {
	Type     string  `json:"type"` // detention | lumper | layover | tonu | other
	Amount   float64 `json:"amount,omitempty"`
	Approved bool    `json:"approved"`
}

// AccessorialsOutput lists accessorial charges raised on the call.
type AccessorialsOutput struct {
	Meta
	Items []Accessorial `json:"items"`
}

// AccessorialsUnit extracts accessorial charges. Marked optional: it still
// attempts to run with partial context when load_details failed, since
// disputes are often about the charge alone.
type AccessorialsUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewAccessorialsUnit creates the accessorial extraction unit.
func NewAccessorialsUnit(router *provider.Router, model string) *AccessorialsUnit {
	return &AccessorialsUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitAccessorials, "1.0.3", []string{pipeline.UnitLoadDetails}, pipeline.UnitConfig{
			Timeout:  pipeline.DefaultUnitConfig().Timeout,
			Optional: true,
		}),
		router: router,
		model:  model,
	}
}

const accessorialsSystem = `You extract accessorial charges from freight call transcripts.
Reply with JSON only: {"confidence":0.0,"items":[{"type":"detention|lumper|layover|tonu|other","amount":0,"approved":false}]}.`

func (u *AccessorialsUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      accessorialsSystem,
		Prompt:      fmt.Sprintf("Transcript:\n%s", transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	var out AccessorialsOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *AccessorialsUnit) ValidateOutput(output any) bool {
	out, ok := output.(*AccessorialsOutput)
	return ok && out.Items != nil
}

func (u *AccessorialsUnit) DefaultOutput() any {
	return &AccessorialsOutput{Items: []Accessorial{}}
}
