package units

import (
	"context"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// ActionItem is one follow-up commitment made on the call.
type ActionItem struct {
	Description string `json:"description"`
	Owner       string `json:"owner,omitempty"` // broker | carrier | shipper
	DueDate     string `json:"due_date,omitempty"`
}

// ActionItemsOutput lists follow-ups committed to on the call.
type ActionItemsOutput struct {
	Meta
	Items []ActionItem `json:"items"`
}

// ActionItemsUnit extracts follow-up commitments.
type ActionItemsUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewActionItemsUnit creates the action item extraction unit.
func NewActionItemsUnit(router *provider.Router, model string) *ActionItemsUnit {
	return &ActionItemsUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitActionItems, "1.1.2", nil, pipeline.UnitConfig{
			Timeout: pipeline.DefaultUnitConfig().Timeout,
		}),
		router: router,
		model:  model,
	}
}

const actionItemsSystem = `You extract follow-up commitments from freight call transcripts.
Reply with JSON only: {"confidence":0.0,"items":[{"description":"...","owner":"broker|carrier|shipper","due_date":"..."}]}.`

func (u *ActionItemsUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      actionItemsSystem,
		Prompt:      fmt.Sprintf("Transcript:\n%s", transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var out ActionItemsOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *ActionItemsUnit) ValidateOutput(output any) bool {
	out, ok := output.(*ActionItemsOutput)
	return ok && out.Items != nil
}

func (u *ActionItemsUnit) DefaultOutput() any {
	return &ActionItemsOutput{Items: []ActionItem{}}
}
