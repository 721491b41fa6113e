package units

import (
	"context"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// LoadDetailsOutput captures the freight load discussed on the call.
type LoadDetailsOutput struct {
	Meta
	Origin       string  `json:"origin,omitempty"`
	Destination  string  `json:"destination,omitempty"`
	Equipment    string  `json:"equipment,omitempty"` // van | reefer | flatbed | ...
	WeightLbs    float64 `json:"weight_lbs,omitempty"`
	Commodity    string  `json:"commodity,omitempty"`
	PickupDate   string  `json:"pickup_date,omitempty"`
	DeliveryDate string  `json:"delivery_date,omitempty"`
	Miles        float64 `json:"miles,omitempty"`
}

// LoadDetailsUnit extracts the load being discussed. Most category
// sequences start here because rates and accessorials consult its output.
type LoadDetailsUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewLoadDetailsUnit creates the load detail extraction unit.
func NewLoadDetailsUnit(router *provider.Router, model string) *LoadDetailsUnit {
	return &LoadDetailsUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitLoadDetails, "2.0.0", nil, pipeline.UnitConfig{
			Timeout:        pipeline.DefaultUnitConfig().Timeout,
			RetryOnFailure: true,
		}),
		router: router,
		model:  model,
	}
}

const loadDetailsSystem = `You extract freight load details from call transcripts.
Reply with JSON only: {"confidence":0.0,"origin":"...","destination":"...","equipment":"...","weight_lbs":0,"commodity":"...","pickup_date":"...","delivery_date":"...","miles":0}.
Omit fields that are not mentioned.`

func (u *LoadDetailsUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      loadDetailsSystem,
		Prompt:      fmt.Sprintf("Transcript:\n%s", transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var out LoadDetailsOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *LoadDetailsUnit) ValidateOutput(output any) bool {
	_, ok := output.(*LoadDetailsOutput)
	return ok
}

func (u *LoadDetailsUnit) DefaultOutput() any {
	return &LoadDetailsOutput{}
}
