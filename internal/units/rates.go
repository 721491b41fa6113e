package units

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// RatesOutput captures the rate discussion on the call.
type RatesOutput struct {
	Meta
	QuotedRate  float64 `json:"quoted_rate,omitempty"`
	AgreedRate  float64 `json:"agreed_rate,omitempty"`
	Currency    string  `json:"currency"`
	Negotiated  bool    `json:"negotiated"`
	RatePerMile float64 `json:"rate_per_mile,omitempty"`
}

// RatesUnit extracts quoted and agreed rates. It depends on load_details
// because the negotiation only makes sense against a concrete load.
type RatesUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewRatesUnit creates the rate extraction unit.
func NewRatesUnit(router *provider.Router, model string) *RatesUnit {
	return &RatesUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitRates, "1.4.0", []string{pipeline.UnitLoadDetails}, pipeline.UnitConfig{
			Timeout:        pipeline.DefaultUnitConfig().Timeout,
			RetryOnFailure: true,
		}),
		router: router,
		model:  model,
	}
}

const ratesSystem = `You extract freight rate discussions from call transcripts.
Reply with JSON only: {"confidence":0.0,"quoted_rate":0,"agreed_rate":0,"currency":"USD","negotiated":false,"rate_per_mile":0}.`

func (u *RatesUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	prompt := fmt.Sprintf("Transcript:\n%s", transcriptFor(ec))
	if load, ok := ec.Output(pipeline.UnitLoadDetails); ok {
		if enc, err := json.Marshal(load); err == nil {
			prompt = fmt.Sprintf("Load under discussion: %s\n%s", enc, prompt)
		}
	}

	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      ratesSystem,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	var out RatesOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	if out.Currency == "" {
		out.Currency = "USD"
	}
	return &out, nil
}

func (u *RatesUnit) ValidateOutput(output any) bool {
	out, ok := output.(*RatesOutput)
	return ok && out.QuotedRate >= 0 && out.AgreedRate >= 0
}

func (u *RatesUnit) DefaultOutput() any {
	return &RatesOutput{Currency: "USD"}
}
