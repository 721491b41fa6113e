package units

import (
	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// RegisterAll wires every extraction unit into the registry against the
// given provider router and model.
func RegisterAll(reg *pipeline.Registry, router *provider.Router, model string) {
	reg.Register(NewClassificationUnit(router, model))
	reg.Register(NewSpeakersUnit(router, model))
	reg.Register(NewTemporalUnit(router, model))
	reg.Register(NewLoadDetailsUnit(router, model))
	reg.Register(NewRatesUnit(router, model))
	reg.Register(NewAccessorialsUnit(router, model))
	reg.Register(NewActionItemsUnit(router, model))
	reg.Register(NewValidationUnit())
	reg.Register(NewSummaryUnit(router, model))
}
