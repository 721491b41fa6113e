package pipeline

import (
	"go.uber.org/zap"
)

// Canonical unit names the plan builder schedules. Concrete implementations
// live in internal/units; anything unregistered at run time is skipped.
const (
	UnitClassification = "classification"
	UnitSpeakers       = "speakers"
	UnitTemporal       = "temporal"
	UnitLoadDetails    = "load_details"
	UnitRates          = "rates"
	UnitAccessorials   = "accessorials"
	UnitActionItems    = "action_items"
	UnitValidation     = "validation"
	UnitSummary        = "summary"
)

// Call categories produced by the classification unit.
const (
	CategoryLoadInquiry        = "load_inquiry"
	CategoryRateNegotiation    = "rate_negotiation"
	CategoryCheckCall          = "check_call"
	CategoryAccessorialDispute = "accessorial_dispute"
	CategoryWrongNumber        = "wrong_number"
	CategoryVoicemail          = "voicemail"
)

// categorySequences maps a primary category to the ordered unit sequence of
// the category phase. Sequences are sequential because later units consult
// earlier ones' structured output (rates reads load_details).
var categorySequences = map[string][]string{
	CategoryLoadInquiry:        {UnitLoadDetails, UnitRates, UnitActionItems},
	CategoryRateNegotiation:    {UnitLoadDetails, UnitRates, UnitAccessorials, UnitActionItems},
	CategoryCheckCall:          {UnitLoadDetails, UnitActionItems},
	CategoryAccessorialDispute: {UnitLoadDetails, UnitAccessorials, UnitActionItems},
}

// noOpCategories short-circuit the run after classification: nothing worth
// extracting.
var noOpCategories = map[string]bool{
	CategoryWrongNumber: true,
	CategoryVoicemail:   true,
}

// fallbackSequence is used when the primary category is unrecognized; a
// generic extraction beats failing the call.
var fallbackSequence = []string{UnitLoadDetails, UnitActionItems}

// Planner turns a classification decision into a concrete phased schedule.
type Planner struct {
	registry *Registry
	logger   *zap.Logger
}

// NewPlanner creates a plan builder over the given registry.
func NewPlanner(registry *Registry, logger *zap.Logger) *Planner {
	return &Planner{registry: registry, logger: logger}
}

// Build assembles the execution plan for a classified call.
//
// Phase "foundation" always runs speaker attribution and temporal
// normalization in parallel: later units consume their output but they do
// not depend on each other. The category phase is a fixed sequential lookup
// per call type. Phase "finalization" always runs validation then summary,
// in that order, regardless of category.
func (p *Planner) Build(category string) ExecutionPlan {
	plan := ExecutionPlan{Category: category}

	if noOpCategories[category] {
		p.logger.Info("category requires no extraction, short-circuiting",
			zap.String("category", category))
		return plan
	}

	plan.Phases = append(plan.Phases, Phase{
		Name:     "foundation",
		Parallel: true,
		Units:    p.specs(UnitSpeakers, UnitTemporal),
	})

	sequence, ok := categorySequences[category]
	if !ok {
		p.logger.Warn("unrecognized category, using fallback sequence",
			zap.String("category", category))
		sequence = fallbackSequence
	}
	plan.Phases = append(plan.Phases, Phase{
		Name:  "category",
		Units: p.specs(sequence...),
	})

	plan.Phases = append(plan.Phases, Phase{
		Name:  "finalization",
		Units: p.specs(UnitValidation, UnitSummary),
	})

	return plan
}

// specs builds unit specs, dropping names that are not registered. An
// unregistered unit is logged and skipped without failing the phase.
func (p *Planner) specs(names ...string) []UnitSpec {
	specs := make([]UnitSpec, 0, len(names))
	for _, name := range names {
		if _, ok := p.registry.Get(name); !ok {
			p.logger.Warn("unit named in plan is not registered, skipping",
				zap.String("unit", name))
			continue
		}
		specs = append(specs, UnitSpec{Name: name})
	}
	return specs
}
