package units

import (
	"context"
	"fmt"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// Speaker is one attributed party on the call.
type Speaker struct {
	Label string `json:"label"` // as tagged in the transcript
	Role  string `json:"role"`  // broker | carrier | shipper | driver | unknown
	Name  string `json:"name,omitempty"`
}

// SpeakersOutput attributes transcript speakers to business roles.
type SpeakersOutput struct {
	Meta
	Speakers []Speaker `json:"speakers"`
}

// SpeakersUnit attributes each speaker label to a business role. It runs in
// the parallel foundation phase; later units consume its output.
type SpeakersUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewSpeakersUnit creates the speaker attribution unit.
func NewSpeakersUnit(router *provider.Router, model string) *SpeakersUnit {
	return &SpeakersUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitSpeakers, "1.0.1", nil, pipeline.UnitConfig{
			Timeout:  pipeline.DefaultUnitConfig().Timeout,
			Parallel: true,
		}),
		router: router,
		model:  model,
	}
}

const speakersSystem = `You attribute speakers in freight call transcripts to business roles.
Reply with JSON only: {"confidence":0.0,"speakers":[{"label":"...","role":"broker|carrier|shipper|driver|unknown","name":"..."}]}.`

func (u *SpeakersUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:       u.model,
		System:      speakersSystem,
		Prompt:      fmt.Sprintf("Transcript:\n%s", transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var out SpeakersOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *SpeakersUnit) ValidateOutput(output any) bool {
	out, ok := output.(*SpeakersOutput)
	return ok && out.Speakers != nil
}

func (u *SpeakersUnit) DefaultOutput() any {
	return &SpeakersOutput{Speakers: []Speaker{}}
}

// TemporalRef is one resolved time expression.
type TemporalRef struct {
	Text     string `json:"text"`               // as spoken, e.g. "tomorrow morning"
	Resolved string `json:"resolved,omitempty"` // ISO 8601 relative to the call date
	Kind     string `json:"kind"`               // pickup | delivery | callback | other
}

// TemporalOutput normalizes spoken time expressions against the call date.
type TemporalOutput struct {
	Meta
	References []TemporalRef `json:"references"`
}

// TemporalUnit normalizes relative time expressions. Foundation phase,
// parallel with speaker attribution.
type TemporalUnit struct {
	BaseUnit
	router *provider.Router
	model  string
}

// NewTemporalUnit creates the temporal normalization unit.
func NewTemporalUnit(router *provider.Router, model string) *TemporalUnit {
	return &TemporalUnit{
		BaseUnit: NewBaseUnit(pipeline.UnitTemporal, "1.1.0", nil, pipeline.UnitConfig{
			Timeout:  pipeline.DefaultUnitConfig().Timeout,
			Parallel: true,
		}),
		router: router,
		model:  model,
	}
}

const temporalSystem = `You resolve relative time expressions in freight call transcripts.
Reply with JSON only: {"confidence":0.0,"references":[{"text":"...","resolved":"ISO-8601","kind":"pickup|delivery|callback|other"}]}.`

func (u *TemporalUnit) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	resp, err := u.router.Route(ctx, u.Name(), &provider.GenerateRequest{
		Model:  u.model,
		System: temporalSystem,
		Prompt: fmt.Sprintf("Call date: %s\nTranscript:\n%s",
			ec.Input.Metadata.CallDate.Format("2006-01-02"), transcriptFor(ec)),
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var out TemporalOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	out.Tokens = resp.Usage.TotalTokens
	return &out, nil
}

func (u *TemporalUnit) ValidateOutput(output any) bool {
	out, ok := output.(*TemporalOutput)
	return ok && out.References != nil
}

func (u *TemporalUnit) DefaultOutput() any {
	return &TemporalOutput{References: []TemporalRef{}}
}
