package units

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/provider"
)

// cannedProvider replies with a fixed body and records the last request.
type cannedProvider struct {
	content string
	err     error
	lastReq *provider.GenerateRequest
}

func (p *cannedProvider) ID() string   { return "canned" }
func (p *cannedProvider) Name() string { return "Canned" }

func (p *cannedProvider) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &provider.GenerateResponse{
		Content: p.content,
		Usage:   provider.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
	}, nil
}

func (p *cannedProvider) HealthCheck(ctx context.Context) error { return nil }

func routerWith(p provider.Provider) *provider.Router {
	r := provider.NewRouter(zap.NewNop())
	r.Register(p)
	r.SetDefault(p.ID())
	return r
}

func callContext() *pipeline.ExecutionContext {
	return pipeline.NewExecutionContext(pipeline.CallInput{
		Transcript: "Broker: got a dry van Dallas to Atlanta, picks Friday.",
		Metadata:   pipeline.CallMetadata{CallID: "call-9", OrgID: "org-9"},
	})
}

func TestClassificationExecute(t *testing.T) {
	prov := &cannedProvider{content: `{"category":"rate_negotiation","confidence":0.93,"reason":"rate back and forth"}`}
	u := NewClassificationUnit(routerWith(prov), "test-model")
	ec := callContext()

	out, err := u.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, ok := out.(*ClassificationOutput)
	if !ok {
		t.Fatalf("got %T, want *ClassificationOutput", out)
	}
	if c.Category != "rate_negotiation" {
		t.Errorf("got category %q", c.Category)
	}
	if c.ConfidenceScore() != 0.93 {
		t.Errorf("got confidence %f", c.ConfidenceScore())
	}
	if c.TokensConsumed() != 140 {
		t.Errorf("got tokens %d, want 140", c.TokensConsumed())
	}
	if got := ec.SharedString(pipeline.SharedKeyCategory); got != "rate_negotiation" {
		t.Errorf("shared category %q, want rate_negotiation", got)
	}
	if !u.ValidateOutput(out) {
		t.Error("valid output rejected")
	}
}

func TestClassificationToleratesMarkdownFence(t *testing.T) {
	prov := &cannedProvider{content: "```json\n{\"category\":\"check_call\",\"confidence\":0.8}\n```"}
	u := NewClassificationUnit(routerWith(prov), "test-model")

	out, err := u.Execute(context.Background(), callContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(*ClassificationOutput).Category != "check_call" {
		t.Error("fenced JSON should parse")
	}
}

func TestClassificationRejectsEmptyCategory(t *testing.T) {
	u := NewClassificationUnit(routerWith(&cannedProvider{}), "test-model")
	if u.ValidateOutput(&ClassificationOutput{}) {
		t.Error("empty category should fail validation")
	}
	if u.ValidateOutput("not a classification") {
		t.Error("wrong type should fail validation")
	}
}

func TestClassifyErrorCodes(t *testing.T) {
	u := NewClassificationUnit(routerWith(&cannedProvider{}), "test-model")

	cases := []struct {
		err         error
		code        string
		recoverable bool
	}{
		{context.DeadlineExceeded, "timeout", true},
		{errors.New("unit classification timed out after 30s"), "timeout", true},
		{errors.New("anthropic API error 429: slow down"), "rate_limited", true},
		{errors.New("openai API error 503: overloaded"), "upstream_error", true},
		{errors.New("unit rates produced invalid output"), "invalid_output", true},
		{errors.New("parse unit response: unexpected end of JSON input"), "extraction_error", false},
	}
	for _, tc := range cases {
		got := u.ClassifyError(tc.err)
		if got.Code != tc.code || got.Recoverable != tc.recoverable {
			t.Errorf("ClassifyError(%v) = %s/%v, want %s/%v",
				tc.err, got.Code, got.Recoverable, tc.code, tc.recoverable)
		}
	}
}

func TestShouldExecuteRequiresTranscript(t *testing.T) {
	u := NewClassificationUnit(routerWith(&cannedProvider{}), "test-model")

	empty := pipeline.NewExecutionContext(pipeline.CallInput{Transcript: "   "})
	if u.ShouldExecute(empty) {
		t.Error("blank transcript should not execute")
	}

	utterances := pipeline.NewExecutionContext(pipeline.CallInput{
		Utterances: []pipeline.Utterance{{Speaker: "broker", Text: "hello"}},
	})
	if !u.ShouldExecute(utterances) {
		t.Error("utterances alone should be enough")
	}
}

func TestTranscriptPrefersUtterances(t *testing.T) {
	prov := &cannedProvider{content: `{"category":"check_call","confidence":0.8}`}
	u := NewClassificationUnit(routerWith(prov), "test-model")

	ec := pipeline.NewExecutionContext(pipeline.CallInput{
		Transcript: "raw text ignored",
		Utterances: []pipeline.Utterance{
			{Speaker: "broker", Text: "where's the truck?"},
			{Speaker: "driver", Text: "just left Memphis"},
		},
	})
	if _, err := u.Execute(context.Background(), ec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prov.lastReq.Prompt, "driver: just left Memphis") {
		t.Errorf("prompt should render utterances, got %q", prov.lastReq.Prompt)
	}
	if strings.Contains(prov.lastReq.Prompt, "raw text ignored") {
		t.Error("raw transcript should be ignored when utterances exist")
	}
}

func TestRatesIncludesLoadContext(t *testing.T) {
	prov := &cannedProvider{content: `{"confidence":0.85,"quoted_rate":1800,"agreed_rate":1700,"negotiated":true}`}
	u := NewRatesUnit(routerWith(prov), "test-model")

	ec := callContext()
	ec.RecordResult(pipeline.ExecutionResult{
		Unit:   pipeline.UnitLoadDetails,
		Status: pipeline.StatusCompleted,
		Output: &LoadDetailsOutput{Origin: "Dallas, TX", Destination: "Atlanta, GA", Equipment: "dry_van"},
	})

	out, err := u.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prov.lastReq.Prompt, "Dallas, TX") {
		t.Error("prompt should carry the extracted load details")
	}

	r := out.(*RatesOutput)
	if r.AgreedRate != 1700 || !r.Negotiated {
		t.Errorf("got %+v", r)
	}
	if r.Currency != "USD" {
		t.Errorf("got currency %q, want USD default", r.Currency)
	}
}

func TestRatesRejectsNegativeRates(t *testing.T) {
	u := NewRatesUnit(routerWith(&cannedProvider{}), "test-model")
	if u.ValidateOutput(&RatesOutput{QuotedRate: -5}) {
		t.Error("negative rate should fail validation")
	}
}

func TestValidationFlagsInconsistencies(t *testing.T) {
	u := NewValidationUnit()
	ec := callContext()

	ec.RecordResult(pipeline.ExecutionResult{
		Unit:   pipeline.UnitLoadDetails,
		Status: pipeline.StatusCompleted,
		Output: &LoadDetailsOutput{Origin: "Dallas, TX", Destination: "Dallas, TX", WeightLbs: -100},
	})
	ec.RecordResult(pipeline.ExecutionResult{
		Unit:   pipeline.UnitRates,
		Status: pipeline.StatusCompleted,
		Output: &RatesOutput{QuotedRate: 1000, AgreedRate: 4000},
	})
	ec.RecordResult(pipeline.ExecutionResult{Unit: pipeline.UnitActionItems, Status: pipeline.StatusFailed})

	out, err := u.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := out.(*ValidationOutput)
	if v.Passed {
		t.Error("inconsistent run should not pass validation")
	}
	if len(v.Issues) != 4 {
		t.Errorf("got %d issues (%v), want 4", len(v.Issues), v.Issues)
	}
	if v.ConfidenceScore() != 1.0 {
		t.Error("deterministic validation should report full confidence")
	}
}

func TestValidationPassesCleanRun(t *testing.T) {
	u := NewValidationUnit()
	ec := callContext()
	ec.RecordResult(pipeline.ExecutionResult{
		Unit:   pipeline.UnitLoadDetails,
		Status: pipeline.StatusCompleted,
		Output: &LoadDetailsOutput{Origin: "Dallas, TX", Destination: "Atlanta, GA", WeightLbs: 42000},
	})

	out, err := u.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.(*ValidationOutput).Passed {
		t.Error("clean run should pass")
	}
}

func TestValidationRequiresPriorResults(t *testing.T) {
	u := NewValidationUnit()
	if u.ShouldExecute(callContext()) {
		t.Error("validation without prior results should be skipped")
	}
}

func TestSummaryIncludesValidationCaveats(t *testing.T) {
	prov := &cannedProvider{content: `{"confidence":0.9,"text":"Rate agreed at $1700 for Dallas to Atlanta.","highlights":["rate agreed"]}`}
	u := NewSummaryUnit(routerWith(prov), "test-model")

	ec := callContext()
	ec.RecordResult(pipeline.ExecutionResult{
		Unit:   pipeline.UnitValidation,
		Status: pipeline.StatusCompleted,
		Output: &ValidationOutput{Passed: false, Issues: []string{"negative load weight"}},
	})

	out, err := u.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prov.lastReq.Prompt, "negative load weight") {
		t.Error("prompt should carry validation caveats")
	}
	if out.(*SummaryOutput).Text == "" {
		t.Error("summary text missing")
	}
}

func TestProviderErrorPropagates(t *testing.T) {
	prov := &cannedProvider{err: errors.New("anthropic API error 500: upstream")}
	u := NewLoadDetailsUnit(routerWith(prov), "test-model")

	if _, err := u.Execute(context.Background(), callContext()); err == nil {
		t.Fatal("provider error should propagate")
	}
}

func TestRegisterAllWiresEveryPlannedUnit(t *testing.T) {
	logger := zap.NewNop()
	reg := pipeline.NewRegistry(logger)
	RegisterAll(reg, routerWith(&cannedProvider{}), "test-model")

	if err := reg.Validate(); err != nil {
		t.Fatalf("registry validation: %v", err)
	}
	for _, name := range []string{
		pipeline.UnitClassification, pipeline.UnitSpeakers, pipeline.UnitTemporal,
		pipeline.UnitLoadDetails, pipeline.UnitRates, pipeline.UnitAccessorials,
		pipeline.UnitActionItems, pipeline.UnitValidation, pipeline.UnitSummary,
	} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("unit %s not registered", name)
		}
	}
}
