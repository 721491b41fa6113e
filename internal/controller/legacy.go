package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ridgeline/callsift/internal/provider"
)

// SinglePassExtractor is the legacy path: one large prompt over the whole
// transcript, one unstructured JSON object back. Kept byte-for-byte
// compatible with the pre-pipeline output shape so downstream consumers
// need no migration.
type SinglePassExtractor struct {
	router *provider.Router
	model  string
}

// NewSinglePassExtractor creates the legacy extractor.
func NewSinglePassExtractor(router *provider.Router, model string) *SinglePassExtractor {
	return &SinglePassExtractor{router: router, model: model}
}

const legacySystem = `You extract structured data from freight brokerage call transcripts.
Reply with a single JSON object containing whichever of these keys apply:
"category", "load_details", "rates", "accessorials", "action_items", "summary".
Reply with JSON only.`

// Extract runs the single-pass extraction.
func (e *SinglePassExtractor) Extract(ctx context.Context, req ProcessRequest) (map[string]any, int, error) {
	var b strings.Builder
	if len(req.Utterances) > 0 {
		for _, u := range req.Utterances {
			fmt.Fprintf(&b, "%s: %s\n", u.Speaker, u.Text)
		}
	} else {
		b.WriteString(req.Transcript)
	}

	resp, err := e.router.Route(ctx, "legacy", &provider.GenerateRequest{
		Model:     e.model,
		System:    legacySystem,
		Prompt:    fmt.Sprintf("Transcript:\n%s", b.String()),
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("single-pass extraction: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var outputs map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &outputs); err != nil {
		return nil, resp.Usage.TotalTokens, fmt.Errorf("decode single-pass output: %w", err)
	}
	return outputs, resp.Usage.TotalTokens, nil
}
