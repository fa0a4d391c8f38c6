// Package validator implements the Violation Validator: a second,
// narrowly-scoped LLM pass that admits or rejects a candidate violation
// against the exact diff hunk, split into additions-only and
// deletions-only projections.
package validator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wispbit/revengine/internal/apperr"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/patch"
	"github.com/wispbit/revengine/internal/types"
)

const hunkContext = 3

var temperature = 0.1
var maxTokens = 300

// Request is one candidate violation to validate.
type Request struct {
	Rule        types.CodebaseRule
	Description string
	Filename    string
	Status      types.Status
	Patch       string
	Line        types.LineReference
}

// Verdict is the validator's decision.
type Verdict struct {
	IsValid   bool
	Reasoning string
}

// Validator issues the forced report_validation tool call against an LLM
// client.
type Validator struct {
	LLM   *llm.Client
	Model string
}

// Validate runs the validation pass for one candidate and returns its
// verdict plus the USD cost of the call.
func (v *Validator) Validate(ctx context.Context, req Request) (Verdict, float64, error) {
	hunk := patch.ExtractDiffHunk(req.Patch, req.Line.Start, req.Line.End, req.Line.Side, hunkContext)

	additions := patch.AddLineNumbersToPatch(patch.FilterDiff(hunk, patch.FilterAdditions))
	deletions := patch.AddLineNumbersToPatch(patch.FilterDiff(hunk, patch.FilterDeletions))

	prompt := buildPrompt(req, additions, deletions)

	resp, err := v.LLM.Complete(ctx, llm.Request{
		Model: v.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are validating a single candidate code review finding against the exact diff that produced it. Be strict: reject speculative or unsupported findings."},
			{Role: llm.RoleUser, Content: prompt},
		},
		Tools:       []llm.Tool{reportValidationTool()},
		ToolChoice:  forcedChoice(),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return Verdict{}, 0, err
	}

	if resp.Kind != llm.KindTool || len(resp.ToolCalls) == 0 {
		return Verdict{}, resp.CostUSD, &apperr.ProviderError{
			Provider: "openai-compatible",
			Err:      fmt.Errorf("validator expected a forced report_validation tool call, got kind %q", resp.Kind),
		}
	}

	var args struct {
		IsValid   bool   `json:"is_valid"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Function.Arguments), &args); err != nil {
		return Verdict{}, resp.CostUSD, &apperr.ProviderError{
			Provider: "openai-compatible",
			Err:      fmt.Errorf("malformed report_validation arguments: %w", err),
		}
	}

	return Verdict{IsValid: args.IsValid, Reasoning: args.Reasoning}, resp.CostUSD, nil
}

func forcedChoice() *llm.ToolChoice {
	tc := llm.ForceTool("report_validation")
	return &tc
}

func reportValidationTool() llm.Tool {
	return llm.Tool{Type: "function", Function: llm.ToolFunction{
		Name:        "report_validation",
		Description: "Report whether the candidate finding is a genuine, non-speculative violation of the rule given the exact diff.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"is_valid":  map[string]any{"type": "boolean"},
				"reasoning": map[string]any{"type": "string"},
			},
			"required": []string{"is_valid", "reasoning"},
		},
	}}
}

func buildPrompt(req Request, additions, deletions string) string {
	return fmt.Sprintf(`Rule:
%s

Candidate finding:
%s

File: %s
Status: %s

Additions (line-numbered):
%s

Deletions (line-numbered):
%s

Judge the finding against these criteria:
- Does it match the rule's actual intent, not just its wording?
- Is it consistent with the file's change status (e.g. a removed file can't violate a rule about content added to it)?
- Is the judgement non-speculative — grounded in what the diff actually shows, not a guess about unseen code?
- If the rule depends on cross-file context the original reviewer did not have access to, default to VALID.
- Is the original reviewer's stated reasoning plausible given the diff?`,
		req.Rule.Body, req.Description, req.Filename, req.Status, additions, deletions)
}
