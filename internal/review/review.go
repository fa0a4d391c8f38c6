// Package review drives the per-file tool-calling conversation: building
// the system/user messages, dispatching tool calls against the sandbox in
// parallel while preserving call order, buffering candidate violations,
// running them past the validator, and assembling the final
// types.FileAnalysis.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wispbit/revengine/internal/apperr"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/patch"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/types"
	"github.com/wispbit/revengine/internal/validator"
)

// maxRounds bounds the tool-call/response loop so a misbehaving model
// can't keep the conversation open forever. The spec's protocol has no
// natural termination proof beyond the model eventually emitting a
// message, so this is a defensive ceiling, not a product requirement.
const maxRounds = 25

// Deps bundles the collaborators one file review needs.
type Deps struct {
	LLM       *llm.Client
	Sandbox   *sandbox.Sandbox
	Validator *validator.Validator
	Model     string
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Review runs the full per-file review procedure: §4.E's tool-calling
// loop followed by §4.F's validation pass. applicableRules must already
// be filtered for file by the caller (internal/rules). changedFiles lists
// every file in the review request, for cross-file rule reasoning.
func Review(ctx context.Context, file types.FileChange, applicableRules []types.CodebaseRule, changedFiles []string, deps Deps) (types.FileAnalysis, error) {
	start := time.Now()
	if file.Patch == "" {
		return types.FileAnalysis{Explanation: types.ExplanationNoPatchFound, Rules: applicableRules, DurationMS: time.Since(start).Milliseconds()}, nil
	}
	if len(applicableRules) == 0 {
		return types.FileAnalysis{Explanation: types.ExplanationNoApplicableRules, DurationMS: time.Since(start).Milliseconds()}, nil
	}

	logger := deps.logger()
	logger.Debug("reviewing file", "file", file.Filename, "rules", len(applicableRules))

	conv := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(changedFiles)},
		{Role: llm.RoleUser, Content: userPrompt(file, applicableRules)},
	}

	var cost types.Cost
	var candidates []types.Violation
	visited := map[string]struct{}{}
	explanation := ""

	tools := toolSchemas()

	for round := 0; round < maxRounds; round++ {
		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Messages: conv,
			Tools:    tools,
			Model:    deps.Model,
		})
		if err != nil {
			logger.Error("llm completion failed", "file", file.Filename, "round", round, "err", err)
			return types.FileAnalysis{}, err
		}
		cost.Add(resp.CostUSD)

		if resp.Kind == llm.KindMessage {
			explanation = resp.Content
			break
		}
		if resp.Kind != llm.KindTool {
			return types.FileAnalysis{}, apperr.NewInputError("response", fmt.Sprintf("unexpected completion kind %q in review loop", resp.Kind))
		}

		conv = append(conv, llm.Message{Role: llm.RoleAssistant, ToolCalls: resp.ToolCalls})

		results := dispatchToolCalls(ctx, resp.ToolCalls, file, applicableRules, deps.Sandbox, visited)
		for _, r := range results {
			conv = append(conv, llm.Message{Role: llm.RoleTool, ToolCallID: r.id, Content: r.content})
			if r.violation != nil {
				candidates = append(candidates, *r.violation)
			}
		}
	}

	violations, rejected, validationCost, err := validateCandidates(ctx, candidates, file, deps.Validator)
	if err != nil {
		logger.Error("violation validation failed", "file", file.Filename, "err", err)
		return types.FileAnalysis{}, err
	}
	cost.Add(validationCost)

	visitedList := make([]string, 0, len(visited))
	for f := range visited {
		visitedList = append(visitedList, f)
	}

	duration := time.Since(start)
	logger.Info("review complete", "file", file.Filename, "violations", len(violations), "rejected", len(rejected), "duration_ms", duration.Milliseconds(), "model", deps.Model, "cost_usd", cost.USD)

	return types.FileAnalysis{
		Violations:         violations,
		RejectedViolations: rejected,
		Explanation:        explanation,
		Rules:              applicableRules,
		VisitedFiles:       types.NormalizeVisitedFiles(visitedList, file.Filename),
		Cost:               cost,
		DurationMS:         duration.Milliseconds(),
		Model:              deps.Model,
	}, nil
}

func validateCandidates(ctx context.Context, candidates []types.Violation, file types.FileChange, v *validator.Validator) ([]types.Violation, []types.RejectedViolation, float64, error) {
	if len(candidates) == 0 {
		return nil, nil, 0, nil
	}

	type outcome struct {
		violation *types.Violation
		rejected  *types.RejectedViolation
		cost      float64
		err       error
	}
	outcomes := make([]outcome, len(candidates))

	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand types.Violation) {
			defer wg.Done()
			verdict, cost, err := v.Validate(ctx, validator.Request{
				Rule:        cand.Rule,
				Description: cand.Description,
				Filename:    file.Filename,
				Status:      file.Status,
				Patch:       file.Patch,
				Line:        cand.Line,
			})
			if err != nil {
				outcomes[i] = outcome{err: err}
				return
			}
			if verdict.IsValid {
				cand.ValidationReasoning = verdict.Reasoning
				outcomes[i] = outcome{violation: &cand, cost: cost}
				return
			}
			outcomes[i] = outcome{
				rejected: &types.RejectedViolation{
					Description: cand.Description,
					Line:        cand.Line,
					Rule:        cand.Rule,
					Reasoning:   verdict.Reasoning,
				},
				cost: cost,
			}
		}(i, cand)
	}
	wg.Wait()

	var violations []types.Violation
	var rejected []types.RejectedViolation
	var totalCost float64
	for _, o := range outcomes {
		if o.err != nil {
			return nil, nil, 0, o.err
		}
		totalCost += o.cost
		if o.violation != nil {
			violations = append(violations, *o.violation)
		}
		if o.rejected != nil {
			rejected = append(rejected, *o.rejected)
		}
	}

	return violations, rejected, totalCost, nil
}

type toolResult struct {
	id        string
	content   string
	violation *types.Violation
}

// dispatchToolCalls executes every tool call concurrently against the
// sandbox, but returns results in the same order the calls were issued,
// independent of completion order.
func dispatchToolCalls(ctx context.Context, calls []llm.ToolCall, file types.FileChange, rules []types.CodebaseRule, sb *sandbox.Sandbox, visited map[string]struct{}) []toolResult {
	results := make([]toolResult, len(calls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			content, v, readFile := executeToolCall(ctx, call, file, rules, sb)
			if readFile != "" {
				mu.Lock()
				visited[readFile] = struct{}{}
				mu.Unlock()
			}
			results[i] = toolResult{id: call.ID, content: content, violation: v}
		}(i, call)
	}
	wg.Wait()

	return results
}

func executeToolCall(ctx context.Context, call llm.ToolCall, file types.FileChange, rules []types.CodebaseRule, sb *sandbox.Sandbox) (content string, violation *types.Violation, readFile string) {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return toolErrorJSON(apperr.NewInputError("arguments", "could not parse tool call arguments as JSON")), nil, ""
	}

	switch call.Function.Name {
	case "read_file":
		target, _ := args["target_file"].(string)
		entire, _ := args["should_read_entire_file"].(bool)
		start := intArg(args["start_line_one_indexed"])
		end := intArg(args["end_line_one_indexed_inclusive"])

		out, err := sb.ReadFile(target, start, end, entire)
		if err != nil {
			return toolErrorJSON(err), nil, ""
		}
		return out, nil, target

	case "list_dir":
		rel, _ := args["relative_workspace_path"].(string)
		files, dirs, path, err := sb.ListDir(rel)
		if err != nil {
			return toolErrorJSON(err), nil, ""
		}
		b, _ := json.Marshal(map[string]any{"files": files, "directories": dirs, "path": path})
		return string(b), nil, ""

	case "grep_search":
		query, _ := args["query"].(string)
		include, _ := args["include_pattern"].(string)
		exclude, _ := args["exclude_pattern"].(string)
		caseSensitive, _ := args["case_sensitive"].(bool)

		matches, err := sb.GrepSearch(ctx, query, include, exclude, caseSensitive)
		if err != nil {
			return toolErrorJSON(err), nil, ""
		}
		b, _ := json.Marshal(matches)
		return string(b), nil, ""

	case "glob_search":
		pattern, _ := args["pattern"].(string)
		path, _ := args["path"].(string)
		matches, err := sb.GlobSearch(pattern, path)
		if err != nil {
			return toolErrorJSON(err), nil, ""
		}
		b, _ := json.Marshal(matches)
		return string(b), nil, ""

	case "complaint":
		filePath, _ := args["file_path"].(string)
		description, _ := args["description"].(string)
		ruleID, _ := args["rule_id"].(string)
		side := types.SideRight
		if s, ok := args["line_side"].(string); ok && s == string(types.SideLeft) {
			side = types.SideLeft
		}

		req := sandbox.ComplaintRequest{
			FilePath:    filePath,
			LineStart:   intArg(args["line_start"]),
			LineEnd:     intArg(args["line_end"]),
			LineSide:    side,
			Description: description,
			RuleID:      ruleID,
		}
		v, err := sandbox.Complaint(req, file.Filename, rules, file.Patch)
		if err != nil {
			return toolErrorJSON(err), nil, ""
		}
		b, _ := json.Marshal(map[string]any{"accepted": true, "rule_id": v.Rule.ID})
		return string(b), &v, ""

	default:
		return toolErrorJSON(apperr.NewInputError("tool", fmt.Sprintf("unknown tool %q", call.Function.Name))), nil, ""
	}
}

// intArg reads an integer tool argument. A missing, non-numeric or
// non-integral value yields 0, which the tools reject as missing.
func intArg(v any) int {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0
		}
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toolErrorJSON(err error) string {
	b, _ := json.Marshal(map[string]any{"error": err.Error()})
	return string(b)
}

func systemPrompt(changedFiles []string) string {
	var b strings.Builder
	b.WriteString("You are an automated code reviewer enforcing a team's codified rules against a single changed file.\n\n")
	b.WriteString("Reasoning policy:\n")
	b.WriteString("- Only raise a complaint when a rule is clearly and concretely violated by a line actually touched by this diff.\n")
	b.WriteString("- Read as much surrounding context as you need via the inspection tools before filing a complaint; do not guess at code you have not read.\n")
	b.WriteString("- For rules that depend on other files (imports, call sites, shared types), use grep_search and read_file to verify before complaining.\n")
	b.WriteString("- Prefer silence over a speculative complaint.\n")
	b.WriteString("- When you are done inspecting, respond with a plain-text explanation summarizing what you checked; do not call complaint after that.\n\n")
	b.WriteString("Every file changed in this review, for cross-file reasoning:\n")
	sorted := append([]string(nil), changedFiles...)
	sort.Strings(sorted)
	for _, f := range sorted {
		b.WriteString("- " + f + "\n")
	}
	return b.String()
}

func userPrompt(file types.FileChange, rules []types.CodebaseRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nStatus: %s\n\n", file.Filename, file.Status)
	b.WriteString("Applicable rules:\n\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "### Rule %s: %s\n%s\n\n", r.ID, r.Name, r.Body)
	}
	b.WriteString("Line-numbered patch:\n\n")
	b.WriteString(patch.AddLineNumbersToPatch(file.Patch))
	return b.String()
}

func toolSchemas() []llm.Tool {
	return []llm.Tool{
		{Type: "function", Function: llm.ToolFunction{
			Name:        "read_file",
			Description: "Read a range of lines (or the entire file) from a file in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_file":                   map[string]any{"type": "string"},
					"should_read_entire_file":        map[string]any{"type": "boolean"},
					"start_line_one_indexed":         map[string]any{"type": "integer"},
					"end_line_one_indexed_inclusive": map[string]any{"type": "integer"},
				},
				"required": []string{"target_file", "should_read_entire_file"},
			},
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "grep_search",
			Description: "Search the workspace for a regular expression.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":           map[string]any{"type": "string"},
					"include_pattern": map[string]any{"type": "string"},
					"exclude_pattern": map[string]any{"type": "string"},
					"case_sensitive":  map[string]any{"type": "boolean"},
				},
				"required": []string{"query"},
			},
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "glob_search",
			Description: "Find files in the workspace matching a glob pattern.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
				},
				"required": []string{"pattern"},
			},
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "list_dir",
			Description: "List the files and subdirectories of a workspace directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"relative_workspace_path": map[string]any{"type": "string"},
					"explanation":             map[string]any{"type": "string"},
				},
				"required": []string{"relative_workspace_path"},
			},
		}},
		{Type: "function", Function: llm.ToolFunction{
			Name:        "complaint",
			Description: "Submit a candidate rule violation pinned to a specific line range of the file under review.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":   map[string]any{"type": "string"},
					"line_start":  map[string]any{"type": "integer"},
					"line_end":    map[string]any{"type": "integer"},
					"line_side":   map[string]any{"type": "string", "enum": []string{"left", "right"}},
					"description": map[string]any{"type": "string"},
					"rule_id":     map[string]any{"type": "string"},
				},
				"required": []string{"file_path", "line_start", "line_end", "line_side", "description", "rule_id"},
			},
		}},
	}
}
