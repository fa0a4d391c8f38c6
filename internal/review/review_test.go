package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/types"
	"github.com/wispbit/revengine/internal/validator"
)

const testPatch = "@@ -1,3 +1,3 @@\n package main\n-// old\n+// TODO: fix this\n func main() {}"

func TestReview_ShortCircuitsOnNoPatch(t *testing.T) {
	file := types.NewFileChange("main.go", types.StatusModified, "", 0, 0)
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	analysis, err := Review(context.Background(), file, []types.CodebaseRule{{ID: "r1"}}, []string{"main.go"}, Deps{Sandbox: sb})
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Explanation != types.ExplanationNoPatchFound {
		t.Errorf("got explanation %q", analysis.Explanation)
	}
}

func TestReview_ShortCircuitsOnNoApplicableRules(t *testing.T) {
	file := types.NewFileChange("main.go", types.StatusModified, testPatch, 1, 1)
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	analysis, err := Review(context.Background(), file, nil, []string{"main.go"}, Deps{Sandbox: sb})
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Explanation != types.ExplanationNoApplicableRules {
		t.Errorf("got explanation %q", analysis.Explanation)
	}
}

func TestReview_EndToEndWithComplaintAndValidation(t *testing.T) {
	var calls atomic.Int32

	reviewSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{
						"tool_calls": []map[string]any{
							{"id": "call_1", "type": "function", "function": map[string]any{
								"name": "complaint",
								"arguments": `{"file_path":"main.go","line_start":2,"line_end":2,"line_side":"right",` +
									`"description":"leaves a TODO in committed code","rule_id":"r1"}`,
							}},
						},
					}},
				},
				"usage": map[string]any{"cost": 0.001},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Reviewed; one finding filed."}}},
			"usage":   map[string]any{"cost": 0.0005},
		})
	}))
	defer reviewSrv.Close()

	validatorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"tool_calls": []map[string]any{
						{"id": "call_v1", "type": "function", "function": map[string]any{
							"name":      "report_validation",
							"arguments": `{"is_valid":true,"reasoning":"confirmed against the diff"}`,
						}},
					},
				}},
			},
			"usage": map[string]any{"cost": 0.0002},
		})
	}))
	defer validatorSrv.Close()

	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	file := types.NewFileChange("main.go", types.StatusModified, testPatch, 1, 1)
	rule := types.CodebaseRule{ID: "r1", Name: "no-todo", Body: "Never leave TODOs in committed code.", Includes: []string{"**/*.go"}}

	deps := Deps{
		LLM:       llm.NewClient(reviewSrv.URL, "key"),
		Sandbox:   sb,
		Validator: &validator.Validator{LLM: llm.NewClient(validatorSrv.URL, "key"), Model: "gpt-4o-mini"},
		Model:     "gpt-4o",
	}

	analysis, err := Review(context.Background(), file, []types.CodebaseRule{rule}, []string{"main.go"}, deps)
	if err != nil {
		t.Fatal(err)
	}

	if len(analysis.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %+v", len(analysis.Violations), analysis.Violations)
	}
	v := analysis.Violations[0]
	if v.Rule.ID != "r1" || v.Line.Start != 2 || v.Line.Side != types.SideRight {
		t.Errorf("unexpected violation: %+v", v)
	}
	if v.ValidationReasoning != "confirmed against the diff" {
		t.Errorf("ValidationReasoning = %q", v.ValidationReasoning)
	}
	if analysis.Explanation != "Reviewed; one finding filed." {
		t.Errorf("Explanation = %q", analysis.Explanation)
	}
	if analysis.Cost.USD <= 0 {
		t.Errorf("expected accumulated cost > 0, got %v", analysis.Cost.USD)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 rounds of review completion, got %d", calls.Load())
	}
	if analysis.Model != "gpt-4o" {
		t.Errorf("Model = %q, want %q", analysis.Model, "gpt-4o")
	}
	if analysis.DurationMS < 0 {
		t.Errorf("DurationMS = %d, want >= 0", analysis.DurationMS)
	}
}

func TestReview_RejectsComplaintOnWrongFile(t *testing.T) {
	var calls atomic.Int32
	reviewSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{
						"tool_calls": []map[string]any{
							{"id": "call_1", "type": "function", "function": map[string]any{
								"name": "complaint",
								"arguments": `{"file_path":"wrong.go","line_start":3,"line_end":3,"line_side":"right",` +
									`"description":"irrelevant","rule_id":"r1"}`,
							}},
						},
					}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "done"}}},
		})
	}))
	defer reviewSrv.Close()

	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	file := types.NewFileChange("main.go", types.StatusModified, testPatch, 1, 1)
	rule := types.CodebaseRule{ID: "r1", Includes: []string{"**/*.go"}}

	deps := Deps{LLM: llm.NewClient(reviewSrv.URL, "key"), Sandbox: sb, Model: "gpt-4o"}
	analysis, err := Review(context.Background(), file, []types.CodebaseRule{rule}, []string{"main.go"}, deps)
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.Violations) != 0 {
		t.Errorf("expected no violations recorded for a rejected complaint, got %+v", analysis.Violations)
	}
}
