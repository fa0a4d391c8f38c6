package api

import (
	"context"
	"net/http"
	"time"

	"github.com/wispbit/revengine/internal/orchestrator"
	"github.com/wispbit/revengine/internal/review"
	"github.com/wispbit/revengine/internal/rules"
	"github.com/wispbit/revengine/internal/types"
)

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Review ---

type reviewRequest struct {
	Files         []fileChangeJSON `json:"files"`
	RulesRoot     string           `json:"rules_root"`
	WorkspaceRoot string           `json:"workspace_root"`
}

type fileChangeJSON struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type reviewResponse struct {
	Violations []violationJSON `json:"violations"`
	Stats      reviewStatsJSON `json:"stats"`
}

type violationJSON struct {
	File                string `json:"file"`
	Description         string `json:"description"`
	LineStart           int    `json:"line_start"`
	LineEnd             int    `json:"line_end"`
	LineSide            string `json:"line_side"`
	RuleID              string `json:"rule_id"`
	RuleName            string `json:"rule_name"`
	ValidationReasoning string `json:"validation_reasoning,omitempty"`
	IsCached            bool   `json:"is_cached,omitempty"`
}

type reviewStatsJSON struct {
	FilesReviewed int     `json:"files_reviewed"`
	Violations    int     `json:"violations"`
	CostUSD       float64 `json:"cost_usd"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.Files) == 0 {
		s.writeError(w, http.StatusBadRequest, "files is required")
		return
	}

	rulesRoot := req.RulesRoot
	if rulesRoot == "" {
		rulesRoot = req.WorkspaceRoot
	}
	codebaseRules, err := rules.Discover(rulesRoot)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "discovering rules: "+err.Error())
		return
	}

	files := make([]types.FileChange, len(req.Files))
	changedFilenames := make([]string, len(req.Files))
	for i, f := range req.Files {
		files[i] = types.NewFileChange(f.Filename, types.Status(f.Status), f.Patch, f.Additions, f.Deletions)
		changedFilenames[i] = f.Filename
	}

	o := orchestrator.New(s.deps.Concurrency, orchestrator.Hooks{})
	o.Logger = s.logger()
	results, err := o.Run(r.Context(), files, s.reviewOneFile(codebaseRules, changedFilenames))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "review aborted: "+err.Error())
		return
	}

	resp := reviewResponse{}
	for _, res := range results {
		resp.Stats.FilesReviewed++
		resp.Stats.CostUSD += res.Analysis.Cost.USD
		for _, v := range res.Analysis.Violations {
			resp.Violations = append(resp.Violations, toViolationJSON(res.File.Filename, v))
		}
	}
	resp.Stats.Violations = len(resp.Violations)

	s.writeJSON(w, http.StatusOK, resp)
}

// reviewOneFile closes over the shared rule set and dispatches one
// Review Loop run per file, matching orchestrator.ReviewFunc. A Review
// Cache lookup precedes the Review Loop and a write follows a cache miss
// that completed without error; cache errors are logged and treated as a
// miss rather than failing the file's review.
func (s *Server) reviewOneFile(allRules []types.CodebaseRule, changedFiles []string) orchestrator.ReviewFunc {
	return func(ctx context.Context, file types.FileChange) (types.FileAnalysis, orchestrator.SkipReason, error) {
		var applicable []types.CodebaseRule
		for _, rule := range allRules {
			if rules.MatchesInclude(rule, file.Filename) {
				applicable = append(applicable, rule)
			}
		}
		if len(applicable) == 0 {
			return types.FileAnalysis{Explanation: types.ExplanationNoApplicableRules}, orchestrator.SkipNoMatchingRules, nil
		}

		if s.deps.Cache != nil {
			start := time.Now()
			violations, hit, err := s.deps.Cache.Lookup(file.Filename, file.SHA, applicable)
			if err != nil {
				s.logger().Warn("cache lookup failed, treating as miss", "file", file.Filename, "err", err)
			} else if hit {
				return types.FileAnalysis{Violations: violations, Rules: applicable, DurationMS: time.Since(start).Milliseconds()}, orchestrator.SkipCached, nil
			}
		}

		deps := review.Deps{
			LLM:       s.deps.LLM,
			Sandbox:   s.deps.Sandbox,
			Validator: s.deps.Validator,
			Model:     s.deps.Model,
			Logger:    s.logger(),
		}
		analysis, err := review.Review(ctx, file, applicable, changedFiles, deps)
		if err != nil {
			return types.FileAnalysis{}, orchestrator.SkipError, err
		}

		if s.deps.Cache != nil {
			if err := s.deps.Cache.Write(file.Filename, file.SHA, applicable, analysis.Violations, analysis.VisitedFiles, analysis.Cost.USD); err != nil {
				s.logger().Warn("cache write failed", "file", file.Filename, "err", err)
			}
		}
		return analysis, orchestrator.SkipNone, nil
	}
}

func toViolationJSON(file string, v types.Violation) violationJSON {
	return violationJSON{
		File:                file,
		Description:         v.Description,
		LineStart:           v.Line.Start,
		LineEnd:             v.Line.End,
		LineSide:            string(v.Line.Side),
		RuleID:              v.Rule.ID,
		RuleName:            v.Rule.Name,
		ValidationReasoning: v.ValidationReasoning,
		IsCached:            v.IsCached,
	}
}
