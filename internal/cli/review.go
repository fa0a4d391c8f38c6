package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wispbit/revengine/internal/cache"
	"github.com/wispbit/revengine/internal/changesource"
	"github.com/wispbit/revengine/internal/config"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/orchestrator"
	"github.com/wispbit/revengine/internal/review"
	"github.com/wispbit/revengine/internal/rules"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/types"
	"github.com/wispbit/revengine/internal/validator"
)

var reviewCmd = &cobra.Command{
	Use:   "review [base]",
	Short: "Run one review pass against a diff and print violations",
	Long: `Run the rule engine and review loop against a git changeset and
print the resulting violations.

By default, reviews the working tree's HEAD commit against its immediate
parent. Optionally specify a base branch or commit to diff against.

Examples:
  revengine review                # HEAD vs its parent
  revengine review main           # current branch vs main
  revengine review --stat         # print change stats only, non-interactive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReview,
}

func init() {
	reviewCmd.Flags().StringP("config", "c", "", "path to config YAML (required unless --stat)")
	reviewCmd.Flags().StringP("format", "f", "text", "output format: text, json, markdown")
	reviewCmd.Flags().Bool("stat", false, "print change stats and exit, without running the review")
}

func runReview(cmd *cobra.Command, args []string) error {
	repoDir, err := gitRepoRoot()
	if err != nil {
		return fmt.Errorf("not in a git repository (or git not installed): %w", err)
	}

	var base string
	if len(args) == 1 {
		base = args[0]
	}

	src := changesource.New(repoDir)
	snapshot, err := src.Load(base)
	if err != nil {
		return fmt.Errorf("loading changeset: %w", err)
	}

	if len(snapshot.Files) == 0 {
		fmt.Println("No changes to review.")
		return nil
	}

	stat, _ := cmd.Flags().GetBool("stat")
	if stat {
		return printStat(snapshot.Files)
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load[config.Config](configPath)
	if err != nil {
		return err
	}

	codebaseRules, err := rules.Discover(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("discovering rules: %w", err)
	}

	sb, err := sandbox.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	var val *validator.Validator
	if cfg.Validator.Model != "" {
		val = &validator.Validator{
			LLM:   llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey),
			Model: cfg.Validator.Model,
		}
	}

	// review's own result output (text/json/markdown) goes to stdout, so
	// operational log lines are kept on stderr to avoid interleaving with it.
	logger := config.NewLogger(cfg.Log, os.Stderr)

	var reviewCache *cache.Cache
	if !cfg.Cache.Disabled {
		reviewCache, err = cache.Open(cfg.Cache.Path, cfg.Workspace.Root)
		if err != nil {
			return fmt.Errorf("opening review cache: %w", err)
		}
		defer reviewCache.Close()
	}

	changedFiles := make([]string, len(snapshot.Files))
	for i, f := range snapshot.Files {
		changedFiles[i] = f.Filename
	}

	o := orchestrator.New(cfg.Concurrency, orchestrator.Hooks{})
	o.Logger = logger
	results, err := o.Run(context.Background(), snapshot.Files, func(ctx context.Context, file types.FileChange) (types.FileAnalysis, orchestrator.SkipReason, error) {
		var applicable []types.CodebaseRule
		for _, rule := range codebaseRules {
			if rules.MatchesInclude(rule, file.Filename) {
				applicable = append(applicable, rule)
			}
		}
		if len(applicable) == 0 {
			return types.FileAnalysis{Explanation: types.ExplanationNoApplicableRules}, orchestrator.SkipNoMatchingRules, nil
		}

		if reviewCache != nil {
			start := time.Now()
			violations, hit, err := reviewCache.Lookup(file.Filename, file.SHA, applicable)
			if err != nil {
				logger.Warn("cache lookup failed, treating as miss", "file", file.Filename, "err", err)
			} else if hit {
				return types.FileAnalysis{Violations: violations, Rules: applicable, DurationMS: time.Since(start).Milliseconds()}, orchestrator.SkipCached, nil
			}
		}

		deps := review.Deps{LLM: llmClient, Sandbox: sb, Validator: val, Model: cfg.LLM.Model, Logger: logger}
		analysis, err := review.Review(ctx, file, applicable, changedFiles, deps)
		if err != nil {
			return types.FileAnalysis{}, orchestrator.SkipError, err
		}

		if reviewCache != nil {
			if err := reviewCache.Write(file.Filename, file.SHA, applicable, analysis.Violations, analysis.VisitedFiles, analysis.Cost.USD); err != nil {
				logger.Warn("cache write failed", "file", file.Filename, "err", err)
			}
		}
		return analysis, orchestrator.SkipNone, nil
	})
	if err != nil {
		return fmt.Errorf("review aborted: %w", err)
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		return outputJSON(results)
	case "markdown":
		return outputMarkdown(results)
	default:
		return outputText(results)
	}
}

func printStat(files []types.FileChange) error {
	var added, deleted int
	for _, f := range files {
		added += f.Additions
		deleted += f.Deletions
	}
	fmt.Printf("%d file(s) changed, %d insertions(+), %d deletions(-)\n\n", len(files), added, deleted)
	for _, f := range files {
		status := "M"
		switch f.Status {
		case types.StatusAdded:
			status = "A"
		case types.StatusRemoved:
			status = "D"
		case types.StatusRenamed:
			status = "R"
		}
		fmt.Printf("  %s %-50s +%-4d -%d\n", status, f.Filename, f.Additions, f.Deletions)
	}
	return nil
}

func outputText(results []orchestrator.Result) error {
	total := 0
	for _, r := range results {
		total += len(r.Analysis.Violations)
	}
	fmt.Printf("%d file(s) reviewed, %d violation(s)\n\n", len(results), total)

	if total == 0 {
		fmt.Println("No issues found.")
		return nil
	}

	for _, r := range results {
		if len(r.Analysis.Violations) == 0 {
			continue
		}
		fmt.Printf("  %s\n", r.File.Filename)
		for _, v := range r.Analysis.Violations {
			fmt.Printf("    [%s] line %d-%d (%s): %s\n", v.Rule.Name, v.Line.Start, v.Line.End, v.Line.Side, v.Description)
		}
		fmt.Println()
	}
	return nil
}

func outputJSON(results []orchestrator.Result) error {
	type jsonViolation struct {
		File        string `json:"file"`
		Rule        string `json:"rule"`
		Description string `json:"description"`
		LineStart   int    `json:"line_start"`
		LineEnd     int    `json:"line_end"`
		LineSide    string `json:"line_side"`
	}
	type jsonOutput struct {
		FilesReviewed int             `json:"files_reviewed"`
		Violations    []jsonViolation `json:"violations"`
	}

	out := jsonOutput{FilesReviewed: len(results)}
	for _, r := range results {
		for _, v := range r.Analysis.Violations {
			out.Violations = append(out.Violations, jsonViolation{
				File:        r.File.Filename,
				Rule:        v.Rule.Name,
				Description: v.Description,
				LineStart:   v.Line.Start,
				LineEnd:     v.Line.End,
				LineSide:    string(v.Line.Side),
			})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func outputMarkdown(results []orchestrator.Result) error {
	total := 0
	for _, r := range results {
		total += len(r.Analysis.Violations)
	}

	fmt.Printf("## Review Report\n\n")
	fmt.Printf("**%d file(s)** reviewed, **%d** violation(s) found\n\n", len(results), total)

	if total == 0 {
		fmt.Println("No issues found.")
		return nil
	}

	fmt.Println("| File | Rule | Line | Description |")
	fmt.Println("|------|------|------|--------------|")
	for _, r := range results {
		for _, v := range r.Analysis.Violations {
			fmt.Printf("| `%s` | %s | %d-%d (%s) | %s |\n", r.File.Filename, v.Rule.Name, v.Line.Start, v.Line.End, v.Line.Side, v.Description)
		}
	}
	return nil
}

func gitRepoRoot() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
