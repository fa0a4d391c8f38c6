// Package sandbox implements the Sandboxed Tool Executor: a
// workspace-root-confined view of the filesystem exposed to the LLM as a
// small set of read-only inspection tools, plus the complaint sink that
// turns a model-proposed finding into a candidate violation.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wispbit/revengine/internal/apperr"
	"github.com/wispbit/revengine/internal/patch"
	"github.com/wispbit/revengine/internal/types"
)

// GrepTimeout bounds how long grep_search may run before its child
// process is killed.
const GrepTimeout = 30 * time.Second

var excludedWalkDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	".cache":       true,
}

// Sandbox confines every path operation to a single workspace root.
type Sandbox struct {
	root string
}

// New resolves root to an absolute path and returns a Sandbox rooted
// there.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Root returns the sandbox's absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

// safePath resolves a workspace-relative path against the root, rejecting
// it if the resolved absolute path is not the root itself or a
// descendant.
func (s *Sandbox) safePath(rel string) (string, error) {
	cleanedRel := filepath.Clean(filepath.FromSlash(rel))
	abs := filepath.Join(s.root, cleanedRel)
	abs, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", apperr.NewInputError("target_file", "path escapes the workspace root")
	}
	return abs, nil
}

// ReadFile implements read_file. When readEntire is true the full file
// content is returned. Otherwise start and end (both 1-indexed,
// inclusive, start<=end) select a line range; lines outside that range
// are replaced with an omission placeholder on each side that has any.
func (s *Sandbox) ReadFile(target string, start, end int, readEntire bool) (string, error) {
	abs, err := s.safePath(target)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NewNotFoundError(target)
		}
		return "", err
	}

	if readEntire {
		return string(data), nil
	}
	if start < 1 || end < start {
		return "", apperr.NewInputError("start", "must satisfy 1 <= start <= end")
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	selStart := start
	selEnd := end
	if selStart > total {
		selStart = total + 1
	}
	if selEnd > total {
		selEnd = total
	}

	var out strings.Builder
	if selStart > 1 {
		fmt.Fprintf(&out, "[Lines 1-%d omitted]\n", selStart-1)
	}
	if selStart <= selEnd {
		out.WriteString(strings.Join(lines[selStart-1:selEnd], "\n"))
		out.WriteByte('\n')
	}
	if selEnd < total {
		fmt.Fprintf(&out, "[Lines %d-%d omitted]\n", selEnd+1, total)
	}

	return strings.TrimSuffix(out.String(), "\n"), nil
}

// ListDir implements list_dir.
func (s *Sandbox) ListDir(relPath string) (files, directories []string, path string, err error) {
	abs, err := s.safePath(relPath)
	if err != nil {
		return nil, nil, "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", apperr.NewNotFoundError(relPath)
		}
		return nil, nil, "", err
	}
	if !info.IsDir() {
		return nil, nil, "", apperr.NewInputError("relative_workspace_path", "not a directory")
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, nil, "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			directories = append(directories, e.Name())
		} else {
			if _, statErr := e.Info(); statErr != nil {
				continue
			}
			files = append(files, e.Name())
		}
	}

	return files, directories, relPath, nil
}

// GrepMatch is one matched line surfaced by grep_search.
type GrepMatch struct {
	File    string
	Line    int
	Content string
}

const grepMaxMatches = 50

// GrepSearch implements grep_search by shelling out to an external
// ripgrep-compatible binary via an explicit argv vector. It never builds a
// shell command string. The child process is killed if it runs past
// GrepTimeout.
func (s *Sandbox) GrepSearch(ctx context.Context, query, includePattern, excludePattern string, caseSensitive bool) ([]GrepMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, GrepTimeout)
	defer cancel()

	args := []string{
		"--no-config",
		"--line-number",
		"--color=never",
		"--max-columns=300",
		"--max-filesize=1M",
		"--max-count=50",
	}
	if !caseSensitive {
		args = append(args, "-i")
	}
	if includePattern != "" {
		args = append(args, "-g", includePattern)
	}
	if excludePattern != "" {
		args = append(args, "-g", "!"+excludePattern)
	}
	args = append(args, query, s.root)

	cmd := exec.CommandContext(ctx, "rg", args...)
	cmd.Env = sanitizedEnv()
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, apperr.NewExternalToolError("rg", fmt.Errorf("timed out after %s", GrepTimeout))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 && strings.TrimSpace(stderr.String()) == "" {
			return nil, nil // no matches
		}
		return nil, apperr.NewExternalToolError("rg", fmt.Errorf("%w: %s", err, stderr.String()))
	}

	var matches []GrepMatch
	scanner := bufio.NewScanner(strings.NewReader(stdout.String()))
	for scanner.Scan() {
		if len(matches) >= grepMaxMatches {
			break
		}
		m, ok := parseGrepLine(scanner.Text(), s.root)
		if ok {
			matches = append(matches, m)
		}
	}

	return matches, nil
}

// sanitizedEnv returns the process environment for the ripgrep child with
// any inherited RIPGREP_CONFIG_PATH removed, so user/CI config can't
// change matching behavior underneath the sandbox.
func sanitizedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "RIPGREP_CONFIG_PATH=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// parseGrepLine parses one "file:lineNumber:content" line from ripgrep
// output and re-relativizes the file path against root.
func parseGrepLine(line, root string) (GrepMatch, bool) {
	first := strings.IndexByte(line, ':')
	if first < 0 {
		return GrepMatch{}, false
	}
	rest := line[first+1:]
	second := strings.IndexByte(rest, ':')
	if second < 0 {
		return GrepMatch{}, false
	}

	file := line[:first]
	lineNumStr := rest[:second]
	content := rest[second+1:]

	lineNum, err := strconv.Atoi(lineNumStr)
	if err != nil {
		return GrepMatch{}, false
	}

	rel, err := filepath.Rel(root, file)
	if err != nil {
		rel = file
	}

	return GrepMatch{File: filepath.ToSlash(rel), Line: lineNum, Content: content}, true
}

// GlobSearch implements glob_search: walks files under path (defaulting
// to the workspace root) matching pattern, skipping dependency/VCS
// directories, and returns matches sorted by modification time, newest
// first.
func (s *Sandbox) GlobSearch(pattern, path string) ([]string, error) {
	base := s.root
	if path != "" {
		abs, err := s.safePath(path)
		if err != nil {
			return nil, err
		}
		base = abs
	}

	type found struct {
		rel     string
		modTime time.Time
	}
	var results []found

	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if excludedWalkDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return err
		}
		if !ok {
			ok, _ = doublestar.Match(pattern, filepath.Base(rel))
		}
		if ok {
			results = append(results, found{rel: rel, modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].modTime.After(results[j].modTime)
	})

	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.rel
	}
	return out, nil
}

// ComplaintRequest is the raw, unvalidated argument set a model's
// complaint tool call carries.
type ComplaintRequest struct {
	FilePath    string
	LineStart   int
	LineEnd     int
	LineSide    types.Side
	Description string
	RuleID      string
}

// Complaint validates a candidate violation and, if accepted, returns it
// pinned against the matched rule. fileUnderReview, applicableRules, and
// patchText scope the validation to the file currently being reviewed.
//
// Rejections: the file path isn't the file under review; the rule id
// isn't in the applicable set; the line numbers are missing or
// non-integer; or the line reference isn't valid for the file's patch.
func Complaint(req ComplaintRequest, fileUnderReview string, applicableRules []types.CodebaseRule, patchText string) (types.Violation, error) {
	if req.FilePath != fileUnderReview {
		return types.Violation{}, apperr.NewInputError("file_path", "must be the file under review")
	}

	var matched *types.CodebaseRule
	for i := range applicableRules {
		if applicableRules[i].ID == req.RuleID {
			matched = &applicableRules[i]
			break
		}
	}
	if matched == nil {
		return types.Violation{}, apperr.NewInputError("rule_id", "not in the applicable rule set for this file")
	}

	if req.LineStart == 0 || req.LineEnd == 0 {
		return types.Violation{}, apperr.NewInputError("line_start/line_end", "missing or non-integer")
	}

	ref := types.LineReference{Start: req.LineStart, End: req.LineEnd, Side: req.LineSide}
	if !ref.Valid() || !patch.IsLineReferenceValidForPatch(ref, patchText) {
		return types.Violation{}, apperr.NewInputError("line_start/line_end", "not a valid line reference for this file's patch")
	}

	return types.Violation{
		Description: req.Description,
		Line:        ref,
		Rule:        *matched,
	}, nil
}
