// Package rules implements the Rule Engine: discovering rule files under
// a `.wispbit/rules` subtree, parsing their frontmatter and body, and
// matching a rule's include/exclude patterns against a candidate file
// path.
package rules

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wispbit/revengine/internal/types"
)

// skipDirs mirrors the directory-pruning set used by directory-walk
// discovery elsewhere in the ecosystem: hidden directories and common
// dependency/build directories are never descended into.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	".git":         true,
	".hg":          true,
	".svn":         true,
	"dist":         true,
	"build":        true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

const rulesSubtree = ".wispbit/rules"

var headingGlyphs = []rune{'✅', '❌', '✓', '✗', '❎'}

// Discover walks root and loads every markdown file under any
// `.wispbit/rules` directory it finds. A rule's Directory is set to the
// workspace-relative path of the directory containing `.wispbit`.
func Discover(root string) ([]types.CodebaseRule, error) {
	var out []types.CodebaseRule

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if path != root && (strings.HasPrefix(base, ".") && base != ".wispbit") {
			return filepath.SkipDir
		}
		if skipDirs[base] {
			return filepath.SkipDir
		}

		if filepath.Base(filepath.Dir(path)) == ".wispbit" && base == "rules" {
			owner := filepath.Dir(filepath.Dir(path))
			rel, err := filepath.Rel(root, owner)
			if err != nil {
				return err
			}
			if rel == "." {
				rel = ""
			}
			loaded, err := loadRulesDir(path, filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			out = append(out, loaded...)
			return filepath.SkipDir
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func loadRulesDir(dir, directory string) ([]types.CodebaseRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []types.CodebaseRule
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		rule, err := parseRule(string(data), name, directory, path)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// RuleID returns the stable identifier for a rule: a hash of its
// (directory, name) pair.
func RuleID(directory, name string) string {
	sum := sha256.Sum256([]byte(directory + "\x00" + name))
	return hex.EncodeToString(sum[:])
}

func parseRule(raw, name, directory, sourcePath string) (types.CodebaseRule, error) {
	frontmatter, body := splitFrontmatter(raw)
	includes := parseIncludes(frontmatter)
	body = normalizeBody(body)

	return types.CodebaseRule{
		ID:         RuleID(directory, name),
		Name:       name,
		Body:       body,
		Directory:  directory,
		Includes:   includes,
		SourcePath: sourcePath,
	}, nil
}

// splitFrontmatter separates a leading "---"..."---" YAML-like block from
// the remaining body. If there is no well-formed leading block, the whole
// input is treated as body.
func splitFrontmatter(raw string) (frontmatter, body string) {
	lines := strings.Split(raw, "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != "---" {
		return "", raw
	}

	start := i + 1
	end := -1
	for j := start; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "---" {
			end = j
			break
		}
	}
	if end == -1 {
		return "", raw
	}

	frontmatter = strings.Join(lines[start:end], "\n")
	body = strings.Join(lines[end+1:], "\n")
	return frontmatter, body
}

// parseIncludes reads the `include:` key from a frontmatter block and
// splits its value into individual patterns, respecting brace expansions
// and quoted segments as non-separator regions.
func parseIncludes(frontmatter string) []string {
	if frontmatter == "" {
		return nil
	}

	scanner := bufio.NewScanner(strings.NewReader(frontmatter))
	var value string
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "include:") {
			value = strings.TrimSpace(strings.TrimPrefix(trimmed, "include:"))
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	value = strings.Trim(value, `"'`)
	return splitPatternList(value)
}

// splitPatternList splits a comma-separated pattern list, treating commas
// inside `{...}` brace groups or `"..."`/`'...'` quoted segments as part
// of the token rather than separators.
func splitPatternList(value string) []string {
	var out []string
	var cur strings.Builder

	depth := 0
	var quote rune

	flush := func() {
		tok := strings.TrimSpace(cur.String())
		tok = strings.Trim(tok, `"'`)
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
		cur.Reset()
	}

	for _, r := range value {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == '{':
			depth++
			cur.WriteRune(r)
		case r == '}':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(r)
		case r == ',' && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	return out
}

// normalizeBody strips a single leading H1-H3 heading (after any leading
// blank lines) and removes the five glyph code points rule authors use as
// visual checkmarks.
func normalizeBody(body string) string {
	lines := strings.Split(body, "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i < len(lines) && isHeading(lines[i]) {
		lines = append(lines[:i], lines[i+1:]...)
	}

	out := strings.Join(lines, "\n")
	for _, g := range headingGlyphs {
		out = strings.ReplaceAll(out, string(g), "")
	}
	return strings.TrimLeft(out, "\n")
}

func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range []string{"### ", "## ", "# "} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// MatchesInclude reports whether a workspace-relative filepath is matched
// by rule's include patterns, applying directory scoping, positive/
// negative pattern algebra, and brace-expanding `**`-aware glob matching.
func MatchesInclude(rule types.CodebaseRule, filePath string) bool {
	patterns := rescopePatterns(rule.Directory, rule.Includes)

	var positives, negatives []string
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			negatives = append(negatives, strings.TrimPrefix(p, "!"))
		} else {
			positives = append(positives, p)
		}
	}

	included := len(positives) == 0
	for _, p := range positives {
		if globMatch(p, filePath) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, n := range negatives {
		if globMatch(n, filePath) {
			return false
		}
	}
	return true
}

// rescopePatterns rewrites each pattern to be rooted under dir, unless the
// pattern is already absolute or already starts with dir.
func rescopePatterns(dir string, patterns []string) []string {
	if dir == "" || dir == "." {
		return patterns
	}

	out := make([]string, len(patterns))
	for i, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		bare := strings.TrimPrefix(p, "!")

		if filepath.IsAbs(bare) || strings.HasPrefix(bare, dir+"/") || bare == dir {
			out[i] = p
			continue
		}

		scoped := dir + "/" + bare
		if neg {
			scoped = "!" + scoped
		}
		out[i] = scoped
	}
	return out
}

// globMatch matches a filepath against a glob pattern with brace
// expansion, `**` support, case-insensitive comparison, dotfile matching,
// and base-name fallback. A pattern with a bare `*` but no `**` is
// upgraded to cross directory separators, since doublestar otherwise
// treats `*` (and a `**` that is not a whole path segment) as stopping
// at `/`.
func globMatch(pattern, filePath string) bool {
	filePath = filepath.ToSlash(filePath)
	pattern = filepath.ToSlash(pattern)

	normPattern := strings.ToLower(pattern)
	normPath := strings.ToLower(filePath)

	for _, p := range expandUpgraded(normPattern) {
		if ok, _ := doublestar.Match(p, normPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, filepath.Base(normPath)); ok {
			return true
		}
	}
	return false
}

// expandUpgraded brace-expands pattern and, for each result lacking `**`
// but containing `*`, also produces a variant with a `**/` segment
// inserted before the path segment holding the first `*`.
func expandUpgraded(pattern string) []string {
	bases := bracesExpand(pattern)
	var out []string
	for _, b := range bases {
		out = append(out, b)
		if !strings.Contains(b, "**") && strings.Contains(b, "*") {
			star := strings.IndexByte(b, '*')
			seg := strings.LastIndexByte(b[:star], '/') + 1
			out = append(out, b[:seg]+"**/"+b[seg:])
		}
	}
	return out
}

// bracesExpand performs shell-style brace expansion ("a/{b,c}/d" ->
// ["a/b/d", "a/c/d"]), handling a single (non-nested) group per call site
// since rule-author patterns are simple path-like globs.
func bracesExpand(pattern string) []string {
	start := strings.IndexByte(pattern, '{')
	if start == -1 {
		return []string{pattern}
	}
	end := strings.IndexByte(pattern[start:], '}')
	if end == -1 {
		return []string{pattern}
	}
	end += start

	prefix := pattern[:start]
	suffix := pattern[end+1:]
	options := strings.Split(pattern[start+1:end], ",")

	var out []string
	for _, opt := range options {
		for _, rest := range bracesExpand(prefix + opt + suffix) {
			out = append(out, rest)
		}
	}
	return out
}
