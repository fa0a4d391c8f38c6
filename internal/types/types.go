// Package types defines the data model shared across the review engine:
// file changes, rules, line references, violations, and per-file results.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Status categorizes how a file changed between the diff base and head.
type Status string

const (
	StatusAdded     Status = "added"
	StatusRemoved   Status = "removed"
	StatusModified  Status = "modified"
	StatusRenamed   Status = "renamed"
	StatusCopied    Status = "copied"
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
)

// FileChange is one file's contribution to a review request. It is
// immutable after construction.
type FileChange struct {
	Filename  string
	Status    Status
	Patch     string // unified diff for this file; empty if none
	Additions int
	Deletions int
	SHA       string // hash of the patch text, not of file content
}

// NewFileChange builds a FileChange, deriving SHA from the patch text.
func NewFileChange(filename string, status Status, patch string, additions, deletions int) FileChange {
	return FileChange{
		Filename:  filename,
		Status:    status,
		Patch:     patch,
		Additions: additions,
		Deletions: deletions,
		SHA:       HashPatch(patch),
	}
}

// HashPatch returns the content-addressed hash of a patch's text.
func HashPatch(patch string) string {
	sum := sha256.Sum256([]byte(patch))
	return hex.EncodeToString(sum[:])
}

// Side identifies which half of a diff a line number belongs to.
type Side string

const (
	SideLeft  Side = "left"  // pre-change (old) line numbers
	SideRight Side = "right" // post-change (new) line numbers
)

// LineReference pins a violation to an inclusive line range on one side of
// a diff.
type LineReference struct {
	Start int
	End   int
	Side  Side
}

// Valid reports whether the reference's bounds are well-formed. It does not
// check validity against any particular patch; see the patch package for
// that.
func (r LineReference) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start && (r.Side == SideLeft || r.Side == SideRight)
}

// CodebaseRule is a user-authored review rule loaded from a markdown file.
type CodebaseRule struct {
	ID         string // hash of (Directory, Name); stable identity
	Name       string
	Body       string // normalized markdown body
	Directory  string // workspace-relative scope, "" or "." means unscoped
	Includes   []string
	SourcePath string // markdown file this rule was loaded from
}

// Violation is a single rule violation pinned to a precise line range,
// created only by the complaint tool and only once accepted by the
// Validator.
type Violation struct {
	Description         string
	Line                LineReference
	Rule                CodebaseRule
	ValidationReasoning string
	IsCached            bool
}

// RejectedViolation records a candidate violation the Validator refused.
type RejectedViolation struct {
	Description string
	Line        LineReference
	Rule        CodebaseRule
	Reasoning   string
}

// Cost accumulates monetary cost across every LLM call made while
// reviewing one file.
type Cost struct {
	USD float64
}

// Add accumulates additional cost.
func (c *Cost) Add(usd float64) {
	c.USD += usd
}

// Explanation tokens used when a file's review short-circuits without
// consulting the LLM.
const (
	ExplanationNoPatchFound      = "NO_PATCH_FOUND"
	ExplanationNoApplicableRules = "NO_APPLICABLE_RULES"
)

// FileAnalysis is the per-file, per-review result.
type FileAnalysis struct {
	Violations         []Violation
	RejectedViolations []RejectedViolation
	Explanation        string
	Rules              []CodebaseRule
	VisitedFiles       []string // sorted, de-duplicated, excludes the file under review
	Cost               Cost
	DurationMS         int64  // wall-clock time spent reviewing this file, including a cache hit's lookup
	Model              string // model id used; empty on a cache hit or a short-circuited skip
}

// NormalizeVisitedFiles sorts and de-duplicates visited, dropping self.
func NormalizeVisitedFiles(visited []string, self string) []string {
	seen := make(map[string]struct{}, len(visited))
	out := make([]string, 0, len(visited))
	for _, v := range visited {
		if v == "" || v == self {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// RuleSetKey returns a stable, sorted, comma-joined identity for a set of
// rule IDs, used as part of the cache key (§4.G).
func RuleSetKey(rules []CodebaseRule) string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	joined := ""
	for i, id := range ids {
		if i > 0 {
			joined += ","
		}
		joined += id
	}
	return joined
}
