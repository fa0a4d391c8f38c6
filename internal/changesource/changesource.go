// Package changesource adapts a local git checkout into the FileChange
// set an Orchestrator run works over.
package changesource

import (
	"fmt"
	"strings"

	"github.com/wispbit/revengine/internal/diff"
	"github.com/wispbit/revengine/internal/types"
)

// ContextLines is the unified-diff context width requested from git.
const ContextLines = 3

// Snapshot is the result of reading one changeset: the files that
// changed, the branches/commits the diff spans, and the revision each
// side resolved to.
type Snapshot struct {
	Files         []types.FileChange
	CurrentBranch string
	CurrentCommit string
	DiffBranch    string
	DiffCommit    string
}

// Source reads changesets out of a local git repository.
type Source struct {
	RepoDir string
}

// New returns a Source rooted at repoDir.
func New(repoDir string) *Source {
	return &Source{RepoDir: repoDir}
}

// Load diffs HEAD against base (as base...HEAD) and returns the resulting
// Snapshot; uncommitted working-tree changes are not included.
// base == "" diffs HEAD against its immediate parent, matching a
// single-commit review.
func (s *Source) Load(base string) (Snapshot, error) {
	currentBranch, err := diff.GitRevParse(s.RepoDir, "--abbrev-ref", "HEAD")
	if err != nil {
		return Snapshot{}, fmt.Errorf("changesource: resolve current branch: %w", err)
	}
	currentCommit, err := diff.GitRevParse(s.RepoDir, "HEAD")
	if err != nil {
		return Snapshot{}, fmt.Errorf("changesource: resolve current commit: %w", err)
	}

	diffBranch := base
	var raw string
	if base == "" {
		diffBranch = currentBranch
		raw, err = diff.GitDiffHead(s.RepoDir, ContextLines)
	} else {
		raw, err = diff.GitDiffRange(s.RepoDir, base+"...HEAD", ContextLines)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("changesource: git diff: %w", err)
	}

	other := base
	if other == "" {
		other = "HEAD~1"
	}
	diffCommit, err := diff.GitMergeBase(s.RepoDir, other, currentCommit)
	if err != nil {
		diffCommit = currentCommit // no earlier history (e.g. the repo's first commit).
	}

	files, err := s.buildFileChanges(raw, diffCommit)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Files:         files,
		CurrentBranch: currentBranch,
		CurrentCommit: currentCommit,
		DiffBranch:    diffBranch,
		DiffCommit:    diffCommit,
	}, nil
}

func (s *Source) buildFileChanges(raw, mergeBase string) ([]types.FileChange, error) {
	ds, err := diff.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("changesource: %w", err)
	}

	var out []types.FileChange
	for _, f := range ds.Files {
		status := statusOf(f)
		filename := f.NewName
		if filename == "" {
			filename = f.OldName
		}

		if f.IsDeleted {
			patch := s.deletedFilePseudoPatch(f.OldName, mergeBase)
			out = append(out, types.NewFileChange(filename, status, patch, 0, deletionCount(patch)))
			continue
		}

		patchText := diff.RenderFragments(f.Fragments)
		out = append(out, types.NewFileChange(filename, status, patchText, f.AddedLines, f.DeletedLines))
	}

	return out, nil
}

func statusOf(f *diff.File) types.Status {
	switch {
	case f.IsNew:
		return types.StatusAdded
	case f.IsDeleted:
		return types.StatusRemoved
	case f.IsRenamed:
		return types.StatusRenamed
	default:
		return types.StatusModified
	}
}

func deletionCount(patch string) int {
	n := 0
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			n++
		}
	}
	return n
}

// deletedFilePseudoPatch reconstructs a deleted file's last-known
// content at mergeBase and renders it as a fully-"-"-prefixed pseudo
// patch, so downstream analyzers see a deletion as a change touching
// every line rather than as a file with no patch at all. If the file
// did not exist at mergeBase either, no pseudo patch is possible and
// the empty string is returned.
func (s *Source) deletedFilePseudoPatch(path, mergeBase string) string {
	content, err := diff.GitShowFile(s.RepoDir, mergeBase, path)
	if err != nil {
		return ""
	}

	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@@ -1,%d +0,0 @@\n", len(lines))
	for _, l := range lines {
		b.WriteString("-" + l + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
