// Package diff handles parsing git diffs into structured representations.
package diff

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// File represents a single file in a diff with its parsed fragments.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Name returns the display name for the file.
func (f *File) Name() string {
	if f.IsRenamed {
		return fmt.Sprintf("%s → %s", f.OldName, f.NewName)
	}
	if f.IsNew {
		return f.NewName
	}
	if f.IsDeleted {
		return f.OldName
	}
	if f.NewName != "" {
		return f.NewName
	}
	return f.OldName
}

// DiffSet holds the parsed diff for all files.
type DiffSet struct {
	Files []*File
	Raw   string // the raw unified diff text
}

// Stats returns aggregate statistics.
func (ds *DiffSet) Stats() (files, added, deleted int) {
	files = len(ds.Files)
	for _, f := range ds.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Parse reads a unified diff string and returns a DiffSet.
func Parse(raw string) (*DiffSet, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	ds := &DiffSet{Raw: raw}
	for _, f := range parsed {
		df := &File{
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			IsRenamed: f.IsRename,
			IsBinary:  f.IsBinary,
		}

		if f.OldName != "" {
			df.OldName = f.OldName
		}
		if f.NewName != "" {
			df.NewName = f.NewName
		}

		for _, frag := range f.TextFragments {
			df.Fragments = append(df.Fragments, frag)
			for _, line := range frag.Lines {
				switch line.Op {
				case gitdiff.OpAdd:
					df.AddedLines++
				case gitdiff.OpDelete:
					df.DeletedLines++
				}
			}
		}

		ds.Files = append(ds.Files, df)
	}

	return ds, nil
}

// GitDiff runs `git diff` with the given arguments and returns the raw output.
func GitDiff(repoDir string, args ...string) (string, error) {
	return runGit(repoDir, append([]string{"diff"}, args...)...)
}

// GitDiffHead returns the diff of HEAD against its parent.
func GitDiffHead(repoDir string, contextLines int) (string, error) {
	return GitDiff(repoDir, fmt.Sprintf("-U%d", contextLines), "HEAD~1", "HEAD")
}

// GitDiffRange returns the diff for a commit range like "main...HEAD".
func GitDiffRange(repoDir string, commitRange string, contextLines int) (string, error) {
	return GitDiff(repoDir, fmt.Sprintf("-U%d", contextLines), commitRange)
}

// GitRevParse resolves rev (e.g. "HEAD" or "--abbrev-ref HEAD") to its
// output, trimmed of surrounding whitespace.
func GitRevParse(repoDir string, args ...string) (string, error) {
	out, err := runGit(repoDir, append([]string{"rev-parse"}, args...)...)
	return strings.TrimSpace(out), err
}

// GitMergeBase resolves the merge base of a and b.
func GitMergeBase(repoDir, a, b string) (string, error) {
	out, err := runGit(repoDir, "merge-base", a, b)
	return strings.TrimSpace(out), err
}

// GitShowFile returns the content of path as it existed at rev, or an
// error if rev or path does not exist.
func GitShowFile(repoDir, rev, path string) (string, error) {
	return runGit(repoDir, "show", rev+":"+path)
}

func runGit(repoDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// RenderFragments rebuilds the unified-diff body for a file's parsed
// fragments: one "@@ ... @@" header per fragment, followed by its
// lines with the appropriate +/-/space prefix.
func RenderFragments(fragments []*gitdiff.TextFragment) string {
	var b strings.Builder
	for _, frag := range fragments {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", frag.OldPosition, frag.OldLines, frag.NewPosition, frag.NewLines)
		for _, line := range frag.Lines {
			switch line.Op {
			case gitdiff.OpAdd:
				b.WriteString("+" + line.Line)
			case gitdiff.OpDelete:
				b.WriteString("-" + line.Line)
			default:
				b.WriteString(" " + line.Line)
			}
			if !strings.HasSuffix(line.Line, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
