// Package patch implements the Patch Analyzer: parsing unified diffs,
// computing per-side line mappings, validating candidate line references,
// extracting surrounding hunks with context, splitting a hunk into
// additions-only/deletions-only projections, and rendering line-numbered
// patches.
//
// This operates directly on a single file's raw unified-diff text rather
// than through a general-purpose diff library, because the operations it
// exposes — exact line-reference validity against changed lines, hunk
// re-extraction with recomputed headers, additions/deletions projection
// with hunk-count recompute — are bespoke to this engine; no diff library
// in use elsewhere in this module exposes them.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wispbit/revengine/internal/types"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// op identifies the kind of a single diff line within a hunk.
type op byte

const (
	opContext op = ' '
	opAdd     op = '+'
	opDelete  op = '-'
)

// hunkLine is one line inside a hunk, annotated with its position on each
// side at the moment it's encountered (before that side's cursor advances
// past it). Context and delete lines have a real OldPos; context and add
// lines have a real NewPos. Add lines carry the old cursor's current value
// (their "insertion point") and delete lines carry the new cursor's
// current value, matching conventional unified-diff header semantics.
type hunkLine struct {
	op      op
	content string
	oldPos  int
	newPos  int
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []hunkLine
}

// splitLines splits patch text into lines, dropping a single trailing
// empty element produced when the text ends with "\n" (that's the file's
// trailing newline, not an extra blank line).
func splitLines(patch string) []string {
	if patch == "" {
		return nil
	}
	lines := strings.Split(patch, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseHunks walks the raw lines of a patch and returns its hunks in file
// order. Lines before the first "@@" header are ignored.
func parseHunks(patch string) []hunk {
	lines := splitLines(patch)
	var hunks []hunk

	i := 0
	for i < len(lines) {
		m := hunkHeaderRe.FindStringSubmatch(lines[i])
		if m == nil {
			i++
			continue
		}
		h := hunk{
			oldStart: atoiDefault(m[1], 1),
			oldCount: atoiDefault(m[2], 1),
			newStart: atoiDefault(m[3], 1),
			newCount: atoiDefault(m[4], 1),
		}
		i++

		oldCursor, newCursor := h.oldStart, h.newStart
		for i < len(lines) {
			line := lines[i]
			if hunkHeaderRe.MatchString(line) {
				break
			}
			if strings.HasPrefix(line, `\ No newline at end of file`) {
				i++
				continue
			}

			var lop op
			var content string
			if line == "" {
				// A bare empty line with no leading marker is a blank
				// context line, as emitted by some diff producers.
				lop, content = opContext, ""
			} else {
				switch line[0] {
				case '+':
					lop, content = opAdd, line[1:]
				case '-':
					lop, content = opDelete, line[1:]
				case ' ':
					lop, content = opContext, line[1:]
				default:
					lop, content = opContext, line
				}
			}

			hl := hunkLine{op: lop, content: content, oldPos: oldCursor, newPos: newCursor}
			switch lop {
			case opAdd:
				newCursor++
			case opDelete:
				oldCursor++
			case opContext:
				oldCursor++
				newCursor++
			}
			h.lines = append(h.lines, hl)
			i++
		}

		hunks = append(hunks, h)
	}

	return hunks
}

// PatchLine is one emitted line of ParsePatch: a content line annotated
// with its line number on each side it exists on (nil if it doesn't exist
// on that side).
type PatchLine struct {
	OldLine *int
	NewLine *int
	Content string
}

func intPtr(v int) *int {
	x := v
	return &x
}

// ParsePatch walks every hunk of patch and yields one PatchLine per
// content line, in file order. Lines before the first "@@" are ignored;
// "\ No newline at end of file" markers are ignored.
func ParsePatch(p string) []PatchLine {
	var out []PatchLine
	for _, h := range parseHunks(p) {
		for _, l := range h.lines {
			pl := PatchLine{Content: l.content}
			switch l.op {
			case opAdd:
				pl.NewLine = intPtr(l.newPos)
			case opDelete:
				pl.OldLine = intPtr(l.oldPos)
			case opContext:
				pl.OldLine = intPtr(l.oldPos)
				pl.NewLine = intPtr(l.newPos)
			}
			out = append(out, pl)
		}
	}
	return out
}

// LineSet is a set of line numbers.
type LineSet map[int]struct{}

// Has reports whether n is in the set.
func (s LineSet) Has(n int) bool {
	_, ok := s[n]
	return ok
}

// ChangedLines returns the set of added new-side line numbers and the set
// of removed old-side line numbers.
func ChangedLines(p string) (added, removed LineSet) {
	added, removed = LineSet{}, LineSet{}
	for _, h := range parseHunks(p) {
		for _, l := range h.lines {
			switch l.op {
			case opAdd:
				added[l.newPos] = struct{}{}
			case opDelete:
				removed[l.oldPos] = struct{}{}
			}
		}
	}
	return added, removed
}

// Range is an inclusive line range.
type Range struct {
	Start, End int
}

func hunkRange(start, count int) Range {
	return Range{Start: start, End: start + count - 1}
}

// HunkRanges returns, per hunk in file order, the old-side and new-side
// inclusive line ranges the hunk covers.
func HunkRanges(p string) (oldRanges, newRanges []Range) {
	for _, h := range parseHunks(p) {
		oldRanges = append(oldRanges, hunkRange(h.oldStart, h.oldCount))
		newRanges = append(newRanges, hunkRange(h.newStart, h.newCount))
	}
	return oldRanges, newRanges
}

func contains(r Range, start, end int) bool {
	return start >= r.Start && end <= r.End && r.Start <= r.End
}

// IsLineReferenceValidForPatch reports whether ref is both fully contained
// in at least one hunk range on its side, and touches at least one changed
// line on that side (an added line for the right side, a removed line for
// the left side). A reference touching only context lines is rejected.
func IsLineReferenceValidForPatch(ref types.LineReference, p string) bool {
	if !ref.Valid() {
		return false
	}
	oldRanges, newRanges := HunkRanges(p)
	if len(oldRanges) == 0 {
		return false
	}

	added, removed := ChangedLines(p)

	ranges := oldRanges
	changed := removed
	if ref.Side == types.SideRight {
		ranges = newRanges
		changed = added
	}

	contained := false
	for _, r := range ranges {
		if contains(r, ref.Start, ref.End) {
			contained = true
			break
		}
	}
	if !contained {
		return false
	}

	for n := ref.Start; n <= ref.End; n++ {
		if changed.Has(n) {
			return true
		}
	}
	return false
}

// ExtractDiffHunk locates the first hunk (in file order) that fully
// contains [start,end] on the requested side, and returns a rebuilt
// unified-diff hunk containing that range plus up to `context` lines of
// surrounding context on either side (bounded by the hunk's own extent).
// Returns "" if no hunk contains the range.
func ExtractDiffHunk(p string, start, end int, side types.Side, context int) string {
	for _, h := range parseHunks(p) {
		lo, hi := targetWindow(h, start, end, side)
		if lo < 0 {
			continue
		}

		keepStart := lo - context
		if keepStart < 0 {
			keepStart = 0
		}
		keepEnd := hi + context
		if keepEnd > len(h.lines)-1 {
			keepEnd = len(h.lines) - 1
		}

		kept := h.lines[keepStart : keepEnd+1]
		return renderHunk(kept)
	}
	return ""
}

// targetWindow returns the [lo,hi] index range (inclusive, into h.lines)
// of lines whose position on the requested side falls within [start,end].
// Returns (-1,-1) if the hunk doesn't fully cover the range on that side.
func targetWindow(h hunk, start, end int, side types.Side) (int, int) {
	lo, hi := -1, -1
	for i, l := range h.lines {
		var pos int
		var onSide bool
		if side == types.SideRight {
			onSide = l.op == opAdd || l.op == opContext
			pos = l.newPos
		} else {
			onSide = l.op == opDelete || l.op == opContext
			pos = l.oldPos
		}
		if !onSide {
			continue
		}
		if pos >= start && pos <= end {
			if lo == -1 {
				lo = i
			}
			hi = i
		}
	}
	if lo == -1 {
		return -1, -1
	}

	// Require full containment: every number in [start,end] on this side
	// must be covered by some line in the hunk, not just the endpoints.
	covered := make(map[int]bool, end-start+1)
	for i := lo; i <= hi; i++ {
		l := h.lines[i]
		if side == types.SideRight && (l.op == opAdd || l.op == opContext) {
			covered[l.newPos] = true
		}
		if side == types.SideLeft && (l.op == opDelete || l.op == opContext) {
			covered[l.oldPos] = true
		}
	}
	for n := start; n <= end; n++ {
		if !covered[n] {
			return -1, -1
		}
	}
	return lo, hi
}

func renderHunk(lines []hunkLine) string {
	if len(lines) == 0 {
		return ""
	}

	oldStart := lines[0].oldPos
	newStart := lines[0].newPos

	var oldCount, newCount int
	var body strings.Builder
	for i, l := range lines {
		switch l.op {
		case opDelete:
			oldCount++
		case opAdd:
			newCount++
		case opContext:
			oldCount++
			newCount++
		}
		if i > 0 {
			body.WriteByte('\n')
		}
		body.WriteByte(byte(l.op))
		body.WriteString(l.content)
	}

	header := renderHeader(oldStart, oldCount, newStart, newCount)
	return header + "\n" + body.String()
}

func renderSpan(start, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", start)
	}
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

func renderHeader(oldStart, oldCount, newStart, newCount int) string {
	return fmt.Sprintf("@@ -%s +%s @@", renderSpan(oldStart, oldCount), renderSpan(newStart, newCount))
}

// AddLineNumbersToPatch prepends each content line of patch with its
// actual file line numbers: "L<old>" for deletions, a 4-space-indented
// "R<new>" for additions, "L<old> R<new>" for context lines. Lines outside
// any hunk (including hunk headers) pass through unlabeled. This is a pure
// function of patch; consecutive calls on the same input are identical.
func AddLineNumbersToPatch(p string) string {
	lines := splitLines(p)
	var out strings.Builder

	inHunk := false
	var oldCursor, newCursor int

	for idx, line := range lines {
		if idx > 0 {
			out.WriteByte('\n')
		}

		if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
			inHunk = true
			oldCursor = atoiDefault(m[1], 1)
			newCursor = atoiDefault(m[3], 1)
			out.WriteString(line)
			continue
		}
		if !inHunk {
			out.WriteString(line)
			continue
		}
		if strings.HasPrefix(line, `\ No newline at end of file`) {
			out.WriteString(line)
			continue
		}

		var lop op
		var content string
		if line == "" {
			lop, content = opContext, ""
		} else {
			switch line[0] {
			case '+':
				lop, content = opAdd, line[1:]
			case '-':
				lop, content = opDelete, line[1:]
			case ' ':
				lop, content = opContext, line[1:]
			default:
				lop, content = opContext, line
			}
		}

		switch lop {
		case opDelete:
			out.WriteString(fmt.Sprintf("L%d %s", oldCursor, content))
			oldCursor++
		case opAdd:
			out.WriteString(fmt.Sprintf("    R%d %s", newCursor, content))
			newCursor++
		case opContext:
			out.WriteString(fmt.Sprintf("L%d R%d %s", oldCursor, newCursor, content))
			oldCursor++
			newCursor++
		}
	}

	return out.String()
}

// FilterMode selects which change class FilterDiff keeps.
type FilterMode int

const (
	// FilterAdditions keeps context plus added lines, dropping deletions.
	FilterAdditions FilterMode = iota
	// FilterDeletions keeps context plus deleted lines, dropping additions.
	FilterDeletions
)

// FilterDiff returns a new unified diff containing only context plus the
// chosen change class. Hunk counts are recomputed from the kept lines;
// hunks that become pure context are dropped, and if no hunks remain the
// empty string is returned.
func FilterDiff(p string, mode FilterMode) string {
	var out []string
	for _, h := range parseHunks(p) {
		kept, changedRemain := filterHunkLines(h.lines, mode)
		if !changedRemain {
			continue
		}
		out = append(out, renderHunk(kept))
	}
	return strings.Join(out, "\n")
}

func filterHunkLines(lines []hunkLine, mode FilterMode) ([]hunkLine, bool) {
	var kept []hunkLine
	changedRemain := false
	for _, l := range lines {
		switch {
		case l.op == opContext:
			kept = append(kept, l)
		case mode == FilterAdditions && l.op == opAdd:
			kept = append(kept, l)
			changedRemain = true
		case mode == FilterDeletions && l.op == opDelete:
			kept = append(kept, l)
			changedRemain = true
		}
	}
	return kept, changedRemain
}
