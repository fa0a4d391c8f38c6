package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/wispbit/revengine/internal/apperr"
	"github.com/wispbit/revengine/internal/types"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	root := t.TempDir()
	sb, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	return sb, root
}

func TestSafePath_RejectsTraversal(t *testing.T) {
	sb, _ := newTestSandbox(t)

	if _, err := sb.safePath("../../etc/passwd"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, err := sb.safePath("a/../../b"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, err := sb.safePath("sub/file.txt"); err != nil {
		t.Errorf("expected a descendant path to be allowed, got %v", err)
	}
}

func TestReadFile_EntireFile(t *testing.T) {
	sb, root := newTestSandbox(t)
	content := "a\nb\nc\n"
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := sb.ReadFile("f.txt", 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != content {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestReadFile_RangeWithOmissionPlaceholders(t *testing.T) {
	sb, root := newTestSandbox(t)
	lines := []string{"l1", "l2", "l3", "l4", "l5", "l6", "l7", "l8", "l9", "l10"}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := sb.ReadFile("f.txt", 4, 6, false)
	if err != nil {
		t.Fatal(err)
	}
	want := "[Lines 1-3 omitted]\nl4\nl5\nl6\n[Lines 7-10 omitted]"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestReadFile_MissingFile(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.ReadFile("nope.txt", 0, 0, true)
	if !apperr.IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestListDir(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, dirs, path, err := sb.ListDir(".")
	if err != nil {
		t.Fatal(err)
	}
	if path != "." {
		t.Errorf("path = %q", path)
	}
	if len(files) != 1 || files[0] != "a.txt" {
		t.Errorf("files = %v", files)
	}
	if len(dirs) != 1 || dirs[0] != "sub" {
		t.Errorf("directories = %v", dirs)
	}
}

func TestListDir_RejectsNonDirectory(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := sb.ListDir("a.txt"); err == nil {
		t.Error("expected an error for a non-directory path")
	}
}

func TestGlobSearch(t *testing.T) {
	sb, root := newTestSandbox(t)
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "dep", "x.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pkg", "main.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := sb.GlobSearch("**/*.go", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "pkg/main.go" {
		t.Errorf("got %v, want [pkg/main.go] (node_modules must be pruned)", got)
	}
}

func TestGrepSearch_NoMatches(t *testing.T) {
	if _, err := exec.LookPath("rg"); err != nil {
		t.Skip("ripgrep not installed")
	}
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello world\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	matches, err := sb.GrepSearch(context.Background(), "needle", "", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches, got %v", matches)
	}
}

func TestGrepSearch_Matches(t *testing.T) {
	if _, err := exec.LookPath("rg"); err != nil {
		t.Skip("ripgrep not installed")
	}
	sb, root := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello world\nneedle here\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	matches, err := sb.GrepSearch(context.Background(), "needle", "", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Line != 2 {
		t.Errorf("got %v", matches)
	}
}

func TestComplaint_RejectsWrongFile(t *testing.T) {
	rule := types.CodebaseRule{ID: "r1"}
	_, err := Complaint(ComplaintRequest{
		FilePath: "other.go", LineStart: 1, LineEnd: 1, LineSide: types.SideRight, RuleID: "r1",
	}, "main.go", []types.CodebaseRule{rule}, "@@ -1,1 +1,1 @@\n-a\n+b")
	if err == nil {
		t.Error("expected rejection for a file path other than the file under review")
	}
}

func TestComplaint_RejectsUnknownRule(t *testing.T) {
	rule := types.CodebaseRule{ID: "r1"}
	_, err := Complaint(ComplaintRequest{
		FilePath: "main.go", LineStart: 1, LineEnd: 1, LineSide: types.SideRight, RuleID: "unknown",
	}, "main.go", []types.CodebaseRule{rule}, "@@ -1,1 +1,1 @@\n-a\n+b")
	if err == nil {
		t.Error("expected rejection for an unknown rule id")
	}
}

func TestComplaint_RejectsInvalidLineReference(t *testing.T) {
	rule := types.CodebaseRule{ID: "r1"}
	patchText := "@@ -1,3 +1,3 @@\n ctx1\n-old\n+new\n ctx3"
	_, err := Complaint(ComplaintRequest{
		FilePath: "main.go", LineStart: 1, LineEnd: 1, LineSide: types.SideRight, RuleID: "r1",
	}, "main.go", []types.CodebaseRule{rule}, patchText)
	if err == nil {
		t.Error("expected rejection for a line reference touching only context")
	}
}

func TestComplaint_Accepts(t *testing.T) {
	rule := types.CodebaseRule{ID: "r1"}
	patchText := "@@ -1,3 +1,3 @@\n ctx1\n-old\n+new\n ctx3"
	v, err := Complaint(ComplaintRequest{
		FilePath: "main.go", LineStart: 2, LineEnd: 2, LineSide: types.SideRight,
		Description: "uses a magic number", RuleID: "r1",
	}, "main.go", []types.CodebaseRule{rule}, patchText)
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if v.Rule.ID != "r1" || v.Description != "uses a magic number" {
		t.Errorf("unexpected violation: %+v", v)
	}
}
