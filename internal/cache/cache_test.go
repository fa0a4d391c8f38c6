package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wispbit/revengine/internal/types"
)

func openTestCache(t *testing.T) (*Cache, string) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(dbPath, root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, root
}

func TestLookup_MissWhenNoRowExists(t *testing.T) {
	c, _ := openTestCache(t)
	rule := types.CodebaseRule{ID: "r1"}

	_, hit, err := c.Lookup("main.go", "sha1", []types.CodebaseRule{rule})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("expected a miss when no review_files row exists")
	}
}

func TestWriteThenLookup_Hit(t *testing.T) {
	c, root := openTestCache(t)
	rule := types.CodebaseRule{ID: "r1", Name: "no-todo"}

	if err := os.WriteFile(filepath.Join(root, "helper.go"), []byte("package helper"), 0o644); err != nil {
		t.Fatal(err)
	}

	violations := []types.Violation{{
		Description:         "leaves a TODO",
		Line:                types.LineReference{Start: 2, End: 2, Side: types.SideRight},
		Rule:                rule,
		ValidationReasoning: "confirmed",
	}}

	if err := c.Write("main.go", "sha1", []types.CodebaseRule{rule}, violations, []string{"helper.go"}, 0.01); err != nil {
		t.Fatal(err)
	}

	got, hit, err := c.Lookup("main.go", "sha1", []types.CodebaseRule{rule})
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected a hit")
	}
	if len(got) != 1 || !got[0].IsCached || got[0].Description != "leaves a TODO" {
		t.Errorf("got %+v", got)
	}
}

func TestLookup_MissOnVisitedFileFreshnessChange(t *testing.T) {
	c, root := openTestCache(t)
	rule := types.CodebaseRule{ID: "r1"}

	helperPath := filepath.Join(root, "helper.go")
	if err := os.WriteFile(helperPath, []byte("package helper"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Write("main.go", "sha1", []types.CodebaseRule{rule}, nil, []string{"helper.go"}, 0.01); err != nil {
		t.Fatal(err)
	}

	_, hit, err := c.Lookup("main.go", "sha1", []types.CodebaseRule{rule})
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected a hit before helper.go changes")
	}

	// Touch helper.go so its mtime (and freshness token) changes, even
	// though the file under review (main.go) itself did not change.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(helperPath, future, future); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(helperPath, []byte("package helper\n// changed"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, hit, err = c.Lookup("main.go", "sha1", []types.CodebaseRule{rule})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("expected a miss once a visited file's freshness token changes")
	}
}

func TestLookup_MissOnDifferentRuleSet(t *testing.T) {
	c, _ := openTestCache(t)
	rule1 := types.CodebaseRule{ID: "r1"}
	rule2 := types.CodebaseRule{ID: "r2"}

	if err := c.Write("main.go", "sha1", []types.CodebaseRule{rule1}, nil, nil, 0); err != nil {
		t.Fatal(err)
	}

	_, hit, err := c.Lookup("main.go", "sha1", []types.CodebaseRule{rule2})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("expected a miss for a different rule set")
	}
}

func TestPurge(t *testing.T) {
	c, _ := openTestCache(t)
	rule := types.CodebaseRule{ID: "r1"}

	if err := c.Write("main.go", "sha1", []types.CodebaseRule{rule}, nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Purge(); err != nil {
		t.Fatal(err)
	}

	_, hit, err := c.Lookup("main.go", "sha1", []types.CodebaseRule{rule})
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("expected a miss after purge")
	}
}
