package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/wispbit/revengine/internal/cache"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/rules"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/types"
)

func writeRule(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, ".wispbit", "rules")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T, reviewSrv *httptest.Server) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root)
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{
		Sandbox:     sb,
		Model:       "gpt-4o",
		Concurrency: 2,
	}
	if reviewSrv != nil {
		deps.LLM = llm.NewClient(reviewSrv.URL, "key")
	}
	return New(":0", deps), root
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestHandleReview_NoApplicableRulesYieldsNoViolations(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeRule(t, root, "only-md", "---\ninclude: \"**/*.md\"\n---\nDocument everything.")

	body, _ := json.Marshal(reviewRequest{
		Files: []fileChangeJSON{{
			Filename:  "main.go",
			Status:    "modified",
			Patch:     "@@ -1,1 +1,1 @@\n-old\n+new",
			Additions: 1,
			Deletions: 1,
		}},
		WorkspaceRoot: root,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/review", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp reviewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Violations) != 0 {
		t.Errorf("expected no violations, got %+v", resp.Violations)
	}
	if resp.Stats.FilesReviewed != 1 {
		t.Errorf("expected 1 file reviewed, got %d", resp.Stats.FilesReviewed)
	}
}

func TestHandleReview_CacheHitSkipsLLM(t *testing.T) {
	var llmCalls atomic.Int32
	reviewSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		llmCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"no violations"}}]}`))
	}))
	defer reviewSrv.Close()

	srv, root := newTestServer(t, reviewSrv)
	writeRule(t, root, "all", "---\ninclude: \"**/*.go\"\n---\nDocument everything.")

	codebaseRules, err := rules.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	var applicable []types.CodebaseRule
	for _, rule := range codebaseRules {
		if rules.MatchesInclude(rule, "main.go") {
			applicable = append(applicable, rule)
		}
	}
	if len(applicable) == 0 {
		t.Fatal("expected the rule to apply to main.go")
	}

	c, err := cache.Open(filepath.Join(root, "cache.db"), root)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	patch := "@@ -1,1 +1,1 @@\n-old\n+new"
	fc := types.NewFileChange("main.go", types.StatusModified, patch, 1, 1)
	cached := []types.Violation{{Description: "from cache", Rule: applicable[0]}}
	if err := c.Write(fc.Filename, fc.SHA, applicable, cached, nil, 0); err != nil {
		t.Fatal(err)
	}
	srv.deps.Cache = c

	body, _ := json.Marshal(reviewRequest{
		Files: []fileChangeJSON{{
			Filename:  "main.go",
			Status:    "modified",
			Patch:     patch,
			Additions: 1,
			Deletions: 1,
		}},
		WorkspaceRoot: root,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/review", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if llmCalls.Load() != 0 {
		t.Errorf("expected the LLM not to be consulted on a cache hit, got %d calls", llmCalls.Load())
	}
	var resp reviewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Violations) != 1 || !resp.Violations[0].IsCached {
		t.Errorf("expected one cached violation, got %+v", resp.Violations)
	}
}

func TestHandleReview_MissingFilesIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/review", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
