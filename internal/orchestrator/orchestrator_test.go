package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wispbit/revengine/internal/types"
)

func fileChange(name string) types.FileChange {
	return types.NewFileChange(name, types.StatusModified, "@@ -1 +1 @@\n-a\n+b", 1, 1)
}

func TestRun_DispatchesAllFilesAndReportsResults(t *testing.T) {
	files := []types.FileChange{fileChange("a.go"), fileChange("b.go"), fileChange("c.go")}

	var started, updated, completed int32
	o := New(2, Hooks{
		OnStart:      func(types.FileChange) { atomic.AddInt32(&started, 1) },
		OnUpdateFile: func(Result) { atomic.AddInt32(&updated, 1) },
		OnComplete:   func([]Result) { atomic.AddInt32(&completed, 1) },
	})

	results, err := o.Run(context.Background(), files, func(ctx context.Context, f types.FileChange) (types.FileAnalysis, SkipReason, error) {
		return types.FileAnalysis{Explanation: "ok:" + f.Filename}, SkipNone, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, f := range files {
		if results[i].File.Filename != f.Filename {
			t.Errorf("result %d out of order: got %q want %q", i, results[i].File.Filename, f.Filename)
		}
		if results[i].Analysis.Explanation != "ok:"+f.Filename {
			t.Errorf("result %d analysis mismatch: %+v", i, results[i])
		}
	}
	if started != 3 || updated != 3 || completed != 1 {
		t.Errorf("hook counts: started=%d updated=%d completed=%d", started, updated, completed)
	}
}

func TestRun_NeverExceedsConcurrencyCap(t *testing.T) {
	files := make([]types.FileChange, 8)
	for i := range files {
		files[i] = fileChange("f.go")
	}

	var inFlight, maxSeen int32
	var mu sync.Mutex

	o := New(3, Hooks{})
	_, err := o.Run(context.Background(), files, func(ctx context.Context, f types.FileChange) (types.FileAnalysis, SkipReason, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return types.FileAnalysis{}, SkipNone, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if maxSeen > 3 {
		t.Errorf("max concurrent tasks = %d, want <= 3", maxSeen)
	}
}

func TestRun_PerFileErrorIsIsolated(t *testing.T) {
	files := []types.FileChange{fileChange("a.go"), fileChange("b.go")}

	o := New(2, Hooks{})
	results, err := o.Run(context.Background(), files, func(ctx context.Context, f types.FileChange) (types.FileAnalysis, SkipReason, error) {
		if f.Filename == "a.go" {
			return types.FileAnalysis{}, SkipNone, errors.New("boom")
		}
		return types.FileAnalysis{Explanation: "fine"}, SkipNone, nil
	})
	if err != nil {
		t.Fatalf("a per-file error must not abort the run: %v", err)
	}
	if results[0].SkipReason != SkipError || results[0].Err == nil {
		t.Errorf("expected result[0] to carry the error, got %+v", results[0])
	}
	if results[1].SkipReason != SkipNone || results[1].Analysis.Explanation != "fine" {
		t.Errorf("expected result[1] unaffected, got %+v", results[1])
	}
}

func TestRun_CancellationStopsDispatchAndCallsOnAbort(t *testing.T) {
	files := make([]types.FileChange, 10)
	for i := range files {
		files[i] = fileChange("f.go")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var aborted int32
	var started int32
	o := New(2, Hooks{
		OnStart: func(types.FileChange) { atomic.AddInt32(&started, 1) },
		OnAbort: func(error) { atomic.AddInt32(&aborted, 1) },
	})

	_, err := o.Run(ctx, files, func(taskCtx context.Context, f types.FileChange) (types.FileAnalysis, SkipReason, error) {
		cancel()
		<-taskCtx.Done()
		return types.FileAnalysis{}, SkipNone, taskCtx.Err()
	})
	if err == nil {
		t.Fatal("expected cancellation to surface as an error")
	}
	if aborted != 1 {
		t.Errorf("expected OnAbort exactly once, got %d", aborted)
	}
}
