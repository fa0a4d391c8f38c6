// Package orchestrator drives the Orchestrator: bounded, work-stealing
// dispatch of the per-file Review Loop across a FileChange set, serialised
// hook emission, and cooperative cancellation.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wispbit/revengine/internal/types"
)

// DefaultConcurrency is the default cap on in-flight file reviews.
const DefaultConcurrency = 10

// SkipReason enumerates why a file task completed without a review.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNoMatchingRules SkipReason = "no matching rules"
	SkipCached          SkipReason = "cached"
	SkipError           SkipReason = "error"
)

// Result is one file's outcome.
type Result struct {
	File       types.FileChange
	Analysis   types.FileAnalysis
	SkipReason SkipReason
	Err        error
}

// Hooks are serialised by the orchestrator. OnStart and OnUpdateFile run on
// the per-file task goroutines while holding a mutex owned by Run;
// OnComplete and OnAbort run on Run's goroutine after every task has
// finished. No two hooks run at once, so observer state never needs its
// own locking.
type Hooks struct {
	OnStart      func(file types.FileChange)
	OnUpdateFile func(result Result)
	OnComplete   func(results []Result)
	OnAbort      func(err error)
}

// ReviewFunc performs one file's review and is supplied by the caller so
// the orchestrator stays agnostic of the rule engine, cache, and review
// loop it's coordinating.
type ReviewFunc func(ctx context.Context, file types.FileChange) (types.FileAnalysis, SkipReason, error)

// Orchestrator bounds concurrency across a FileChange set and serialises
// hook delivery.
type Orchestrator struct {
	Concurrency int
	Hooks       Hooks

	// Logger receives per-run observability events. Nil falls back to
	// slog.Default(); callers that want their own *slog.Logger threaded
	// through set this field after New.
	Logger *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New builds an Orchestrator with the given concurrency cap (DefaultConcurrency if <= 0).
func New(concurrency int, hooks Hooks) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{Concurrency: concurrency, Hooks: hooks}
}

// Run dispatches review against every file, eagerly keeping up to
// Concurrency tasks in flight and immediately starting the next queued
// file as soon as a slot frees — work-stealing, not batched. On ctx
// cancellation, dispatch of new tasks stops immediately, OnAbort fires,
// and Run waits for in-flight tasks to terminate naturally before
// returning.
func (o *Orchestrator) Run(ctx context.Context, files []types.FileChange, review ReviewFunc) ([]Result, error) {
	logger := o.logger()
	sem := semaphore.NewWeighted(int64(o.Concurrency))
	results := make([]Result, len(files))

	var hookMu sync.Mutex
	emitStart := func(f types.FileChange) {
		logger.Debug("file review started", "file", f.Filename)
		if o.Hooks.OnStart == nil {
			return
		}
		hookMu.Lock()
		defer hookMu.Unlock()
		o.Hooks.OnStart(f)
	}
	emitUpdate := func(r Result) {
		logger.Debug("file review finished", "file", r.File.Filename, "skip_reason", string(r.SkipReason), "violations", len(r.Analysis.Violations))
		if o.Hooks.OnUpdateFile == nil {
			return
		}
		hookMu.Lock()
		defer hookMu.Unlock()
		o.Hooks.OnUpdateFile(r)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i, file := range files {
		i, file := i, file
		if err := sem.Acquire(gctx, 1); err != nil {
			break // context cancelled; stop dispatching new tasks.
		}

		g.Go(func() error {
			defer sem.Release(1)

			emitStart(file)

			analysis, reason, err := review(gctx, file)
			r := Result{File: file, Analysis: analysis, SkipReason: reason, Err: err}
			if err != nil {
				r.SkipReason = SkipError
			}
			results[i] = r
			emitUpdate(r)
			return nil // per-file errors are isolated; never abort the group.
		})
	}

	waitErr := g.Wait()

	if ctx.Err() != nil {
		logger.Error("run aborted", "err", ctx.Err())
		if o.Hooks.OnAbort != nil {
			o.Hooks.OnAbort(ctx.Err())
		}
		return results, ctx.Err()
	}
	if waitErr != nil {
		logger.Error("run aborted", "err", waitErr)
		if o.Hooks.OnAbort != nil {
			o.Hooks.OnAbort(waitErr)
		}
		return results, waitErr
	}

	logger.Info("run complete", "files", len(results))
	if o.Hooks.OnComplete != nil {
		o.Hooks.OnComplete(results)
	}
	return results, nil
}
