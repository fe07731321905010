// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package packer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/graph"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/pattern"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/sandbox"
)

// FetchFunc is the function-shaped fetcher dependency. The resolver makes no
// assumptions about HTTP, proxying, or headers; retry policy belongs to the
// implementation behind this function.
type FetchFunc func(ctx context.Context, url string) (*ast.SourceUnit, error)

// Default resolver configuration values.
const (
	// DefaultMaxRounds bounds discovery rounds against cyclic or
	// adversarial chunk graphs.
	DefaultMaxRounds = 8

	// DefaultMaxChunks bounds the total number of chunk ids dispatched
	// in one run.
	DefaultMaxChunks = 512
)

// ResolverOptions configures Resolver behavior.
type ResolverOptions struct {
	// MaxRounds is the maximum number of discovery rounds.
	// Default: 8
	MaxRounds int

	// MaxChunks is the maximum number of chunk ids dispatched per run.
	// Default: 512
	MaxChunks int

	// WorkerCount is the number of parallel evaluate+fetch workers.
	// Default: runtime.NumCPU()
	WorkerCount int

	// GlobalTimeout bounds the whole run. Zero means the caller's context
	// alone governs cancellation.
	GlobalTimeout time.Duration

	// Logger receives run diagnostics. Default: slog.Default()
	Logger *slog.Logger

	// Matcher classifies chunk-loading sites. Default: NewMatcher()
	Matcher *pattern.Matcher

	// Evaluator runs extracted expressions. Default: NewEvaluator()
	Evaluator *sandbox.Evaluator
}

// DefaultResolverOptions returns sensible defaults.
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		MaxRounds:   DefaultMaxRounds,
		MaxChunks:   DefaultMaxChunks,
		WorkerCount: runtime.NumCPU(),
	}
}

// ResolverOption is a functional option for configuring Resolver.
type ResolverOption func(*ResolverOptions)

// WithMaxRounds sets the maximum number of discovery rounds.
func WithMaxRounds(n int) ResolverOption {
	return func(o *ResolverOptions) {
		o.MaxRounds = n
	}
}

// WithMaxChunks sets the maximum number of chunk ids per run.
func WithMaxChunks(n int) ResolverOption {
	return func(o *ResolverOptions) {
		o.MaxChunks = n
	}
}

// WithWorkerCount sets the number of parallel workers.
func WithWorkerCount(n int) ResolverOption {
	return func(o *ResolverOptions) {
		o.WorkerCount = n
	}
}

// WithGlobalTimeout bounds the whole run.
func WithGlobalTimeout(d time.Duration) ResolverOption {
	return func(o *ResolverOptions) {
		o.GlobalTimeout = d
	}
}

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(o *ResolverOptions) {
		o.Logger = logger
	}
}

// WithMatcher sets the site matcher.
func WithMatcher(m *pattern.Matcher) ResolverOption {
	return func(o *ResolverOptions) {
		o.Matcher = m
	}
}

// WithEvaluator sets the sandbox evaluator.
func WithEvaluator(e *sandbox.Evaluator) ResolverOption {
	return func(o *ResolverOptions) {
		o.Evaluator = e
	}
}

// Result is the full outcome of one discovery run.
type Result struct {
	// Graph is the discovered module graph, possibly partial if a budget
	// was hit.
	Graph *graph.ModuleGraph

	// Resolutions are the terminal per-chunk-id records, sorted by id.
	Resolutions []ResolutionResult

	// Diagnostics are the non-fatal conditions recorded during the run,
	// sorted for determinism.
	Diagnostics []Diagnostic

	// Rounds is the number of discovery rounds performed.
	Rounds int
}

// Resolver drives the iterative chunk discovery loop.
//
// Description:
//
//	Each round matches the newly discovered units for chunk-loading
//	sites, extracts their mapping expressions, evaluates every
//	not-yet-visited candidate id in the sandbox, and fetches the
//	resolved URLs. Newly fetched units feed the next round, making the
//	run a closure computation over the reachable chunk graph. The
//	VisitedSet guarantees each id and URL is dispatched at most once,
//	which is what makes cyclic chunk graphs terminate.
//
// Thread Safety:
//
//	Resolver is safe for concurrent use; every Resolve call owns its
//	graph, visited set, and ledger, so concurrent runs cannot interfere.
type Resolver struct {
	options ResolverOptions
}

// NewResolver creates a Resolver with the given options.
//
// Example:
//
//	resolver := packer.NewResolver(
//	    packer.WithMaxRounds(4),
//	    packer.WithWorkerCount(8),
//	)
//	g, err := resolver.Resolve(ctx, entry, fetcher.Fetch)
func NewResolver(opts ...ResolverOption) *Resolver {
	options := DefaultResolverOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.WorkerCount <= 0 {
		options.WorkerCount = runtime.NumCPU()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Matcher == nil {
		options.Matcher = pattern.NewMatcher()
	}
	if options.Evaluator == nil {
		options.Evaluator = sandbox.NewEvaluator()
	}
	return &Resolver{options: options}
}

// Resolve runs discovery from an entry unit and returns the module graph.
//
// This is the resolver's single entry operation. Every condition except an
// unparsable entry unit degrades to partial results; budget exhaustion
// returns the partial graph without error.
func (r *Resolver) Resolve(ctx context.Context, entry *ast.SourceUnit, fetch FetchFunc) (*graph.ModuleGraph, error) {
	result, err := r.ResolveDetailed(ctx, entry, fetch)
	if err != nil {
		return nil, err
	}
	return result.Graph, nil
}

// ResolveDetailed runs discovery and returns the graph together with the
// per-chunk resolution ledger and diagnostics.
func (r *Resolver) ResolveDetailed(ctx context.Context, entry *ast.SourceUnit, fetch FetchFunc) (*Result, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry unit must not be nil")
	}
	if fetch == nil {
		return nil, fmt.Errorf("fetch must not be nil")
	}

	if r.options.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.GlobalTimeout)
		defer cancel()
	}

	tracer := otel.Tracer("packer/resolver")
	ctx, span := tracer.Start(ctx, "packer.Resolve")
	defer span.End()

	// The one hard failure: an unparsable root unit.
	if _, err := entry.Tree(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntryUnparsable, err)
	}

	run := &resolveRun{
		resolver: r,
		fetch:    fetch,
		graph:    graph.NewModuleGraph(),
		visited:  graph.NewVisitedSet(),
		ledger:   newResolutionLedger(),
		logger:   r.options.Logger,
	}
	run.graph.AddUnit(entry)
	run.visited.Add(urlKey(entry.URL))

	frontier := []*ast.SourceUnit{entry}
	rounds := 0
	for len(frontier) > 0 {
		if rounds >= r.options.MaxRounds {
			run.diag(DiagBudgetExceeded, entry.URL,
				fmt.Sprintf("round budget of %d reached with %d units pending", r.options.MaxRounds, len(frontier)))
			break
		}
		if err := ctx.Err(); err != nil {
			run.diag(DiagBudgetExceeded, entry.URL, fmt.Sprintf("run deadline reached: %v", err))
			break
		}
		if run.dispatched >= r.options.MaxChunks {
			run.diag(DiagBudgetExceeded, entry.URL,
				fmt.Sprintf("chunk budget of %d reached", r.options.MaxChunks))
			break
		}

		tasks := run.analyze(ctx, frontier)
		frontier = run.dispatch(ctx, tasks)
		rounds++
		roundsTotal.Inc()

		run.logger.Info("discovery round complete",
			slog.Int("round", rounds),
			slog.Int("new_units", len(frontier)),
			slog.Int("nodes", run.graph.NodeCount()),
		)
	}

	diags := run.sortedDiags()
	span.SetAttributes(
		attribute.Int("packer.rounds", rounds),
		attribute.Int("packer.nodes", run.graph.NodeCount()),
		attribute.Int("packer.edges", run.graph.EdgeCount()),
		attribute.Int("packer.diagnostics", len(diags)),
	)

	return &Result{
		Graph:       run.graph,
		Resolutions: run.ledger.snapshot(),
		Diagnostics: diags,
		Rounds:      rounds,
	}, nil
}

// resolveRun holds the mutable state of a single discovery run.
type resolveRun struct {
	resolver   *Resolver
	fetch      FetchFunc
	graph      *graph.ModuleGraph
	visited    *graph.VisitedSet
	ledger     *resolutionLedger
	logger     *slog.Logger
	dispatched int

	diagMu sync.Mutex
	diags  []Diagnostic
}

// chunkTask is one claimed chunk id ready for evaluate+fetch.
type chunkTask struct {
	id        string
	extracted *pattern.Extracted
	baseURL   string
	parentURL string
}

// analyze matches and extracts every frontier unit, claiming candidate ids.
//
// Runs serially: matching is CPU-cheap next to the fetches that follow, and
// serial claiming keeps task order deterministic.
func (run *resolveRun) analyze(ctx context.Context, frontier []*ast.SourceUnit) []chunkTask {
	var tasks []chunkTask
	budget := run.resolver.options.MaxChunks

	for _, unit := range frontier {
		match, err := run.resolver.options.Matcher.Match(ctx, unit)
		if err != nil {
			run.diag(DiagParseError, unit.URL, err.Error())
			continue
		}
		for _, u := range match.Unrecognized {
			run.diag(DiagPatternNotRecognized, fmt.Sprintf("%s:%d", u.URL, u.Line), u.Snippet)
		}

		base := ChunkBaseURL(unit.URL, unit.Text())
		var unitExtracted []*pattern.Extracted

		for _, site := range match.Sites {
			sitesTotal.WithLabelValues(site.Kind.String()).Inc()
			x, err := pattern.Extract(site)
			if err != nil {
				run.diag(DiagExtractionFailed, fmt.Sprintf("%s:%d", site.Unit.URL, site.Line), err.Error())
				continue
			}
			unitExtracted = append(unitExtracted, x)
			for _, id := range site.IDs {
				if task, ok := run.claim(id, x, base, unit.URL, budget); ok {
					tasks = append(tasks, task)
				}
			}
		}

		// Ids referenced by import calls resolve through the unit's first
		// usable mapping; without one they are unreachable by definition.
		if len(unitExtracted) > 0 {
			for _, id := range match.ImportIDs {
				if task, ok := run.claim(id, unitExtracted[0], base, unit.URL, budget); ok {
					tasks = append(tasks, task)
				}
			}
		}
	}
	return tasks
}

// claim attempts to take ownership of a chunk id for this run.
func (run *resolveRun) claim(id string, x *pattern.Extracted, base, parentURL string, budget int) (chunkTask, bool) {
	if run.dispatched >= budget {
		return chunkTask{}, false
	}
	if !run.visited.Add(chunkKey(id)) {
		return chunkTask{}, false
	}
	run.dispatched++
	run.ledger.begin(id)
	return chunkTask{id: id, extracted: x, baseURL: base, parentURL: parentURL}, true
}

// dispatch evaluates and fetches claimed tasks on the bounded worker pool and
// returns the newly discovered units.
func (run *resolveRun) dispatch(ctx context.Context, tasks []chunkTask) []*ast.SourceUnit {
	var mu sync.Mutex
	var next []*ast.SourceUnit

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(run.resolver.options.WorkerCount)

	for _, t := range tasks {
		t := t
		eg.Go(func() error {
			if unit := run.resolveOne(egctx, t); unit != nil {
				mu.Lock()
				next = append(next, unit)
				mu.Unlock()
			}
			// Failures never abort the run.
			return nil
		})
	}
	_ = eg.Wait()

	// Deterministic next-round order regardless of worker completion order.
	sort.Slice(next, func(i, j int) bool { return next[i].URL < next[j].URL })
	return next
}

// resolveOne runs the evaluate → build URL → fetch pipeline for one chunk id.
// Returns the fetched unit when it is new to the graph.
func (run *resolveRun) resolveOne(ctx context.Context, t chunkTask) *ast.SourceUnit {
	started := time.Now()
	fragment, err := run.resolver.options.Evaluator.Evaluate(ctx, t.extracted, t.id)
	sandboxLatencySeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		kind := DiagSandboxError
		if errors.Is(err, sandbox.ErrTimeout) {
			kind = DiagSandboxTimeout
		}
		run.diag(kind, t.id, err.Error())
		run.ledger.fail(t.id, err.Error())
		chunksTotal.WithLabelValues("failed").Inc()
		return nil
	}

	chunkURL, err := BuildChunkURL(fragment, t.baseURL)
	if err != nil {
		run.diag(DiagSandboxError, t.id, fmt.Sprintf("building url from %q: %v", fragment, err))
		run.ledger.fail(t.id, err.Error())
		chunksTotal.WithLabelValues("failed").Inc()
		return nil
	}

	if !run.visited.Add(urlKey(chunkURL)) {
		// Another id already produced this URL; record provenance only.
		run.graph.AddEdge(t.parentURL, chunkURL)
		run.ledger.resolve(t.id, chunkURL, t.extracted.Provenance)
		chunksTotal.WithLabelValues("resolved").Inc()
		return nil
	}

	unit, err := run.fetch(ctx, chunkURL)
	if err != nil {
		run.diag(DiagFetchError, chunkURL, err.Error())
		run.ledger.fail(t.id, fmt.Sprintf("%v: %v", ErrFetchFailed, err))
		chunksTotal.WithLabelValues("failed").Inc()
		return nil
	}

	run.ledger.resolve(t.id, chunkURL, t.extracted.Provenance)
	chunksTotal.WithLabelValues("resolved").Inc()
	run.graph.AddEdge(t.parentURL, chunkURL)
	if run.graph.AddUnit(unit) {
		return unit
	}
	return nil
}

// diag records one non-fatal condition.
func (run *resolveRun) diag(kind DiagnosticKind, subject, detail string) {
	run.diagMu.Lock()
	defer run.diagMu.Unlock()
	run.diags = append(run.diags, Diagnostic{Kind: kind, Subject: subject, Detail: detail})
}

// sortedDiags returns diagnostics in deterministic order.
func (run *resolveRun) sortedDiags() []Diagnostic {
	run.diagMu.Lock()
	defer run.diagMu.Unlock()
	out := make([]Diagnostic, len(run.diags))
	copy(out, run.diags)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Detail < out[j].Detail
	})
	return out
}

// chunkKey namespaces a chunk id within the visited set.
func chunkKey(id string) string {
	return "chunk:" + id
}

// urlKey namespaces a URL within the visited set.
func urlKey(url string) string {
	return "url:" + url
}
