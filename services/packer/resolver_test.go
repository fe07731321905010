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
	"sync"
	"testing"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// mapFetcher serves units from an in-memory URL map and counts fetches.
type mapFetcher struct {
	mu      sync.Mutex
	sources map[string]string
	counts  map[string]int
}

func newMapFetcher(sources map[string]string) *mapFetcher {
	return &mapFetcher{sources: sources, counts: make(map[string]int)}
}

func (f *mapFetcher) fetch(_ context.Context, url string) (*ast.SourceUnit, error) {
	f.mu.Lock()
	f.counts[url]++
	source, ok := f.sources[url]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("not found: %s", url)
	}
	return ast.NewSourceUnit(url, []byte(source))
}

func (f *mapFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

func mustEntry(t *testing.T, url, source string) *ast.SourceUnit {
	t.Helper()
	unit, err := ast.NewSourceUnit(url, []byte(source))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	t.Cleanup(unit.Close)
	return unit
}

func diagKinds(diags []Diagnostic) map[DiagnosticKind]int {
	kinds := make(map[DiagnosticKind]int)
	for _, d := range diags {
		kinds[d.Kind]++
	}
	return kinds
}

func TestResolve_ObjectMapEndToEnd(t *testing.T) {
	entryURL := "https://example.com/static/js/main.js"
	entry := mustEntry(t, entryURL, `
__webpack_require__.p = "/static/js/";
__webpack_require__.u = function(e) {
    return e + "." + {1: "b3f2", 2: "c881"}[e] + ".chunk.js";
};`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/static/js/1.b3f2.chunk.js": `var one = 1;`,
		"https://example.com/static/js/2.c881.chunk.js": `var two = 2;`,
	})

	result, err := NewResolver().ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("ResolveDetailed failed: %v", err)
	}

	if result.Graph.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d: %v", result.Graph.NodeCount(), result.Graph.URLs())
	}
	if result.Graph.EdgeCount() != 2 {
		t.Errorf("expected 2 edges, got %d", result.Graph.EdgeCount())
	}
	if len(result.Resolutions) != 2 {
		t.Fatalf("expected 2 resolutions, got %d", len(result.Resolutions))
	}
	for _, r := range result.Resolutions {
		if r.State != StateResolved {
			t.Errorf("chunk %s: expected resolved, got %s (%s)", r.ID, r.State, r.Reason)
		}
		if r.Provenance == "" {
			t.Errorf("chunk %s: missing provenance", r.ID)
		}
	}
	if result.Rounds != 2 {
		t.Errorf("expected 2 rounds, got %d", result.Rounds)
	}
}

func TestResolve_FollowsChildChunks(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return "level1/" + {1: "x"}[e] + ".chunk.js"; };`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/level1/x.chunk.js": `
b.u = function(e) { return "level2/" + {2: "y"}[e] + ".chunk.js"; };`,
		"https://example.com/js/level1/level2/y.chunk.js": `var leaf = true;`,
	})

	g, err := NewResolver().Resolve(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if g.NodeCount() != 3 {
		t.Errorf("expected transitive closure of 3 nodes, got %d: %v", g.NodeCount(), g.URLs())
	}
	if _, ok := g.Unit("https://example.com/js/level1/level2/y.chunk.js"); !ok {
		t.Error("grandchild chunk missing from graph")
	}
}

func TestResolve_FetchFailureDegrades(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return {1: "good", 2: "missing"}[e] + ".chunk.js"; };`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/good.chunk.js": `var ok = 1;`,
	})

	result, err := NewResolver().ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("fetch failure must not fail the run: %v", err)
	}

	states := map[string]ChunkState{}
	for _, r := range result.Resolutions {
		states[r.ID] = r.State
	}
	if states["1"] != StateResolved {
		t.Errorf("chunk 1 should resolve, got %s", states["1"])
	}
	if states["2"] != StateFailed {
		t.Errorf("chunk 2 should fail, got %s", states["2"])
	}
	if diagKinds(result.Diagnostics)[DiagFetchError] != 1 {
		t.Errorf("expected one fetch error diagnostic, got %+v", result.Diagnostics)
	}
}

func TestResolve_CycleTerminatesWithSingleFetches(t *testing.T) {
	// a -> b -> c -> (a, b) forms a cycle; every URL is fetched at most
	// once and the run terminates.
	entry := mustEntry(t, "https://example.com/js/a.js", `
x.u = function(e) { return {1: "b"}[e] + ".js"; };`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/b.js": `x.u = function(e) { return {2: "c"}[e] + ".js"; };`,
		"https://example.com/js/c.js": `x.u = function(e) { return {1: "b", 3: "a"}[e] + ".js"; };`,
	})

	result, err := NewResolver().ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("ResolveDetailed failed: %v", err)
	}

	for _, url := range []string{
		"https://example.com/js/b.js",
		"https://example.com/js/c.js",
	} {
		if n := fetcher.count(url); n != 1 {
			t.Errorf("%s fetched %d times, want 1", url, n)
		}
	}
	// Chunk 3 maps back to the already known a.js: resolved without fetch.
	if n := fetcher.count("https://example.com/js/a.js"); n != 0 {
		t.Errorf("entry URL refetched %d times", n)
	}
	for _, r := range result.Resolutions {
		if r.State != StateResolved {
			t.Errorf("chunk %s not resolved in cycle: %s", r.ID, r.Reason)
		}
	}
}

func TestResolve_ImportIDsUseSiteMapping(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return {1: "one"}[e] + ".chunk.js"; };
__webpack_require__.e(9).then(run);`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/one.chunk.js": `var one = 1;`,
	})

	result, err := NewResolver().ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("ResolveDetailed failed: %v", err)
	}

	states := map[string]ChunkState{}
	for _, r := range result.Resolutions {
		states[r.ID] = r.State
	}
	if states["1"] != StateResolved {
		t.Errorf("map id must resolve, got %s", states["1"])
	}
	// Id 9 has no map entry; evaluation interpolates undefined and fails.
	if states["9"] != StateFailed {
		t.Errorf("unmapped import id must fail, got %s", states["9"])
	}
	if diagKinds(result.Diagnostics)[DiagSandboxError] != 1 {
		t.Errorf("expected a sandbox diagnostic for id 9, got %+v", result.Diagnostics)
	}
}

func TestResolve_UnrecognizedPatternReported(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return resolveName(e) + ".js"; };`)
	fetcher := newMapFetcher(nil)

	result, err := NewResolver().ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("ResolveDetailed failed: %v", err)
	}
	if result.Graph.NodeCount() != 1 {
		t.Errorf("expected only the entry node, got %d", result.Graph.NodeCount())
	}
	if diagKinds(result.Diagnostics)[DiagPatternNotRecognized] != 1 {
		t.Errorf("expected an unrecognized-pattern diagnostic, got %+v", result.Diagnostics)
	}
}

func TestResolve_RoundBudgetReturnsPartialGraph(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return {1: "mid"}[e] + ".chunk.js"; };`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/mid.chunk.js": `a.u = function(e) { return {2: "deep"}[e] + ".chunk.js"; };`,
		"https://example.com/js/deep.chunk.js": `var deep = 1;`,
	})

	result, err := NewResolver(WithMaxRounds(1)).ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("budget exhaustion must not fail the run: %v", err)
	}
	if result.Rounds != 1 {
		t.Errorf("expected 1 round, got %d", result.Rounds)
	}
	if result.Graph.NodeCount() != 2 {
		t.Errorf("expected partial graph of 2 nodes, got %d", result.Graph.NodeCount())
	}
	if diagKinds(result.Diagnostics)[DiagBudgetExceeded] != 1 {
		t.Errorf("expected a budget diagnostic, got %+v", result.Diagnostics)
	}
}

func TestResolve_ChunkBudgetCapsDispatch(t *testing.T) {
	entry := mustEntry(t, "https://example.com/js/main.js", `
a.u = function(e) { return {1: "a", 2: "b", 3: "c", 4: "d"}[e] + ".chunk.js"; };`)
	fetcher := newMapFetcher(map[string]string{
		"https://example.com/js/a.chunk.js": `1`,
		"https://example.com/js/b.chunk.js": `1`,
		"https://example.com/js/c.chunk.js": `1`,
		"https://example.com/js/d.chunk.js": `1`,
	})

	result, err := NewResolver(WithMaxChunks(2)).ResolveDetailed(context.Background(), entry, fetcher.fetch)
	if err != nil {
		t.Fatalf("ResolveDetailed failed: %v", err)
	}
	if len(result.Resolutions) != 2 {
		t.Errorf("expected 2 dispatched chunks, got %d", len(result.Resolutions))
	}
}

func TestResolve_NilInputs(t *testing.T) {
	fetcher := newMapFetcher(nil)
	if _, err := NewResolver().ResolveDetailed(context.Background(), nil, fetcher.fetch); err == nil {
		t.Error("nil entry must error")
	}
	entry := mustEntry(t, "https://example.com/js/main.js", `var a = 1;`)
	if _, err := NewResolver().ResolveDetailed(context.Background(), entry, nil); err == nil {
		t.Error("nil fetch must error")
	}
}

func TestResolve_CancelledContextEntryIsHardFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The entry has never been parsed, so the first Tree call sees the
	// cancelled context and the run fails outright.
	unit, err := ast.NewSourceUnit("https://example.com/js/main.js", []byte(`var a = 1;`))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	defer unit.Close()

	_, err = NewResolver().ResolveDetailed(ctx, unit, newMapFetcher(nil).fetch)
	if !errors.Is(err, ErrEntryUnparsable) {
		t.Fatalf("expected ErrEntryUnparsable, got %v", err)
	}
}

func TestResolve_DeterministicAcrossRuns(t *testing.T) {
	sources := map[string]string{
		"https://example.com/js/a.chunk.js": `x.u = function(e) { return {3: "c"}[e] + ".chunk.js"; };`,
		"https://example.com/js/b.chunk.js": `var b = 1;`,
		"https://example.com/js/c.chunk.js": `var c = 1;`,
	}
	run := func() ([]string, []ResolutionResult) {
		entry := mustEntry(t, "https://example.com/js/main.js", `
x.u = function(e) { return {1: "a", 2: "b"}[e] + ".chunk.js"; };`)
		result, err := NewResolver(WithWorkerCount(4)).ResolveDetailed(
			context.Background(), entry, newMapFetcher(sources).fetch)
		if err != nil {
			t.Fatalf("ResolveDetailed failed: %v", err)
		}
		return result.Graph.URLs(), result.Resolutions
	}

	urls1, res1 := run()
	urls2, res2 := run()
	if len(urls1) != len(urls2) {
		t.Fatalf("node sets differ: %v vs %v", urls1, urls2)
	}
	for i := range urls1 {
		if urls1[i] != urls2[i] {
			t.Errorf("node order differs at %d: %s vs %s", i, urls1[i], urls2[i])
		}
	}
	if len(res1) != len(res2) {
		t.Fatalf("resolution sets differ: %d vs %d", len(res1), len(res2))
	}
	for i := range res1 {
		if res1[i].ID != res2[i].ID || res1[i].URL != res2[i].URL || res1[i].State != res2[i].State {
			t.Errorf("resolution %d differs: %+v vs %+v", i, res1[i], res2[i])
		}
	}
}
