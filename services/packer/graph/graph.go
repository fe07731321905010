// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the output artifact of a resolution run: the set of
// discovered JavaScript resources and their discovery provenance, plus the
// visited-set gate that enforces at-most-once work under concurrency.
package graph

import (
	"sort"
	"sync"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// Edge records that the child resource was discovered from the parent.
type Edge struct {
	// From is the parent URL.
	From string `json:"from"`

	// To is the child URL.
	To string `json:"to"`
}

// ModuleGraph maps URLs to their source units and records discovery edges.
//
// Description:
//
//	Grows monotonically during a resolution run; nodes and edges are never
//	removed. One graph belongs to one run — there is no process-wide
//	registry, so concurrent runs cannot interfere.
//
// Thread Safety:
//
//	Safe for concurrent use. Writers from the worker pool funnel through
//	a single mutex; accessors return copies.
type ModuleGraph struct {
	mu       sync.RWMutex
	units    map[string]*ast.SourceUnit
	edges    []Edge
	edgeSeen map[Edge]bool
}

// NewModuleGraph creates an empty graph.
func NewModuleGraph() *ModuleGraph {
	return &ModuleGraph{
		units:    make(map[string]*ast.SourceUnit),
		edgeSeen: make(map[Edge]bool),
	}
}

// AddUnit inserts a unit keyed by its URL.
//
// Outputs:
//
//	bool - True if the unit was new; false if the URL was already present
//	       (the existing unit is kept).
func (g *ModuleGraph) AddUnit(u *ast.SourceUnit) bool {
	if u == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.units[u.URL]; exists {
		return false
	}
	g.units[u.URL] = u
	return true
}

// AddEdge records a discovered-from edge. Duplicate edges are dropped.
func (g *ModuleGraph) AddEdge(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	e := Edge{From: from, To: to}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edgeSeen[e] {
		return
	}
	g.edgeSeen[e] = true
	g.edges = append(g.edges, e)
}

// Unit returns the unit stored for a URL.
func (g *ModuleGraph) Unit(url string) (*ast.SourceUnit, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.units[url]
	return u, ok
}

// URLs returns all node URLs in sorted order.
func (g *ModuleGraph) URLs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	urls := make([]string, 0, len(g.units))
	for url := range g.units {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Units returns all source units ordered by URL. This is the flat view the
// sensitive-data scanner consumes.
func (g *ModuleGraph) Units() []*ast.SourceUnit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	urls := make([]string, 0, len(g.units))
	for url := range g.units {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	units := make([]*ast.SourceUnit, 0, len(urls))
	for _, url := range urls {
		units = append(units, g.units[url])
	}
	return units
}

// Edges returns a sorted copy of the discovery edges.
func (g *ModuleGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Edge, len(g.edges))
	copy(edges, g.edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// NodeCount returns the number of nodes.
func (g *ModuleGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.units)
}

// EdgeCount returns the number of edges.
func (g *ModuleGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Close releases every unit's parse tree. The caller does this once the run
// and any downstream scanning are finished.
func (g *ModuleGraph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.units {
		u.Close()
	}
}

// VisitedSet is the single authority preventing duplicate work.
//
// Description:
//
//	Tracks chunk ids and URLs already scheduled or resolved. Insert and
//	membership check are one atomic operation with single-writer-wins
//	semantics, so an id is dispatched to at most one worker. This is the
//	mechanism behind the at-most-once resolution invariant.
//
// Thread Safety: Safe for concurrent use.
type VisitedSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewVisitedSet creates an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{members: make(map[string]struct{})}
}

// Add inserts a key, returning true only for the first writer.
func (s *VisitedSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.members[key]; exists {
		return false
	}
	s.members[key] = struct{}{}
	return true
}

// Contains reports membership without inserting.
func (s *VisitedSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.members[key]
	return exists
}

// Len returns the number of members.
func (s *VisitedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}
