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
	"sort"
	"sync"
)

// ChunkState is the lifecycle state of one chunk id within a run.
type ChunkState int

const (
	// StatePending means the id is known but not yet dispatched.
	StatePending ChunkState = iota

	// StateResolving means the id has been dispatched to a worker.
	StateResolving

	// StateResolved means the id's URL is known.
	StateResolved

	// StateFailed is terminal; the reason is recorded and the run
	// continues. Failures are not retried within the same run.
	StateFailed
)

// String returns the string representation of the ChunkState.
func (s ChunkState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResolutionResult is the terminal record for one chunk id.
//
// Written at most once per id per run.
type ResolutionResult struct {
	// ID is the chunk id.
	ID string `json:"id"`

	// State is StateResolved or StateFailed once terminal.
	State ChunkState `json:"state"`

	// URL is the resolved chunk URL, when resolved.
	URL string `json:"url,omitempty"`

	// Provenance names the site ("url:line") that produced the mapping.
	Provenance string `json:"provenance,omitempty"`

	// Reason describes the failure, when failed.
	Reason string `json:"reason,omitempty"`
}

// resolutionLedger tracks per-id state transitions for one run.
//
// Thread Safety: safe for concurrent use.
type resolutionLedger struct {
	mu      sync.Mutex
	results map[string]*ResolutionResult
}

func newResolutionLedger() *resolutionLedger {
	return &resolutionLedger{results: make(map[string]*ResolutionResult)}
}

// begin moves an id to StateResolving. The caller must already hold the
// VisitedSet claim for the id, so no transition race is possible.
func (l *resolutionLedger) begin(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[id] = &ResolutionResult{ID: id, State: StateResolving}
}

// resolve records a terminal resolved state.
func (l *resolutionLedger) resolve(id, url, provenance string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.results[id]; ok && r.State == StateResolving {
		r.State = StateResolved
		r.URL = url
		r.Provenance = provenance
	}
}

// fail records a terminal failed state.
func (l *resolutionLedger) fail(id, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.results[id]; ok && r.State == StateResolving {
		r.State = StateFailed
		r.Reason = reason
	}
}

// snapshot returns all results sorted by id.
func (l *resolutionLedger) snapshot() []ResolutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ResolutionResult, 0, len(l.results))
	for _, r := range l.results {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
