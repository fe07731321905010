// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package packer drives asynchronous chunk discovery: it orchestrates
// fetch → parse → match → extract → evaluate pipelines until no new chunks
// are found, producing a ModuleGraph of the application's full JavaScript
// footprint.
package packer

import "errors"

// Failure taxonomy for a discovery run. Apart from an unparsable entry unit,
// every condition degrades to partial results plus diagnostics; none aborts
// the run.
var (
	// ErrEntryUnparsable is the one hard failure: the root unit could not
	// be parsed, so discovery cannot start.
	ErrEntryUnparsable = errors.New("entry source unit could not be parsed")

	// ErrBudgetExceeded marks a run stopped by its round or time budget.
	// Callers still receive the partial graph; this appears only in
	// diagnostics, never as a returned error.
	ErrBudgetExceeded = errors.New("discovery budget exceeded")

	// ErrFetchFailed marks a chunk whose resolved URL could not be
	// fetched. Fetch policy (retries, backoff) belongs to the fetcher;
	// the resolver records the failure once and moves on.
	ErrFetchFailed = errors.New("chunk fetch failed")
)

// DiagnosticKind classifies a non-fatal condition recorded during a run.
type DiagnosticKind string

// Diagnostic kinds, one per failure taxonomy entry.
const (
	DiagParseError           DiagnosticKind = "parse_error"
	DiagPatternNotRecognized DiagnosticKind = "pattern_not_recognized"
	DiagExtractionFailed     DiagnosticKind = "extraction_failed"
	DiagSandboxTimeout       DiagnosticKind = "sandbox_timeout"
	DiagSandboxError         DiagnosticKind = "sandbox_error"
	DiagFetchError           DiagnosticKind = "fetch_error"
	DiagBudgetExceeded       DiagnosticKind = "budget_exceeded"
)

// Diagnostic records one non-fatal condition from a discovery run.
type Diagnostic struct {
	// Kind classifies the condition.
	Kind DiagnosticKind `json:"kind"`

	// Subject is the URL, chunk id, or site the condition applies to.
	Subject string `json:"subject"`

	// Detail is a human-readable description.
	Detail string `json:"detail"`
}
