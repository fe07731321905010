// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scan

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// contextRadius is the number of bytes of surrounding source captured on
// each side of a match.
const contextRadius = 300

// maxFindingsPerRule caps findings per rule per unit so one minified bundle
// of repeated tokens cannot flood the report.
const maxFindingsPerRule = 50

// Finding is one rule match in one source unit.
type Finding struct {
	// Rule is the matching rule's name.
	Rule string

	// Description is the rule's description.
	Description string

	// Severity is the rule's severity.
	Severity string

	// URL is the source unit the match came from.
	URL string

	// Line is the 1-based line of the match start.
	Line int

	// Match is the matched text.
	Match string

	// Context is the surrounding source, newlines flattened.
	Context string
}

// ScannerOptions configures the scanner.
type ScannerOptions struct {
	// Catalog is the rule set. Default: DefaultCatalog()
	Catalog *Catalog

	// WorkerCount is the number of units scanned in parallel.
	// Default: runtime.NumCPU()
	WorkerCount int

	// Logger receives scan diagnostics. Default: slog.Default()
	Logger *slog.Logger
}

// ScannerOption is a functional option for configuring the scanner.
type ScannerOption func(*ScannerOptions)

// WithCatalog sets the rule catalog.
func WithCatalog(c *Catalog) ScannerOption {
	return func(o *ScannerOptions) {
		o.Catalog = c
	}
}

// WithWorkers sets the parallel unit count.
func WithWorkers(n int) ScannerOption {
	return func(o *ScannerOptions) {
		o.WorkerCount = n
	}
}

// WithScannerLogger sets the scanner logger.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(o *ScannerOptions) {
		o.Logger = logger
	}
}

// Scanner applies a rule catalog to source units.
//
// Thread Safety:
//
//	Scanner is safe for concurrent use; compiled rules are read-only
//	after construction.
type Scanner struct {
	options ScannerOptions
}

// NewScanner creates a scanner.
func NewScanner(opts ...ScannerOption) *Scanner {
	options := ScannerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Catalog == nil {
		options.Catalog = DefaultCatalog()
	}
	if options.WorkerCount <= 0 {
		options.WorkerCount = runtime.NumCPU()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Scanner{options: options}
}

// Scan applies every rule to every unit and returns findings sorted by
// URL, then line, then rule name.
func (s *Scanner) Scan(ctx context.Context, units []*ast.SourceUnit) ([]Finding, error) {
	var mu sync.Mutex
	var findings []Finding

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.options.WorkerCount)
	for _, unit := range units {
		unit := unit
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			found := s.scanUnit(unit)
			if len(found) > 0 {
				mu.Lock()
				findings = append(findings, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].URL != findings[j].URL {
			return findings[i].URL < findings[j].URL
		}
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].Rule < findings[j].Rule
	})
	return findings, nil
}

// scanUnit applies the catalog to one unit.
func (s *Scanner) scanUnit(unit *ast.SourceUnit) []Finding {
	source := unit.Text()
	var out []Finding
	for i := range s.options.Catalog.rules {
		rule := &s.options.Catalog.rules[i]
		locs := rule.compiled.FindAllStringIndex(source, maxFindingsPerRule)
		for _, loc := range locs {
			out = append(out, Finding{
				Rule:        rule.Name,
				Description: rule.Description,
				Severity:    rule.Severity,
				URL:         unit.URL,
				Line:        1 + strings.Count(source[:loc[0]], "\n"),
				Match:       source[loc[0]:loc[1]],
				Context:     contextAround(source, loc[0], loc[1]),
			})
		}
		if len(locs) == maxFindingsPerRule {
			s.options.Logger.Debug("rule hit finding cap",
				slog.String("rule", rule.Name),
				slog.String("url", unit.URL),
			)
		}
	}
	return out
}

// contextAround extracts the source surrounding a match, flattened to one
// line.
func contextAround(source string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + contextRadius
	if hi > len(source) {
		hi = len(source)
	}
	ctx := source[lo:hi]
	ctx = strings.ReplaceAll(ctx, "\n", " ")
	ctx = strings.ReplaceAll(ctx, "\r", " ")
	return strings.TrimSpace(ctx)
}
