// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders a discovery run into a standalone HTML document.
package report

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/graph"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/scan"
)

//go:embed report.html.tmpl
var reportTemplate string

// Data is everything a report renders.
type Data struct {
	// Target is the scanned entry URL.
	Target string

	// RunTag identifies the run.
	RunTag string

	// GeneratedAt is the render time.
	GeneratedAt time.Time

	// Rounds is the number of discovery rounds.
	Rounds int

	// Nodes are the discovered source units.
	Nodes []NodeRow

	// Edges are the discovery edges.
	Edges []graph.Edge

	// Resolutions are the per-chunk-id outcomes.
	Resolutions []packer.ResolutionResult

	// Diagnostics are the run's non-fatal conditions.
	Diagnostics []packer.Diagnostic

	// Findings are the sensitive-information matches.
	Findings []scan.Finding
}

// NodeRow is one source unit in the report.
type NodeRow struct {
	URL    string
	Size   int
	Inline bool
}

// Build assembles report data from a resolver result and scan findings.
func Build(target, runTag string, result *packer.Result, findings []scan.Finding) *Data {
	data := &Data{
		Target:      target,
		RunTag:      runTag,
		GeneratedAt: time.Now().UTC(),
		Rounds:      result.Rounds,
		Edges:       result.Graph.Edges(),
		Resolutions: result.Resolutions,
		Diagnostics: result.Diagnostics,
		Findings:    findings,
	}
	for _, unit := range result.Graph.Units() {
		data.Nodes = append(data.Nodes, NodeRow{
			URL:    unit.URL,
			Size:   len(unit.Content),
			Inline: unit.Inline,
		})
	}
	return data
}

// Render writes the HTML report.
func Render(w io.Writer, data *Data) error {
	tmpl, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return fmt.Errorf("parsing report template: %w", err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	return nil
}
