// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/graph"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/scan"
)

func testResult(t *testing.T) *packer.Result {
	t.Helper()
	g := graph.NewModuleGraph()
	unit, err := ast.NewSourceUnit("https://example.com/main.js", []byte("var a = 1;"))
	if err != nil {
		t.Fatal(err)
	}
	g.AddUnit(unit)
	chunk, err := ast.NewSourceUnit("https://example.com/1.chunk.js", []byte("var b = 2;"))
	if err != nil {
		t.Fatal(err)
	}
	g.AddUnit(chunk)
	g.AddEdge("https://example.com/main.js", "https://example.com/1.chunk.js")

	return &packer.Result{
		Graph: g,
		Resolutions: []packer.ResolutionResult{
			{ID: "1", State: packer.StateResolved, URL: "https://example.com/1.chunk.js", Provenance: "main.js:1"},
			{ID: "2", State: packer.StateFailed, Reason: "sandbox timeout"},
		},
		Diagnostics: []packer.Diagnostic{
			{Kind: packer.DiagSandboxTimeout, Subject: "2", Detail: "budget exceeded"},
		},
		Rounds: 2,
	}
}

func TestRender_ContainsRunData(t *testing.T) {
	findings := []scan.Finding{{
		Rule:     "json_web_token",
		Severity: scan.SeverityHigh,
		URL:      "https://example.com/1.chunk.js",
		Line:     1,
		Match:    "eyJtoken",
		Context:  "var t = eyJtoken",
	}}
	data := Build("https://example.com/", "run-42", testResult(t), findings)

	var buf bytes.Buffer
	if err := Render(&buf, data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	html := buf.String()

	for _, want := range []string{
		"https://example.com/main.js",
		"https://example.com/1.chunk.js",
		"run-42",
		"json_web_token",
		"sandbox timeout",
		"budget exceeded",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestRender_EscapesUntrustedContent(t *testing.T) {
	result := testResult(t)
	findings := []scan.Finding{{
		Rule:    "test",
		URL:     "https://example.com/1.chunk.js",
		Match:   `<script>alert(1)</script>`,
		Context: `<img src=x>`,
	}}

	var buf bytes.Buffer
	if err := Render(&buf, Build("https://example.com/", "run", result, findings)); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(buf.String(), "<script>alert(1)</script>") {
		t.Error("matched source must be HTML-escaped in the report")
	}
}

func TestRender_EmptySections(t *testing.T) {
	result := &packer.Result{Graph: graph.NewModuleGraph()}
	var buf bytes.Buffer
	if err := Render(&buf, Build("https://example.com/", "run", result, nil)); err != nil {
		t.Fatalf("Render failed on empty result: %v", err)
	}
	if !strings.Contains(buf.String(), "No findings.") {
		t.Error("empty findings section missing")
	}
}

func TestBuild_CountsNodes(t *testing.T) {
	data := Build("https://example.com/", "run", testResult(t), nil)
	if len(data.Nodes) != 2 {
		t.Errorf("expected 2 node rows, got %d", len(data.Nodes))
	}
	if len(data.Edges) != 1 {
		t.Errorf("expected 1 edge, got %d", len(data.Edges))
	}
	if data.Rounds != 2 {
		t.Errorf("expected 2 rounds, got %d", data.Rounds)
	}
}
