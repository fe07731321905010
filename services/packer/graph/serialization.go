// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// GraphSchemaVersion is the serialization schema version.
const GraphSchemaVersion = "1.0"

// SerializableNode is one discovered resource in portable form.
type SerializableNode struct {
	// URL is the resource location.
	URL string `json:"url"`

	// Hash is the hex SHA256 of the content.
	Hash string `json:"hash"`

	// Size is the content length in bytes.
	Size int `json:"size"`

	// Inline marks units lifted from inline script blocks.
	Inline bool `json:"inline,omitempty"`

	// Content is the raw JavaScript text.
	Content string `json:"content"`
}

// SerializableGraph is the portable form of a ModuleGraph.
type SerializableGraph struct {
	// SchemaVersion identifies the serialization layout.
	SchemaVersion string `json:"schema_version"`

	// Nodes are the discovered resources, sorted by URL.
	Nodes []SerializableNode `json:"nodes"`

	// Edges are the discovery-provenance edges, sorted.
	Edges []Edge `json:"edges"`

	// GraphHash is a deterministic hash of the node and edge structure.
	// Two runs that discover the same resources produce the same hash.
	GraphHash string `json:"graph_hash"`
}

// ToSerializable converts the graph to its portable form.
//
// Description:
//
//	Output is fully deterministic: nodes and edges are sorted, and the
//	structural hash covers URLs, content hashes, and edges in that order.
func (g *ModuleGraph) ToSerializable() *SerializableGraph {
	units := g.Units()
	nodes := make([]SerializableNode, 0, len(units))
	for _, u := range units {
		nodes = append(nodes, SerializableNode{
			URL:     u.URL,
			Hash:    u.Hash,
			Size:    len(u.Content),
			Inline:  u.Inline,
			Content: u.Text(),
		})
	}
	edges := g.Edges()

	h := sha256.New()
	for _, n := range nodes {
		fmt.Fprintf(h, "node:%s:%s\n", n.URL, n.Hash)
	}
	for _, e := range edges {
		fmt.Fprintf(h, "edge:%s>%s\n", e.From, e.To)
	}

	return &SerializableGraph{
		SchemaVersion: GraphSchemaVersion,
		Nodes:         nodes,
		Edges:         edges,
		GraphHash:     hex.EncodeToString(h.Sum(nil)),
	}
}

// FromSerializable reconstructs a ModuleGraph from its portable form.
//
// Outputs:
//
//	*ModuleGraph - The reconstructed graph.
//	error        - Non-nil if a node fails unit validation.
func FromSerializable(sg *SerializableGraph) (*ModuleGraph, error) {
	if sg == nil {
		return nil, fmt.Errorf("serializable graph must not be nil")
	}
	g := NewModuleGraph()
	for _, n := range sg.Nodes {
		unit, err := ast.NewSourceUnit(n.URL, []byte(n.Content), ast.WithInline(n.Inline))
		if err != nil {
			return nil, fmt.Errorf("reconstructing node %s: %w", n.URL, err)
		}
		g.AddUnit(unit)
	}
	for _, e := range sg.Edges {
		g.AddEdge(e.From, e.To)
	}
	return g, nil
}
