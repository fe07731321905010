// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pattern recognizes the code shapes bundlers emit to compute a
// chunk's file name from its id, and extracts the minimal expression (plus
// the literal constants it closes over) needed to evaluate that mapping in
// isolation.
package pattern

import (
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// Kind is the closed set of recognized chunk-loading shapes.
//
// New bundler idioms are added as new variants with their own extraction
// rules, not by widening existing cases.
type Kind int

const (
	// KindUnknown marks a call site that looked like chunk loading but
	// matched no supported shape.
	KindUnknown Kind = iota

	// KindObjectMap is an object literal mapping chunk id to a filename
	// fragment, read via computed property access: {0:"a",1:"b"}[id].
	KindObjectMap

	// KindArrayMap is an array literal indexed by a numeric chunk id.
	KindArrayMap

	// KindFormula is a pure concatenation or template formula combining a
	// fixed prefix, the chunk id, and a fixed suffix: "chunk-" + id + ".js".
	KindFormula

	// KindTernary is conditional dispatch selecting between a small fixed
	// set of filename formulas based on the id.
	KindTernary

	// KindIndirect is a lookup through an intermediate identifier bound to
	// a literal table earlier in the enclosing scope.
	KindIndirect
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindObjectMap:
		return "object_map"
	case KindArrayMap:
		return "array_map"
	case KindFormula:
		return "formula"
	case KindTernary:
		return "ternary"
	case KindIndirect:
		return "indirect"
	default:
		return "unknown"
	}
}

// Site is a located expression believed to compute chunk file names.
//
// Description:
//
//	Created by the Matcher for each recognized chunk-loading call site.
//	A Site carries everything extraction needs to proceed in isolation:
//	the mapping expression source, the name of the chunk id parameter,
//	and the literal sibling declarations the expression reads.
//
// Thread Safety: Immutable after Match returns.
type Site struct {
	// Unit is the source unit the site was found in.
	Unit *ast.SourceUnit

	// Kind is the recognized pattern variant.
	Kind Kind

	// Param is the name of the function parameter carrying the chunk id.
	Param string

	// ExprSource is the minimal mapping expression, verbatim source text.
	ExprSource string

	// Bindings maps each free identifier the expression reads to the
	// literal source text it is bound to in the enclosing scope.
	Bindings map[string]string

	// MissingBindings lists free identifiers that could not be resolved
	// to literal values. Non-empty means extraction will fail.
	MissingBindings []string

	// IDs are candidate chunk ids harvested from literal maps adjacent to
	// the expression, in source order.
	IDs []string

	// StartByte is the byte offset of the site, used for deterministic
	// ordering of candidates.
	StartByte uint32

	// Line is the 1-based source line of the site, for diagnostics.
	Line int
}

// Unrecognized records a candidate call site that matched no known shape.
// Surfaced as a missed-coverage diagnostic, never as a fatal error.
type Unrecognized struct {
	// URL is the source unit the site was found in.
	URL string

	// Line is the 1-based source line.
	Line int

	// Snippet is a bounded excerpt of the offending expression.
	Snippet string
}

// MatchResult is the outcome of matching one source unit.
type MatchResult struct {
	// Sites are the recognized chunk-loading sites in source order.
	Sites []*Site

	// Unrecognized are candidate sites that matched no supported shape.
	Unrecognized []Unrecognized

	// ImportIDs are chunk ids referenced by require.ensure style import
	// calls anywhere in the unit, independent of any one site.
	ImportIDs []string
}
