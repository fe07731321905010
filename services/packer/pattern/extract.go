// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnresolvedFreeVariable is returned when a site's expression reads a
// variable that could not be resolved to a literal value inside the module,
// for example one populated from runtime network state. The site is abandoned.
var ErrUnresolvedFreeVariable = errors.New("free variable has no literal binding")

// Extracted is a transplantable chunk-name expression.
//
// Description:
//
//	Holds the mapping expression with all unrelated surrounding code
//	discarded, plus the environment of literal constants it closes over.
//	Evaluating the assembled program with a candidate chunk id performs no
//	more computation than the original site performed to compute a file
//	name; nothing beyond the captured literals is admitted.
//
// Thread Safety: Immutable after Extract returns.
type Extracted struct {
	// Kind is the pattern variant the expression was classified as.
	Kind Kind

	// Param is the chunk id parameter name.
	Param string

	// Body is the mapping expression source.
	Body string

	// Env maps free identifiers to the literal source they are bound to.
	Env map[string]string

	// Provenance identifies the originating site as "url:line".
	Provenance string
}

// Extract isolates a site's mapping expression and environment.
//
// Outputs:
//
//	*Extracted - The transplantable expression. Nil on error.
//	error      - ErrUnresolvedFreeVariable (wrapped, naming the variables)
//	             when the site depends on values that are not static
//	             literals within the module.
func Extract(site *Site) (*Extracted, error) {
	if len(site.MissingBindings) > 0 {
		return nil, fmt.Errorf("%w: %s at %s:%d needs %s",
			ErrUnresolvedFreeVariable, site.Kind, site.Unit.URL, site.Line,
			strings.Join(site.MissingBindings, ", "))
	}

	env := make(map[string]string, len(site.Bindings))
	for name, lit := range site.Bindings {
		env[name] = lit
	}

	return &Extracted{
		Kind:       site.Kind,
		Param:      site.Param,
		Body:       site.ExprSource,
		Env:        env,
		Provenance: fmt.Sprintf("%s:%d", site.Unit.URL, site.Line),
	}, nil
}

// Program assembles the single-expression program the sandbox evaluates.
//
// Description:
//
//	The program declares each captured constant, then ends with a function
//	expression mapping the chunk id parameter to the file name fragment.
//	The final expression is the program's value, so the evaluator can call
//	it directly. Environment declarations are emitted in sorted order for
//	deterministic output.
func (x *Extracted) Program() string {
	var b strings.Builder

	names := make([]string, 0, len(x.Env))
	for name := range x.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("var ")
		b.WriteString(name)
		b.WriteString(" = ")
		b.WriteString(x.Env[name])
		b.WriteString(";\n")
	}

	b.WriteString("(function(")
	b.WriteString(x.Param)
	b.WriteString(") { return (")
	b.WriteString(x.Body)
	b.WriteString("); })")
	return b.String()
}
