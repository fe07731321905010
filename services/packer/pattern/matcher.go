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
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// Tree-sitter node type names for the JavaScript grammar.
//
// The anonymous function node was renamed between grammar releases, so both
// spellings are matched.
const (
	nodeProgram         = "program"
	nodeExprStatement   = "expression_statement"
	nodeAssignment      = "assignment_expression"
	nodeMember          = "member_expression"
	nodeSubscript       = "subscript_expression"
	nodeCall            = "call_expression"
	nodeFunctionOld     = "function"
	nodeFunctionExpr    = "function_expression"
	nodeArrowFunction   = "arrow_function"
	nodeFormalParams    = "formal_parameters"
	nodeStatementBlock  = "statement_block"
	nodeReturn          = "return_statement"
	nodeTernary         = "ternary_expression"
	nodeBinary          = "binary_expression"
	nodeParenthesized   = "parenthesized_expression"
	nodeTemplateString  = "template_string"
	nodeTemplateSubst   = "template_substitution"
	nodeObject          = "object"
	nodePair            = "pair"
	nodeArray           = "array"
	nodeString          = "string"
	nodeStringFragment  = "string_fragment"
	nodeEscapeSequence  = "escape_sequence"
	nodeNumber          = "number"
	nodeIdentifier      = "identifier"
	nodePropertyIdent   = "property_identifier"
	nodeLexicalDecl     = "lexical_declaration"
	nodeVariableDecl    = "variable_declaration"
	nodeVariableDeclar  = "variable_declarator"
	nodeComputedPropKey = "computed_property_name"
)

// DefaultMaxExprBytes caps the size of a single extracted mapping expression.
// Anything larger is treated as outside the supported pattern set.
const DefaultMaxExprBytes = 30000

// MatcherOptions configures Matcher behavior.
type MatcherOptions struct {
	// MaxExprBytes is the maximum mapping expression size in bytes.
	// Default: 30000
	MaxExprBytes int

	// MaxSitesPerUnit bounds how many sites are collected from one unit.
	// Adversarial inputs can carry thousands of candidate assignments.
	// Default: 64
	MaxSitesPerUnit int
}

// DefaultMatcherOptions returns sensible defaults.
func DefaultMatcherOptions() MatcherOptions {
	return MatcherOptions{
		MaxExprBytes:    DefaultMaxExprBytes,
		MaxSitesPerUnit: 64,
	}
}

// MatcherOption is a functional option for configuring Matcher.
type MatcherOption func(*MatcherOptions)

// WithMaxExprBytes sets the maximum mapping expression size.
func WithMaxExprBytes(n int) MatcherOption {
	return func(o *MatcherOptions) {
		o.MaxExprBytes = n
	}
}

// WithMaxSitesPerUnit bounds sites collected per unit.
func WithMaxSitesPerUnit(n int) MatcherOption {
	return func(o *MatcherOptions) {
		o.MaxSitesPerUnit = n
	}
}

// Matcher classifies chunk-loading call sites in parsed source units.
//
// Description:
//
//	The matcher walks a unit's syntax tree looking for the anchor shape a
//	bundler runtime emits for async chunk resolution: an assignment of a
//	single-parameter function to a member expression, whose returned
//	expression mentions ".js". Each anchor's return expression is then
//	classified into one of the Kind variants; shapes outside the closed
//	set are skipped and reported as Unrecognized.
//
// Thread Safety:
//
//	Matcher is stateless and safe for concurrent use.
type Matcher struct {
	options MatcherOptions
}

// NewMatcher creates a Matcher with the given options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	options := DefaultMatcherOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Matcher{options: options}
}

// Match walks one unit and returns the ordered chunk-loading sites.
//
// Description:
//
//	Sites are returned in source position order for determinism. A unit
//	with no recognizable sites yields an empty result, not an error; only
//	a failed parse is an error.
//
// Outputs:
//
//	*MatchResult - Sites, unrecognized candidates, and import-call ids.
//	error        - Non-nil only when the unit cannot be parsed.
func (m *Matcher) Match(ctx context.Context, unit *ast.SourceUnit) (*MatchResult, error) {
	root, err := unit.Tree(ctx)
	if err != nil {
		return nil, err
	}

	result := &MatchResult{}
	m.walk(unit, root, result)

	// Deterministic order by source position.
	sort.Slice(result.Sites, func(i, j int) bool {
		return result.Sites[i].StartByte < result.Sites[j].StartByte
	})

	result.ImportIDs = harvestImportIDs(unit, root)
	return result, nil
}

// walk visits every node looking for anchor assignments.
func (m *Matcher) walk(unit *ast.SourceUnit, node *sitter.Node, result *MatchResult) {
	if node == nil || len(result.Sites) >= m.options.MaxSitesPerUnit {
		return
	}

	if node.Type() == nodeAssignment {
		m.matchAssignment(unit, node, result)
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		m.walk(unit, node.NamedChild(i), result)
	}
}

// matchAssignment checks one assignment for the anchor shape
// <member> = function(id) { return <expr> }.
func (m *Matcher) matchAssignment(unit *ast.SourceUnit, node *sitter.Node, result *MatchResult) {
	left := node.ChildByFieldName("left")
	right := node.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != nodeMember {
		return
	}
	if !isFunctionNode(right.Type()) {
		return
	}

	param, ok := singleParam(unit, right)
	if !ok {
		return
	}
	expr := returnedExpression(right)
	if expr == nil {
		return
	}

	exprSource := unit.Slice(expr)
	if !strings.Contains(exprSource, ".js") {
		return
	}
	if len(exprSource) > m.options.MaxExprBytes {
		result.Unrecognized = append(result.Unrecognized, unrecognizedAt(unit, expr, exprSource))
		return
	}

	kind := classify(unit, expr, param)
	if kind == KindUnknown {
		result.Unrecognized = append(result.Unrecognized, unrecognizedAt(unit, expr, exprSource))
		return
	}

	site := &Site{
		Unit:       unit,
		Kind:       kind,
		Param:      param,
		ExprSource: exprSource,
		Bindings:   map[string]string{},
		StartByte:  node.StartByte(),
		Line:       int(node.StartPoint().Row) + 1,
	}

	// Resolve the free identifiers the expression reads against literal
	// declarations in the enclosing scopes.
	for _, name := range freeIdentifiers(unit, expr, param) {
		lit, found := resolveBinding(unit, node, name)
		if !found {
			site.MissingBindings = append(site.MissingBindings, name)
			continue
		}
		site.Bindings[name] = lit
	}
	sort.Strings(site.MissingBindings)

	site.IDs = harvestSiteIDs(unit, expr, site.Bindings)
	result.Sites = append(result.Sites, site)
}

// unrecognizedAt builds a bounded diagnostic for a skipped candidate.
func unrecognizedAt(unit *ast.SourceUnit, expr *sitter.Node, source string) Unrecognized {
	const maxSnippet = 160
	if len(source) > maxSnippet {
		source = source[:maxSnippet] + "..."
	}
	return Unrecognized{
		URL:     unit.URL,
		Line:    int(expr.StartPoint().Row) + 1,
		Snippet: source,
	}
}

// isFunctionNode reports whether a node type is a function-valued expression.
func isFunctionNode(t string) bool {
	return t == nodeFunctionOld || t == nodeFunctionExpr || t == nodeArrowFunction
}

// singleParam returns the name of the function's only parameter.
func singleParam(unit *ast.SourceUnit, fn *sitter.Node) (string, bool) {
	params := fn.ChildByFieldName("parameters")
	if params == nil {
		// Arrow functions allow a bare identifier parameter: e => ...
		if p := fn.ChildByFieldName("parameter"); p != nil && p.Type() == nodeIdentifier {
			return unit.Slice(p), true
		}
		return "", false
	}
	var names []string
	for i := 0; i < int(params.NamedChildCount()); i++ {
		child := params.NamedChild(i)
		if child.Type() == nodeIdentifier {
			names = append(names, unit.Slice(child))
		}
	}
	if len(names) != 1 {
		return "", false
	}
	return names[0], true
}

// returnedExpression finds the expression the function maps its parameter to:
// the argument of the first top-level return statement, or the arrow body.
func returnedExpression(fn *sitter.Node) *sitter.Node {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	if body.Type() != nodeStatementBlock {
		// Expression-bodied arrow function.
		return body
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt.Type() == nodeReturn {
			if arg := stmt.NamedChild(0); arg != nil {
				return arg
			}
			return nil
		}
	}
	return nil
}

// classify maps a returned expression to a pattern Kind.
//
// The closed variant set keeps new bundler idioms additive: a new shape is a
// new Kind plus its harvesting rules, never a widening of an existing case.
func classify(unit *ast.SourceUnit, expr *sitter.Node, param string) Kind {
	if containsDisallowed(expr) {
		return KindUnknown
	}

	inner := expr
	for inner.Type() == nodeParenthesized && inner.NamedChildCount() > 0 {
		inner = inner.NamedChild(0)
	}
	topTernary := inner.Type() == nodeTernary

	var hasObjectMap, hasArrayMap, hasIndirect bool
	walkNodes(expr, func(n *sitter.Node) {
		if n.Type() != nodeSubscript {
			return
		}
		obj := n.ChildByFieldName("object")
		if obj == nil {
			return
		}
		switch obj.Type() {
		case nodeObject:
			hasObjectMap = true
		case nodeArray:
			hasArrayMap = true
		case nodeIdentifier:
			hasIndirect = true
		}
	})

	switch {
	case topTernary:
		return KindTernary
	case hasObjectMap:
		return KindObjectMap
	case hasArrayMap:
		return KindArrayMap
	case hasIndirect:
		return KindIndirect
	}

	if mentionsIdentifier(unit, expr, param) && isFormulaOnly(expr) {
		return KindFormula
	}
	return KindUnknown
}

// containsDisallowed reports whether the expression admits computation beyond
// literal lookups and string assembly. Calls, allocation, mutation, and
// nested functions all disqualify a site.
func containsDisallowed(expr *sitter.Node) bool {
	found := false
	walkNodes(expr, func(n *sitter.Node) {
		switch n.Type() {
		case nodeCall, "new_expression", nodeAssignment, "augmented_assignment_expression",
			"update_expression", "await_expression", "yield_expression",
			nodeFunctionOld, nodeFunctionExpr, nodeArrowFunction, nodeMember:
			found = true
		}
	})
	return found
}

// isFormulaOnly reports whether every node in the expression belongs to the
// concatenation-formula grammar subset.
func isFormulaOnly(expr *sitter.Node) bool {
	ok := true
	walkNodes(expr, func(n *sitter.Node) {
		switch n.Type() {
		case nodeBinary, nodeParenthesized, nodeString, nodeStringFragment,
			nodeEscapeSequence, nodeTemplateString, nodeTemplateSubst,
			nodeNumber, nodeIdentifier:
		default:
			ok = false
		}
	})
	return ok
}

// mentionsIdentifier reports whether the expression references the name.
func mentionsIdentifier(unit *ast.SourceUnit, expr *sitter.Node, name string) bool {
	found := false
	walkNodes(expr, func(n *sitter.Node) {
		if n.Type() == nodeIdentifier && unit.Slice(n) == name {
			found = true
		}
	})
	return found
}

// freeIdentifiers returns the sorted, de-duplicated identifiers the
// expression reads, excluding the chunk id parameter.
func freeIdentifiers(unit *ast.SourceUnit, expr *sitter.Node, param string) []string {
	seen := map[string]bool{}
	walkNodes(expr, func(n *sitter.Node) {
		if n.Type() != nodeIdentifier {
			return
		}
		name := unit.Slice(n)
		if name != "" && name != param {
			seen[name] = true
		}
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveBinding searches the enclosing scopes for a literal declaration of
// name and returns its source text.
//
// Limited def-use resolution: only `var/let/const name = <literal>` and
// `name = <literal>` forms in an enclosing block or the program root qualify.
func resolveBinding(unit *ast.SourceUnit, from *sitter.Node, name string) (string, bool) {
	for scope := from.Parent(); scope != nil; scope = scope.Parent() {
		t := scope.Type()
		if t != nodeStatementBlock && t != nodeProgram {
			continue
		}
		for i := 0; i < int(scope.NamedChildCount()); i++ {
			stmt := scope.NamedChild(i)
			if lit, ok := bindingFromStatement(unit, stmt, name); ok {
				return lit, true
			}
		}
	}
	return "", false
}

// bindingFromStatement extracts a literal binding for name from one statement.
func bindingFromStatement(unit *ast.SourceUnit, stmt *sitter.Node, name string) (string, bool) {
	switch stmt.Type() {
	case nodeLexicalDecl, nodeVariableDecl:
		for i := 0; i < int(stmt.NamedChildCount()); i++ {
			decl := stmt.NamedChild(i)
			if decl.Type() != nodeVariableDeclar {
				continue
			}
			nameNode := decl.ChildByFieldName("name")
			value := decl.ChildByFieldName("value")
			if nameNode == nil || value == nil {
				continue
			}
			if unit.Slice(nameNode) == name && isLiteral(value) {
				return unit.Slice(value), true
			}
		}
	case nodeExprStatement:
		assign := stmt.NamedChild(0)
		if assign == nil || assign.Type() != nodeAssignment {
			return "", false
		}
		left := assign.ChildByFieldName("left")
		right := assign.ChildByFieldName("right")
		if left != nil && right != nil && left.Type() == nodeIdentifier &&
			unit.Slice(left) == name && isLiteral(right) {
			return unit.Slice(right), true
		}
	}
	return "", false
}

// isLiteral reports whether a node is a pure data literal: strings, numbers,
// substitution-free templates, and object/array literals built solely from
// those.
func isLiteral(n *sitter.Node) bool {
	switch n.Type() {
	case nodeString, nodeStringFragment, nodeEscapeSequence, nodeNumber:
		return true
	case nodeTemplateString:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if n.NamedChild(i).Type() == nodeTemplateSubst {
				return false
			}
		}
		return true
	case nodeObject:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			pair := n.NamedChild(i)
			if pair.Type() != nodePair {
				return false
			}
			key := pair.ChildByFieldName("key")
			value := pair.ChildByFieldName("value")
			if key == nil || value == nil || key.Type() == nodeComputedPropKey || !isLiteral(value) {
				return false
			}
		}
		return true
	case nodeArray:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if !isLiteral(n.NamedChild(i)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// harvestSiteIDs collects candidate chunk ids from the literal maps the
// expression reads, both inline and through resolved indirect bindings.
func harvestSiteIDs(unit *ast.SourceUnit, expr *sitter.Node, bindings map[string]string) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	walkNodes(expr, func(n *sitter.Node) {
		switch n.Type() {
		case nodeObject:
			for _, id := range objectKeys(unit, n) {
				add(id)
			}
		case nodeArray:
			for i := 0; i < int(n.NamedChildCount()); i++ {
				add(strconv.Itoa(i))
			}
		}
	})

	// Indirect tables live in bindings, not in the expression itself. The
	// bound literal source is scanned textually for its keys, matching the
	// key shapes isLiteral admits.
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, id := range literalSourceKeys(bindings[name]) {
			add(id)
		}
	}
	return ids
}

// objectKeys returns the keys of an object literal as chunk id strings.
func objectKeys(unit *ast.SourceUnit, obj *sitter.Node) []string {
	var keys []string
	for i := 0; i < int(obj.NamedChildCount()); i++ {
		pair := obj.NamedChild(i)
		if pair.Type() != nodePair {
			continue
		}
		key := pair.ChildByFieldName("key")
		if key == nil {
			continue
		}
		switch key.Type() {
		case nodePropertyIdent, nodeNumber, nodeIdentifier:
			keys = append(keys, unit.Slice(key))
		case nodeString:
			keys = append(keys, unquote(unit.Slice(key)))
		}
	}
	return keys
}

// literalSourceKeys harvests map keys or array indices from a literal's
// source text without re-parsing it.
func literalSourceKeys(source string) []string {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil
	}
	switch source[0] {
	case '{':
		return objectSourceKeys(source)
	case '[':
		n := strings.Count(source, ",") + 1
		keys := make([]string, 0, n)
		for i := 0; i < n; i++ {
			keys = append(keys, strconv.Itoa(i))
		}
		return keys
	}
	return nil
}

// objectKeyPattern matches a map key at an object opener or after a comma:
// quoted strings or bare identifier/number keys, up to the colon.
var objectKeyPattern = regexp.MustCompile(`[{,]\s*("[^"]*"|'[^']*'|[A-Za-z0-9_$.\-]+)\s*:`)

// objectSourceKeys scans `{k1:v1,k2:v2,...}` source text for its keys.
func objectSourceKeys(source string) []string {
	matches := objectKeyPattern.FindAllStringSubmatch(source, -1)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if key := unquote(m[1]); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// harvestImportIDs finds chunk ids passed as sole literal arguments to
// require.ensure style loaders: __webpack_require__.e(42), r.e("vendors").
func harvestImportIDs(unit *ast.SourceUnit, root *sitter.Node) []string {
	seen := map[string]bool{}
	var ids []string
	walkNodes(root, func(n *sitter.Node) {
		if n.Type() != nodeCall {
			return
		}
		callee := n.ChildByFieldName("function")
		if callee == nil || callee.Type() != nodeMember {
			return
		}
		prop := callee.ChildByFieldName("property")
		if prop == nil || unit.Slice(prop) != "e" {
			return
		}
		args := n.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() != 1 {
			return
		}
		arg := args.NamedChild(0)
		var id string
		switch arg.Type() {
		case nodeNumber:
			id = unit.Slice(arg)
		case nodeString:
			id = unquote(unit.Slice(arg))
		default:
			return
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	})
	return ids
}

// walkNodes visits n and every named descendant in pre-order.
func walkNodes(n *sitter.Node, fn func(*sitter.Node)) {
	if n == nil {
		return
	}
	fn(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walkNodes(n.NamedChild(i), fn)
	}
}

// unquote strips one layer of matching string quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"',
			s[0] == '\'' && s[len(s)-1] == '\'',
			s[0] == '`' && s[len(s)-1] == '`':
			return s[1 : len(s)-1]
		}
	}
	return s
}
