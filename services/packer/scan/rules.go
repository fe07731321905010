// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scan searches recovered JavaScript sources for sensitive
// information using a YAML-defined rule catalog.
package scan

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Severity levels for rules and findings.
const (
	SeverityInfo   = "info"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Rule is one sensitive-information pattern.
type Rule struct {
	// Name identifies the rule in findings and reports.
	Name string `yaml:"name"`

	// Description explains what the rule detects.
	Description string `yaml:"description"`

	// Severity is one of info, low, medium, high.
	Severity string `yaml:"severity"`

	// Pattern is the RE2 regular expression.
	Pattern string `yaml:"pattern"`

	compiled *regexp.Regexp
}

// Catalog is a compiled set of rules.
type Catalog struct {
	rules []Rule
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultCatalog returns the built-in rule set.
func DefaultCatalog() *Catalog {
	catalog, err := ParseCatalog(defaultRulesYAML)
	if err != nil {
		// The embedded catalog is validated by tests; a failure here is
		// a build defect.
		panic(fmt.Sprintf("embedded rule catalog invalid: %v", err))
	}
	return catalog
}

// ParseCatalog parses and compiles a YAML rule catalog.
//
// Outputs:
//
//	*Catalog - The compiled catalog.
//	error    - YAML errors, missing fields, invalid severities, or
//	           patterns RE2 cannot compile.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rule catalog: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule catalog is empty")
	}

	seen := make(map[string]bool)
	for i := range file.Rules {
		r := &file.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		switch r.Severity {
		case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return nil, fmt.Errorf("rule %q: invalid severity %q", r.Name, r.Severity)
		}
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.compiled = compiled
	}
	return &Catalog{rules: file.Rules}, nil
}

// Merge returns a catalog containing this catalog's rules plus the other's.
// Rules from other replace same-named rules from the receiver.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	if other == nil {
		return c
	}
	byName := make(map[string]int, len(c.rules))
	merged := make([]Rule, len(c.rules))
	copy(merged, c.rules)
	for i, r := range merged {
		byName[r.Name] = i
	}
	for _, r := range other.rules {
		if i, ok := byName[r.Name]; ok {
			merged[i] = r
		} else {
			merged = append(merged, r)
		}
	}
	return &Catalog{rules: merged}
}

// Rules returns the catalog's rules in definition order.
func (c *Catalog) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len returns the number of rules.
func (c *Catalog) Len() int {
	return len(c.rules)
}
