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
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// publicPathPattern matches the webpack publicPath assignment in bundler
// runtime code, both unminified (__webpack_require__.p = "...") and minified
// (e.p = "...").
var publicPathPattern = regexp.MustCompile(`(__webpack_require__\.p|\w\.p)\s*=\s*["']([^"']*)["']`)

// PublicPath extracts the webpack publicPath declared in a parent source.
//
// Outputs:
//
//	string - The declared public path.
//	bool   - False when the source declares none.
func PublicPath(source string) (string, bool) {
	m := publicPathPattern.FindStringSubmatch(source)
	if m == nil {
		return "", false
	}
	return m[2], true
}

// ChunkBaseURL computes the base URL chunk fragments resolve against: the
// parent script's URL, adjusted by its declared publicPath when present.
func ChunkBaseURL(parentURL, parentSource string) string {
	pp, ok := PublicPath(parentSource)
	if !ok || pp == "" {
		return parentURL
	}
	base, err := url.Parse(parentURL)
	if err != nil {
		return parentURL
	}
	ref, err := url.Parse(pp)
	if err != nil {
		return parentURL
	}
	return base.ResolveReference(ref).String()
}

// BuildChunkURL joins an evaluated file name fragment with the base URL.
//
// Description:
//
//	Absolute fragments pass through. Root-relative fragments resolve
//	against the base origin. Relative fragments are merged with the base
//	directory using overlap-aware segment joining: when the fragment
//	repeats the tail of the base directory ("static/js/x.js" under
//	".../static/js/") the shared run is collapsed, avoiding the doubled
//	path webpack's publicPath arithmetic otherwise produces.
//
// Outputs:
//
//	string - The absolute chunk URL.
//	error  - Non-nil when the base URL cannot be parsed.
func BuildChunkURL(fragment, baseURL string) (string, error) {
	if strings.HasPrefix(fragment, "http://") || strings.HasPrefix(fragment, "https://") {
		return fragment, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("base url %q has no origin", baseURL)
	}

	if strings.HasPrefix(fragment, "/") {
		ref, err := url.Parse(fragment)
		if err != nil {
			return "", fmt.Errorf("parsing fragment %q: %w", fragment, err)
		}
		return base.ResolveReference(ref).String(), nil
	}

	dir := base.Path
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[:idx+1]
	} else {
		dir = "/"
	}

	fragSegs := splitSegments(fragment)
	dirSegs := splitSegments(dir)

	overlap := 0
	for i := min(len(fragSegs), len(dirSegs)); i > 0; i-- {
		if segmentsEqual(dirSegs[len(dirSegs)-i:], fragSegs[:i]) {
			overlap = i
			break
		}
	}

	joined := append(append([]string{}, dirSegs...), fragSegs[overlap:]...)
	merged := *base
	merged.Path = "/" + strings.Join(joined, "/")
	merged.RawQuery = ""
	merged.Fragment = ""
	return merged.String(), nil
}

// splitSegments splits a path into its non-empty segments.
func splitSegments(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// segmentsEqual compares two segment runs.
func segmentsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
