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

import "testing"

func TestPublicPath(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
		found  bool
	}{
		{"unminified", `__webpack_require__.p = "/assets/";`, "/assets/", true},
		{"minified", `e.p="https://cdn.example.com/static/";`, "https://cdn.example.com/static/", true},
		{"single quotes", `r.p = '/js/';`, "/js/", true},
		{"absent", `var x = 1;`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := PublicPath(tt.source)
			if found != tt.found || got != tt.want {
				t.Errorf("PublicPath() = (%q, %v), want (%q, %v)", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestChunkBaseURL(t *testing.T) {
	parent := "https://example.com/static/js/main.js"

	if got := ChunkBaseURL(parent, `var x = 1;`); got != parent {
		t.Errorf("no publicPath must keep the parent URL, got %q", got)
	}
	if got := ChunkBaseURL(parent, `e.p = "/assets/";`); got != "https://example.com/assets/" {
		t.Errorf("root publicPath: got %q", got)
	}
	if got := ChunkBaseURL(parent, `e.p = "https://cdn.example.com/app/";`); got != "https://cdn.example.com/app/" {
		t.Errorf("absolute publicPath: got %q", got)
	}
}

func TestBuildChunkURL(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		base     string
		want     string
	}{
		{
			"absolute fragment passes through",
			"https://cdn.example.com/a.js",
			"https://example.com/js/main.js",
			"https://cdn.example.com/a.js",
		},
		{
			"root-relative resolves against origin",
			"/static/js/1.chunk.js",
			"https://example.com/app/main.js",
			"https://example.com/static/js/1.chunk.js",
		},
		{
			"relative joins base directory",
			"1.chunk.js",
			"https://example.com/static/js/main.js",
			"https://example.com/static/js/1.chunk.js",
		},
		{
			"overlapping segments collapse",
			"static/js/1.chunk.js",
			"https://example.com/static/js/main.js",
			"https://example.com/static/js/1.chunk.js",
		},
		{
			"partial overlap collapses the shared run",
			"js/1.chunk.js",
			"https://example.com/static/js/main.js",
			"https://example.com/static/js/1.chunk.js",
		},
		{
			"no overlap appends",
			"chunks/1.js",
			"https://example.com/static/main.js",
			"https://example.com/static/chunks/1.js",
		},
		{
			"base with directory path",
			"7.chunk.js",
			"https://example.com/assets/",
			"https://example.com/assets/7.chunk.js",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildChunkURL(tt.fragment, tt.base)
			if err != nil {
				t.Fatalf("BuildChunkURL failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildChunkURL(%q, %q) = %q, want %q", tt.fragment, tt.base, got, tt.want)
			}
		})
	}
}

func TestBuildChunkURL_BadBase(t *testing.T) {
	if _, err := BuildChunkURL("a.js", "not-a-url"); err == nil {
		t.Error("base without origin must error")
	}
}
