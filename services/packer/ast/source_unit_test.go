// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewSourceUnit_Valid(t *testing.T) {
	unit, err := NewSourceUnit("https://example.com/app.js", []byte(`var a = 1;`))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	if unit.URL != "https://example.com/app.js" {
		t.Errorf("unexpected URL %q", unit.URL)
	}
	if unit.Hash == "" {
		t.Error("expected non-empty content hash")
	}
	if unit.Inline {
		t.Error("expected Inline = false by default")
	}
}

func TestNewSourceUnit_HashIsStable(t *testing.T) {
	a, err := NewSourceUnit("https://example.com/a.js", []byte(`var x = 1;`))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	b, err := NewSourceUnit("https://example.com/b.js", []byte(`var x = 1;`))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	if a.Hash != b.Hash {
		t.Error("identical content must hash identically")
	}
}

func TestNewSourceUnit_RejectsOversize(t *testing.T) {
	big := strings.Repeat("a", 100)
	_, err := NewSourceUnit("https://example.com/big.js", []byte(big), WithMaxUnitSize(10))
	if !errors.Is(err, ErrUnitTooLarge) {
		t.Fatalf("expected ErrUnitTooLarge, got %v", err)
	}
}

func TestNewSourceUnit_RejectsInvalidUTF8(t *testing.T) {
	_, err := NewSourceUnit("https://example.com/bad.js", []byte{0xff, 0xfe, 0xfd})
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestTree_ParsesAndMemoizes(t *testing.T) {
	unit, err := NewSourceUnit("https://example.com/app.js", []byte(`function f(e) { return e + 1; }`))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	defer unit.Close()

	ctx := context.Background()
	tree1, err := unit.Tree(ctx)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if tree1.RootNode().Type() != "program" {
		t.Errorf("expected program root, got %q", tree1.RootNode().Type())
	}

	tree2, err := unit.Tree(ctx)
	if err != nil {
		t.Fatalf("second Tree call failed: %v", err)
	}
	if tree1 != tree2 {
		t.Error("Tree must return the memoized parse")
	}
}

func TestSlice_ReturnsNodeSource(t *testing.T) {
	source := `var chunk = "b.chunk.js";`
	unit, err := NewSourceUnit("https://example.com/app.js", []byte(source))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	defer unit.Close()

	tree, err := unit.Tree(context.Background())
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	got := unit.Slice(tree.RootNode())
	if got != source {
		t.Errorf("Slice(root) = %q, want %q", got, source)
	}
}

func TestWithInline(t *testing.T) {
	unit, err := NewSourceUnit("https://example.com/#inline-1", []byte(`1`), WithInline(true))
	if err != nil {
		t.Fatalf("NewSourceUnit failed: %v", err)
	}
	if !unit.Inline {
		t.Error("expected Inline = true")
	}
}
