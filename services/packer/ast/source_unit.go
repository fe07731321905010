// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast turns downloaded JavaScript into tree-sitter syntax trees.
//
// The central type is SourceUnit: one fetched JavaScript resource, keyed by
// URL, with a lazily built and memoized parse tree. Units are immutable once
// constructed; the tree is owned by the unit and released with Close.
package ast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Parse failure sentinels.
var (
	// ErrUnitTooLarge is returned when content exceeds the configured size cap.
	ErrUnitTooLarge = errors.New("source unit exceeds maximum size")

	// ErrInvalidContent is returned when content is not valid UTF-8.
	ErrInvalidContent = errors.New("source unit is not valid UTF-8")
)

// DefaultMaxUnitSize is the default size cap for a single unit (10MB).
const DefaultMaxUnitSize = 10 * 1024 * 1024

// SourceUnitOptions configures SourceUnit construction.
type SourceUnitOptions struct {
	// MaxUnitSize is the maximum content size in bytes.
	// Content larger than this returns ErrUnitTooLarge.
	// Default: 10MB
	MaxUnitSize int

	// Inline marks units that were lifted out of inline <script> blocks
	// rather than fetched from a URL of their own.
	Inline bool
}

// DefaultSourceUnitOptions returns the default options.
func DefaultSourceUnitOptions() SourceUnitOptions {
	return SourceUnitOptions{
		MaxUnitSize: DefaultMaxUnitSize,
	}
}

// SourceUnitOption is a functional option for configuring a SourceUnit.
type SourceUnitOption func(*SourceUnitOptions)

// WithMaxUnitSize sets the maximum content size in bytes.
func WithMaxUnitSize(size int) SourceUnitOption {
	return func(o *SourceUnitOptions) {
		o.MaxUnitSize = size
	}
}

// WithInline marks the unit as originating from an inline script block.
func WithInline(inline bool) SourceUnitOption {
	return func(o *SourceUnitOptions) {
		o.Inline = inline
	}
}

// SourceUnit is one downloaded JavaScript resource.
//
// Description:
//
//	Holds the raw bytes and the URL they were fetched from, plus a parse
//	tree built on first use and cached for the lifetime of the unit. The
//	raw content never changes after construction.
//
// Thread Safety:
//
//	Safe for concurrent use. The lazy parse is guarded by sync.Once, so
//	concurrent Tree calls share a single parse.
type SourceUnit struct {
	// URL is the resource location this unit was fetched from. For inline
	// scripts this is a synthetic "<page-url>#inline-<n>" identifier.
	URL string

	// Content is the raw JavaScript text. Immutable.
	Content []byte

	// Hash is the hex-encoded SHA256 of Content.
	Hash string

	// Inline reports whether the unit came from an inline script block.
	Inline bool

	parseOnce sync.Once
	tree      *sitter.Tree
	parseErr  error
}

// NewSourceUnit creates a SourceUnit from fetched content.
//
// Description:
//
//	Validates size and encoding and computes the content hash. Parsing is
//	deferred until the first Tree call.
//
// Outputs:
//
//	*SourceUnit - The unit. Nil on error.
//	error       - ErrUnitTooLarge or ErrInvalidContent on rejected content.
func NewSourceUnit(url string, content []byte, opts ...SourceUnitOption) (*SourceUnit, error) {
	options := DefaultSourceUnitOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if len(content) > options.MaxUnitSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrUnitTooLarge, url, len(content), options.MaxUnitSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, url)
	}

	sum := sha256.Sum256(content)
	return &SourceUnit{
		URL:     url,
		Content: content,
		Hash:    hex.EncodeToString(sum[:]),
		Inline:  options.Inline,
	}, nil
}

// Tree returns the root node of the unit's syntax tree, parsing on first call.
//
// Description:
//
//	The parse runs at most once per unit; subsequent calls return the
//	memoized result. The context of the first caller bounds the parse.
//
// Outputs:
//
//	*sitter.Node - The program root node.
//	error        - Non-nil if tree-sitter failed to produce a tree.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (u *SourceUnit) Tree(ctx context.Context) (*sitter.Node, error) {
	u.parseOnce.Do(func() {
		parser := sitter.NewParser()
		parser.SetLanguage(javascript.GetLanguage())

		tree, err := parser.ParseCtx(ctx, nil, u.Content)
		if err != nil {
			u.parseErr = fmt.Errorf("tree-sitter parse of %s: %w", u.URL, err)
			return
		}
		u.tree = tree
	})
	if u.parseErr != nil {
		return nil, u.parseErr
	}
	return u.tree.RootNode(), nil
}

// Slice returns the source text covered by a node of this unit's tree.
func (u *SourceUnit) Slice(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	start, end := n.StartByte(), n.EndByte()
	if int(end) > len(u.Content) || start > end {
		return ""
	}
	return string(u.Content[start:end])
}

// Text returns the unit content as a string.
func (u *SourceUnit) Text() string {
	return string(u.Content)
}

// Close releases the parse tree, if one was built. The unit remains usable
// as raw text afterwards; Tree must not be called again.
func (u *SourceUnit) Close() {
	if u.tree != nil {
		u.tree.Close()
		u.tree = nil
	}
}
