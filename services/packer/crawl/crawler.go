// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crawl discovers the JavaScript entry points of a target page.
//
// Given the HTML of a target, the crawler collects external script
// references and inline script bodies. External references become URLs for
// the fetch layer; inline bodies become source units directly.
package crawl

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// Page is the result of crawling one HTML document.
type Page struct {
	// URL is the document's resolved URL.
	URL string

	// ScriptURLs are absolute URLs of external scripts, in document
	// order, deduplicated.
	ScriptURLs []string

	// InlineUnits are the document's inline script bodies. Their URLs
	// are synthetic ("page#inline-N") so they stay addressable in the
	// module graph.
	InlineUnits []*ast.SourceUnit
}

// CrawlerOptions configures the crawler.
type CrawlerOptions struct {
	// IncludeInline collects inline <script> bodies.
	// Default: true
	IncludeInline bool

	// SameOriginOnly restricts external scripts to the page's origin.
	// Off by default; bundles regularly live on CDN origins.
	SameOriginOnly bool

	// Logger receives per-page diagnostics. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultCrawlerOptions returns sensible defaults.
func DefaultCrawlerOptions() CrawlerOptions {
	return CrawlerOptions{
		IncludeInline: true,
	}
}

// CrawlerOption is a functional option for configuring the crawler.
type CrawlerOption func(*CrawlerOptions)

// WithInline controls inline script collection.
func WithInline(include bool) CrawlerOption {
	return func(o *CrawlerOptions) {
		o.IncludeInline = include
	}
}

// WithSameOriginOnly restricts scripts to the page's origin.
func WithSameOriginOnly(restrict bool) CrawlerOption {
	return func(o *CrawlerOptions) {
		o.SameOriginOnly = restrict
	}
}

// WithCrawlerLogger sets the crawler logger.
func WithCrawlerLogger(logger *slog.Logger) CrawlerOption {
	return func(o *CrawlerOptions) {
		o.Logger = logger
	}
}

// Crawler extracts script entry points from HTML documents.
type Crawler struct {
	options CrawlerOptions
}

// NewCrawler creates a crawler.
func NewCrawler(opts ...CrawlerOption) *Crawler {
	options := DefaultCrawlerOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Crawler{options: options}
}

// Crawl parses an HTML document and collects its script entry points.
//
// Description:
//
//	Resolves relative script URLs against the document's base URL,
//	honoring a <base href> element when present. Non-JavaScript script
//	types (JSON payloads, templates) are skipped. Inline bodies that
//	fail source-unit validation are logged and dropped.
//
// Inputs:
//
//	pageURL - Absolute URL the HTML came from.
//	html    - The document bytes.
//
// Outputs:
//
//	*Page - The collected entry points.
//	error - Parse failure or an invalid pageURL.
func (c *Crawler) Crawl(pageURL string, html []byte) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing html from %s: %w", pageURL, err)
	}

	// A <base href> rebases every relative reference in the document.
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if rebased, err := base.Parse(href); err == nil {
			base = rebased
		}
	}

	page := &Page{URL: pageURL}
	seen := make(map[string]bool)
	inline := 0

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if !isJavaScriptType(s.AttrOr("type", "")) {
			return
		}
		if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" {
			resolved, err := base.Parse(strings.TrimSpace(src))
			if err != nil {
				c.options.Logger.Debug("skipping unparsable script src",
					slog.String("page", pageURL),
					slog.String("src", src),
				)
				return
			}
			if c.options.SameOriginOnly && resolved.Host != base.Host {
				return
			}
			abs := resolved.String()
			if !seen[abs] {
				seen[abs] = true
				page.ScriptURLs = append(page.ScriptURLs, abs)
			}
			return
		}

		if !c.options.IncludeInline {
			return
		}
		body := s.Text()
		if strings.TrimSpace(body) == "" {
			return
		}
		inline++
		unitURL := fmt.Sprintf("%s#inline-%d", pageURL, inline)
		unit, err := ast.NewSourceUnit(unitURL, []byte(body), ast.WithInline(true))
		if err != nil {
			c.options.Logger.Debug("skipping invalid inline script",
				slog.String("page", pageURL),
				slog.Int("index", inline),
				slog.String("error", err.Error()),
			)
			return
		}
		page.InlineUnits = append(page.InlineUnits, unit)
	})

	// Preloaded module chunks are script entry points too.
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if rel != "preload" && rel != "modulepreload" {
			return
		}
		if rel == "preload" && strings.ToLower(s.AttrOr("as", "")) != "script" {
			return
		}
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		if c.options.SameOriginOnly && resolved.Host != base.Host {
			return
		}
		abs := resolved.String()
		if !seen[abs] && strings.HasSuffix(resolved.Path, ".js") {
			seen[abs] = true
			page.ScriptURLs = append(page.ScriptURLs, abs)
		}
	})

	c.options.Logger.Info("crawled page",
		slog.String("page", pageURL),
		slog.Int("external_scripts", len(page.ScriptURLs)),
		slog.Int("inline_scripts", len(page.InlineUnits)),
	)
	return page, nil
}

// isJavaScriptType reports whether a script element's type attribute denotes
// executable JavaScript. An empty type is JavaScript per the HTML spec.
func isJavaScriptType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text/javascript", "application/javascript", "application/x-javascript", "module":
		return true
	default:
		return false
	}
}
