// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/config"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/crawl"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/fetch"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/graph"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/report"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/sandbox"
	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/scan"
)

// Scan command flag values.
var (
	scanCookie   string
	scanProxy    string
	scanInsecure bool
	scanNoScan   bool
)

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <target-url>",
		Short: "Discover and recover a target's async chunk graph",
		Args:  cobra.ExactArgs(1),
		RunE:  runScanCommand,
	}
	cmd.Flags().StringVar(&scanCookie, "cookie", "", "Cookie header sent on every request")
	cmd.Flags().StringVar(&scanProxy, "proxy", "", "proxy URL for all requests")
	cmd.Flags().BoolVar(&scanInsecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&scanNoScan, "no-scan", false, "skip sensitive-information scanning")
	return cmd
}

// cmdContext returns a context cancelled on SIGINT/SIGTERM.
func cmdContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func runScanCommand(_ *cobra.Command, args []string) error {
	target := args[0]
	logger := setupLogging()

	shutdownTracing, err := setupTracing()
	if err != nil {
		return err
	}
	defer shutdownTracing()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if outDir != "" {
		cfg.Output.Directory = outDir
	}
	if scanCookie != "" {
		cfg.Fetch.Cookie = scanCookie
	}
	if scanProxy != "" {
		cfg.Fetch.ProxyURL = scanProxy
	}
	if scanInsecure {
		cfg.Fetch.InsecureTLS = true
	}
	if scanNoScan {
		cfg.Scan.Enabled = false
	}

	runTag := uuid.NewString()
	ctx := cmdContext()
	logger.Info("starting scan",
		slog.String("target", target),
		slog.String("run_tag", runTag),
	)

	client, err := newFetchClient(cfg, logger)
	if err != nil {
		return err
	}

	entries, err := collectEntries(ctx, client, target, logger)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no JavaScript entry points found at %s", target)
	}

	resolver := newResolver(cfg, logger)
	merged := graph.NewModuleGraph()
	var resolutions []packer.ResolutionResult
	var diagnostics []packer.Diagnostic
	rounds := 0

	for _, entry := range entries {
		result, err := resolver.ResolveDetailed(ctx, entry, client.Fetch)
		if err != nil {
			logger.Warn("entry unit skipped",
				slog.String("url", entry.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, unit := range result.Graph.Units() {
			merged.AddUnit(unit)
		}
		for _, edge := range result.Graph.Edges() {
			merged.AddEdge(edge.From, edge.To)
		}
		resolutions = append(resolutions, result.Resolutions...)
		diagnostics = append(diagnostics, result.Diagnostics...)
		if result.Rounds > rounds {
			rounds = result.Rounds
		}
	}
	if merged.NodeCount() == 0 {
		return fmt.Errorf("no sources recovered from %s", target)
	}

	var findings []scan.Finding
	if cfg.Scan.Enabled {
		findings, err = runScanner(ctx, cfg, merged)
		if err != nil {
			return err
		}
	}

	if err := writeArtifacts(ctx, cfg, target, runTag, merged, resolutions, diagnostics, rounds, findings, logger); err != nil {
		return err
	}

	printSummary(target, merged, resolutions, findings)
	return nil
}

// newFetchClient builds the HTTP client from config.
func newFetchClient(cfg *config.Config, logger *slog.Logger) (*fetch.Client, error) {
	opts := []fetch.ClientOption{
		fetch.WithTimeout(time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second),
		fetch.WithMaxRetries(cfg.Fetch.MaxRetries),
		fetch.WithRetryBackoff(time.Duration(cfg.Fetch.RetryBackoffMs) * time.Millisecond),
		fetch.WithMaxBodyBytes(cfg.Fetch.MaxBodyBytes),
		fetch.WithBlacklist(cfg.Fetch.BlacklistHosts),
		fetch.WithInsecureTLS(cfg.Fetch.InsecureTLS),
		fetch.WithClientLogger(logger),
	}
	if cfg.Fetch.RatePerOrigin > 0 {
		opts = append(opts, fetch.WithRate(rate.Limit(cfg.Fetch.RatePerOrigin), cfg.Fetch.BurstPerOrigin))
	}
	if cfg.Fetch.ProxyURL != "" {
		opts = append(opts, fetch.WithProxy(cfg.Fetch.ProxyURL))
	}
	if cfg.Fetch.Cookie != "" {
		opts = append(opts, fetch.WithCookie(cfg.Fetch.Cookie))
	}
	if len(cfg.Fetch.Headers) > 0 {
		opts = append(opts, fetch.WithHeaders(cfg.Fetch.Headers))
	}
	return fetch.NewClient(opts...)
}

// newResolver builds the discovery resolver from config.
func newResolver(cfg *config.Config, logger *slog.Logger) *packer.Resolver {
	evaluator := sandbox.NewEvaluator(
		sandbox.WithBudget(time.Duration(cfg.Resolver.SandboxBudgetMs) * time.Millisecond),
	)
	opts := []packer.ResolverOption{
		packer.WithMaxRounds(cfg.Resolver.MaxRounds),
		packer.WithMaxChunks(cfg.Resolver.MaxChunks),
		packer.WithEvaluator(evaluator),
		packer.WithLogger(logger),
	}
	if cfg.Resolver.WorkerCount > 0 {
		opts = append(opts, packer.WithWorkerCount(cfg.Resolver.WorkerCount))
	}
	if cfg.Resolver.GlobalTimeoutSeconds > 0 {
		opts = append(opts, packer.WithGlobalTimeout(time.Duration(cfg.Resolver.GlobalTimeoutSeconds)*time.Second))
	}
	return packer.NewResolver(opts...)
}

// collectEntries turns the target into entry source units. A .js target is
// fetched directly; anything else is crawled as an HTML page.
func collectEntries(ctx context.Context, client *fetch.Client, target string, logger *slog.Logger) ([]*ast.SourceUnit, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target %q: %w", target, err)
	}
	if strings.HasSuffix(parsed.Path, ".js") {
		unit, err := client.Fetch(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("fetching entry script: %w", err)
		}
		return []*ast.SourceUnit{unit}, nil
	}

	html, err := client.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fetching target page: %w", err)
	}
	page, err := crawl.NewCrawler(crawl.WithCrawlerLogger(logger)).Crawl(target, html)
	if err != nil {
		return nil, err
	}

	entries := page.InlineUnits
	for _, scriptURL := range page.ScriptURLs {
		unit, err := client.Fetch(ctx, scriptURL)
		if err != nil {
			logger.Warn("entry script fetch failed",
				slog.String("url", scriptURL),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, unit)
	}
	return entries, nil
}

// runScanner applies the rule catalog to all recovered sources.
func runScanner(ctx context.Context, cfg *config.Config, g *graph.ModuleGraph) ([]scan.Finding, error) {
	catalog := scan.DefaultCatalog()
	if cfg.Scan.RulesPath != "" {
		data, err := os.ReadFile(cfg.Scan.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("reading rules %s: %w", cfg.Scan.RulesPath, err)
		}
		extra, err := scan.ParseCatalog(data)
		if err != nil {
			return nil, err
		}
		catalog = catalog.Merge(extra)
	}
	scanner := scan.NewScanner(scan.WithCatalog(catalog))
	return scanner.Scan(ctx, g.Units())
}

// writeArtifacts persists recovered sources, the HTML report, and the
// badger snapshot.
func writeArtifacts(ctx context.Context, cfg *config.Config, target, runTag string,
	g *graph.ModuleGraph, resolutions []packer.ResolutionResult,
	diagnostics []packer.Diagnostic, rounds int, findings []scan.Finding,
	logger *slog.Logger) error {

	dir := cfg.Output.Directory
	sourcesDir := filepath.Join(dir, "sources")
	if err := os.MkdirAll(sourcesDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	for _, unit := range g.Units() {
		name := sourceFileName(unit.URL)
		if err := os.WriteFile(filepath.Join(sourcesDir, name), unit.Content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	if cfg.Output.Report {
		result := &packer.Result{
			Graph:       g,
			Resolutions: resolutions,
			Diagnostics: diagnostics,
			Rounds:      rounds,
		}
		f, err := os.Create(filepath.Join(dir, "report.html"))
		if err != nil {
			return fmt.Errorf("creating report: %w", err)
		}
		defer f.Close()
		if err := report.Render(f, report.Build(target, runTag, result, findings)); err != nil {
			return err
		}
	}

	if cfg.Output.Snapshot {
		dbPath := filepath.Join(dir, "snapshots")
		db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		defer db.Close()
		manager, err := graph.NewSnapshotManager(db, logger)
		if err != nil {
			return err
		}
		meta, err := manager.Save(ctx, g, target, runTag)
		if err != nil {
			return fmt.Errorf("saving snapshot: %w", err)
		}
		logger.Info("snapshot saved",
			slog.String("snapshot_id", meta.SnapshotID),
			slog.String("graph_hash", meta.GraphHash),
		)
	}
	return nil
}

// sourceFileName flattens a URL into a safe file name.
func sourceFileName(rawURL string) string {
	name := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		name = parsed.Host + parsed.Path
		if parsed.Fragment != "" {
			name += "_" + parsed.Fragment
		}
	}
	replacer := strings.NewReplacer("/", "_", ":", "_", "?", "_", "#", "_", "&", "_", "=", "_")
	name = replacer.Replace(name)
	if !strings.HasSuffix(name, ".js") {
		name += ".js"
	}
	return name
}

// printSummary writes the human-facing run summary to stdout.
func printSummary(target string, g *graph.ModuleGraph, resolutions []packer.ResolutionResult, findings []scan.Finding) {
	resolved, failed := 0, 0
	for _, r := range resolutions {
		switch r.State {
		case packer.StateResolved:
			resolved++
		case packer.StateFailed:
			failed++
		}
	}

	bold := color.New(color.Bold)
	bold.Printf("\nScan of %s complete\n", target)
	color.Green("  sources recovered : %d", g.NodeCount())
	color.Green("  chunks resolved   : %d", resolved)
	if failed > 0 {
		color.Yellow("  chunks failed     : %d", failed)
	}
	high := 0
	for _, f := range findings {
		if f.Severity == scan.SeverityHigh {
			high++
		}
	}
	if len(findings) > 0 {
		label := color.YellowString
		if high > 0 {
			label = color.RedString
		}
		fmt.Println(label("  findings          : %d (%d high)", len(findings), high))
	} else {
		fmt.Println("  findings          : 0")
	}
}
