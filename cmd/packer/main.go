// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command packer discovers the asynchronously loaded chunks of a
// webpack-built site and recovers its full JavaScript surface.
//
// Usage:
//
//	packer scan https://target.example/
//	packer scan --config packer.yaml --out ./results https://target.example/app.js
//	packer snapshots list https://target.example/
//
// The scan command crawls the target page for script entry points, follows
// every chunk-loading site it can evaluate, writes the recovered sources to
// the output directory, and renders an HTML report of the module graph and
// any sensitive information found in it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Global flag values shared across commands.
var (
	configPath string
	outDir     string
	verbose    bool
	traceOut   bool
)

func main() {
	root := &cobra.Command{
		Use:   "packer",
		Short: "Recover the full JavaScript surface of webpack-built sites",
		Long: "packer parses a site's JavaScript bundles, recognizes webpack's\n" +
			"chunk-loading patterns, evaluates them in an isolated sandbox, and\n" +
			"follows the resulting URLs until the whole async chunk graph is\n" +
			"recovered.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&outDir, "out", "", "output directory (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&traceOut, "trace", false, "emit otel spans to stdout")

	root.AddCommand(newScanCommand())
	root.AddCommand(newSnapshotsCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler.
func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// setupTracing installs a stdout span exporter when --trace is set.
// Returns a shutdown function.
func setupTracing() (func(), error) {
	if !traceOut {
		return func() {}, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return func() {
		_ = provider.Shutdown(cmdContext())
	}, nil
}
