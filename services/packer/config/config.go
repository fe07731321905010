// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads Packer-InfoFinder run configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full run configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Fetch    FetchConfig    `yaml:"fetch"`
	Resolver ResolverConfig `yaml:"resolver"`
	Scan     ScanConfig     `yaml:"scan"`
	Output   OutputConfig   `yaml:"output"`
}

// FetchConfig controls the HTTP layer.
type FetchConfig struct {
	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries is the retry count after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffMs is the base delay between retries.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`

	// MaxBodyBytes caps response bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// RatePerOrigin is the steady per-origin request rate.
	RatePerOrigin float64 `yaml:"rate_per_origin"`

	// BurstPerOrigin is the per-origin burst size.
	BurstPerOrigin int `yaml:"burst_per_origin"`

	// InsecureTLS disables certificate verification.
	InsecureTLS bool `yaml:"insecure_tls"`

	// ProxyURL routes requests through a proxy when set.
	ProxyURL string `yaml:"proxy_url"`

	// Cookie is sent verbatim on every request when set.
	Cookie string `yaml:"cookie"`

	// Headers are extra headers added to every request.
	Headers map[string]string `yaml:"headers"`

	// BlacklistHosts are hosts the client refuses to contact.
	BlacklistHosts []string `yaml:"blacklist_hosts"`
}

// ResolverConfig controls the discovery loop.
type ResolverConfig struct {
	// MaxRounds bounds discovery rounds.
	MaxRounds int `yaml:"max_rounds"`

	// MaxChunks bounds chunk ids dispatched per run.
	MaxChunks int `yaml:"max_chunks"`

	// WorkerCount is the parallel worker count. Zero means one per CPU.
	WorkerCount int `yaml:"worker_count"`

	// SandboxBudgetMs is the per-evaluation sandbox budget.
	SandboxBudgetMs int `yaml:"sandbox_budget_ms"`

	// GlobalTimeoutSeconds bounds the whole run. Zero disables.
	GlobalTimeoutSeconds int `yaml:"global_timeout_seconds"`
}

// ScanConfig controls sensitive-information scanning.
type ScanConfig struct {
	// Enabled runs the scanner over recovered sources.
	Enabled bool `yaml:"enabled"`

	// RulesPath points at an extra YAML rule catalog merged over the
	// built-in rules.
	RulesPath string `yaml:"rules_path"`
}

// OutputConfig controls run artifacts.
type OutputConfig struct {
	// Directory receives recovered sources and the report.
	Directory string `yaml:"directory"`

	// Report renders the HTML report.
	Report bool `yaml:"report"`

	// Snapshot persists the module graph to the snapshot store.
	Snapshot bool `yaml:"snapshot"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return parse(defaultConfigYAML)
}

// Load returns the defaults overlaid with a user config file. An empty path
// returns the defaults unchanged.
//
// Outputs:
//
//	*Config - The merged, validated configuration.
//	error   - File, YAML, or validation failure.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	// Unmarshal over the defaults so absent fields keep their values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be positive")
	}
	if c.Fetch.RatePerOrigin <= 0 {
		return fmt.Errorf("fetch.rate_per_origin must be positive")
	}
	if c.Resolver.MaxRounds <= 0 {
		return fmt.Errorf("resolver.max_rounds must be positive")
	}
	if c.Resolver.MaxChunks <= 0 {
		return fmt.Errorf("resolver.max_chunks must be positive")
	}
	if c.Resolver.SandboxBudgetMs <= 0 {
		return fmt.Errorf("resolver.sandbox_budget_ms must be positive")
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory must not be empty")
	}
	return nil
}
