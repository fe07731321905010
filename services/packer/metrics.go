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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chunksTotal counts chunk resolution outcomes.
	// Labels: status (resolved, failed)
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packer",
		Subsystem: "resolver",
		Name:      "chunks_total",
		Help:      "Chunk resolution outcomes by status",
	}, []string{"status"})

	// sitesTotal counts matched chunk-loading sites by pattern kind.
	// Labels: kind (object_map, array_map, formula, ternary, indirect, unknown)
	sitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packer",
		Subsystem: "resolver",
		Name:      "sites_total",
		Help:      "Matched chunk-loading sites by pattern kind",
	}, []string{"kind"})

	// sandboxLatencySeconds measures per-call sandbox evaluation latency.
	sandboxLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "packer",
		Subsystem: "resolver",
		Name:      "sandbox_latency_seconds",
		Help:      "Sandbox evaluation latency per call",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1},
	})

	// roundsTotal counts completed discovery rounds.
	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "packer",
		Subsystem: "resolver",
		Name:      "rounds_total",
		Help:      "Completed discovery rounds",
	})
)
