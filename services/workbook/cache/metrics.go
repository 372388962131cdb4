// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for cache operations.
var meter = otel.Meter("ggen.cache")

// Metrics for cache operations.
var (
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	cacheLoadLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"workbook_cache_hits_total",
			metric.WithDescription("Total number of cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"workbook_cache_misses_total",
			metric.WithDescription("Total number of cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"workbook_cache_evictions_total",
			metric.WithDescription("Total number of entries evicted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLoadLatency, err = meter.Float64Histogram(
			"workbook_cache_load_duration_seconds",
			metric.WithDescription("Duration of workbook loads on the miss path"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// recordHit increments the hit counter.
func recordHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

// recordMiss increments the miss counter.
func recordMiss(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

// recordEviction increments the eviction counter.
func recordEviction() {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(context.Background(), 1)
}

// recordLoad records the duration of one load.
func recordLoad(ctx context.Context, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	cacheLoadLatency.Record(ctx, d.Seconds())
}
