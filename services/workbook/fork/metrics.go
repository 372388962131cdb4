// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fork

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for fork registry operations.
var meter = otel.Meter("ggen.fork")

// Metrics for fork operations.
var (
	forkCreates      metric.Int64Counter
	forkDeletes      metric.Int64Counter
	versionConflicts metric.Int64Counter
	guardRollbacks   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		forkCreates, err = meter.Int64Counter(
			"fork_creates_total",
			metric.WithDescription("Total number of forks created"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		forkDeletes, err = meter.Int64Counter(
			"fork_deletes_total",
			metric.WithDescription("Total number of forks deleted or saved"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		versionConflicts, err = meter.Int64Counter(
			"fork_version_conflicts_total",
			metric.WithDescription("Total number of optimistic version check failures"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		guardRollbacks, err = meter.Int64Counter(
			"fork_guard_rollbacks_total",
			metric.WithDescription("Total number of guard-triggered rollbacks"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// recordForkCreate increments the fork creation counter.
func recordForkCreate() {
	if initMetrics() != nil {
		return
	}
	forkCreates.Add(context.Background(), 1)
}

// recordForkDelete increments the fork deletion counter.
func recordForkDelete() {
	if initMetrics() != nil {
		return
	}
	forkDeletes.Add(context.Background(), 1)
}

// recordVersionConflict increments the conflict counter.
func recordVersionConflict(forkID string) {
	if initMetrics() != nil {
		return
	}
	versionConflicts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("fork_id", forkID)))
}

// recordGuardRollback increments the rollback counter for a guard kind.
func recordGuardRollback(kind string) {
	if initMetrics() != nil {
		return
	}
	guardRollbacks.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("guard", kind)))
}
