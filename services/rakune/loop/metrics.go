// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("rakune.loop")
	meter  = otel.Meter("rakune.loop")
)

var (
	cyclesTotal  metric.Int64Counter
	runsTotal    metric.Int64Counter
	runDuration  metric.Float64Histogram
	parseRetries metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cyclesTotal, err = meter.Int64Counter(
			"rakune_loop_cycles_total",
			metric.WithDescription("Generate-apply-build cycles, by build outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runsTotal, err = meter.Int64Counter(
			"rakune_loop_runs_total",
			metric.WithDescription("Convergence runs, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"rakune_loop_run_duration_seconds",
			metric.WithDescription("Wall time of a convergence run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseRetries, err = meter.Int64Counter(
			"rakune_loop_parse_retries_total",
			metric.WithDescription("Oracle replies that did not parse"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCycle(ctx context.Context, passed bool) {
	if initMetrics() != nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	cyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("build", result)))
}

func recordParseRetry(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	parseRetries.Add(ctx, 1)
}

// runOutcome buckets a run result for metric attributes.
func runOutcome(err error) string {
	switch {
	case err == nil:
		return "converged"
	case errors.Is(err, ErrUnconverged):
		return "unconverged"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "fatal"
	}
}

func recordRun(ctx context.Context, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", runOutcome(err)))
	runsTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, d.Seconds(), attrs)
}
