// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("rakune.diagnostics")
	meter  = otel.Meter("rakune.diagnostics")
)

var (
	buildDuration    metric.Float64Histogram
	buildTotal       metric.Int64Counter
	buildDiagnostics metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildDuration, err = meter.Float64Histogram(
			"rakune_build_duration_seconds",
			metric.WithDescription("Duration of build command runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"rakune_build_total",
			metric.WithDescription("Build runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildDiagnostics, err = meter.Int64Histogram(
			"rakune_build_diagnostics",
			metric.WithDescription("Diagnostics extracted per failed build"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startBuildSpan(ctx context.Context, argv []string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Extractor.Build",
		trace.WithAttributes(
			attribute.String("build.command", strings.Join(argv, " ")),
		),
	)
}

func setBuildSpanResult(span trace.Span, r *Report) {
	span.SetAttributes(
		attribute.Int("build.exit_code", r.ExitCode),
		attribute.Int("build.diagnostics", len(r.Diagnostics)),
		attribute.Bool("build.passed", r.Passed()),
	)
}

func recordBuildMetrics(ctx context.Context, d time.Duration, diagnostics int, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	buildTotal.Add(ctx, 1, attrs)
	if outcome == "error" {
		return
	}
	buildDuration.Record(ctx, d.Seconds(), attrs)
	if outcome == "failed" {
		buildDiagnostics.Record(ctx, int64(diagnostics))
	}
}
