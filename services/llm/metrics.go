// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

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
	tracer = otel.Tracer("rakune.llm")
	meter  = otel.Meter("rakune.llm")
)

var (
	oracleLatency metric.Float64Histogram
	oracleCalls   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		oracleLatency, err = meter.Float64Histogram(
			"rakune_oracle_latency_seconds",
			metric.WithDescription("Latency of oracle prompt calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		oracleCalls, err = meter.Int64Counter(
			"rakune_oracle_calls_total",
			metric.WithDescription("Oracle prompt calls by backend and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordOracleMetrics(ctx context.Context, backend string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, ErrBadEnvelope):
		outcome = "bad_envelope"
	case err != nil:
		outcome = "transport"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	)
	oracleLatency.Record(ctx, d.Seconds(), attrs)
	oracleCalls.Add(ctx, 1, attrs)
}
