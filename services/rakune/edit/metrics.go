// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

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
	tracer = otel.Tracer("rakune.edit")
	meter  = otel.Meter("rakune.edit")
)

var (
	applyTotal    metric.Int64Counter
	applyDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyTotal, err = meter.Int64Counter(
			"rakune_apply_total",
			metric.WithDescription("Transformations applied, by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyDuration, err = meter.Float64Histogram(
			"rakune_apply_duration_seconds",
			metric.WithDescription("Time to apply one transformation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// outcome buckets an apply result for metric attributes.
func outcome(err error) string {
	var ae *ApplyError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ae):
		switch ae.Kind {
		case ApplyOutOfBounds:
			return "out_of_bounds"
		case ApplyNotFound:
			return "not_found"
		case ApplyAlreadyExists:
			return "already_exists"
		default:
			return "unsupported"
		}
	default:
		return "io_error"
	}
}

func recordApplyMetrics(ctx context.Context, kind Kind, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("outcome", outcome(err)),
	)
	applyTotal.Add(ctx, 1, attrs)
	applyDuration.Record(ctx, d.Seconds(), attrs)
}
