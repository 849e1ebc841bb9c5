// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adiadia/pipeline-runtime/internal/metrics"
)

// begin opens a span for op and returns a finisher that records err and the
// operation duration.
func (e *Engine) begin(ctx context.Context, op, ident string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op,
		trace.WithAttributes(
			attribute.String("pipeline.ident", ident),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ObserveEngineOperation(op, time.Since(start))
	}
}
