/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package aspect

import (
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName   = "relay"
	spanProperty = "relay.tracing.span"
)

var _ endpoint.Aspect = (*Tracing)(nil)

// Tracing wraps every exchange of a route in a span. The span context replaces
// the exchange context, so producers calling instrumented clients join the trace.
type Tracing struct {
	// Tracer defaults to otel.Tracer(TracerName) of the global provider.
	Tracer trace.Tracer
}

func (a *Tracing) Before(router endpoint.Router, exchange *types.Exchange) bool {
	tracer := a.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	ctx, span := tracer.Start(exchange.Context(), "route "+router.GetId(), trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("relay.route", router.GetId()),
		attribute.String("relay.exchange.id", exchange.Id()),
		attribute.String("relay.endpoint", exchange.FromEndpoint()),
	)
	exchange.SetContext(ctx)
	exchange.SetProperty(spanProperty, span)
	return true
}

func (a *Tracing) After(router endpoint.Router, exchange *types.Exchange) {
	v, ok := exchange.Property(spanProperty)
	if !ok {
		return
	}
	span, ok := v.(trace.Span)
	if !ok {
		return
	}
	if f := exchange.Fault(); f != nil {
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Error())
		span.SetAttributes(attribute.String("relay.fault.kind", f.Kind.String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
