package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into a point-in-time OpenTelemetry span:
// span name is event.Msg, standard attributes carry RunID/Step/NodeID, and
// Meta fields become attributes (well-known keys like "model", "attempt",
// "tokens_in"/"tokens_out", "latency_ms" get namespaced attribute names).
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer, typically
// otel.Tracer("llmgate").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("llmgate.run_id", event.RunID),
		attribute.Int("llmgate.step", event.Step),
		attribute.String("llmgate.node_id", event.NodeID),
	)
	for key, value := range event.Meta {
		attrKey := namespacedAttrKey(key)
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func namespacedAttrKey(key string) string {
	switch key {
	case "tokens_in":
		return "llmgate.llm.tokens_in"
	case "tokens_out":
		return "llmgate.llm.tokens_out"
	case "latency_ms":
		return "llmgate.latency_ms"
	case "model":
		return "llmgate.llm.model"
	case "attempt":
		return "llmgate.attempt"
	default:
		return key
	}
}

// Flush force-flushes the active tracer provider, if it supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
