package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeWriter struct {
	writeFn func(ctx context.Context, msgs ...kafka.Message) error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.writeFn == nil {
		panic("WriteMessages not configured")
	}
	return f.writeFn(ctx, msgs...)
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_MessageShape(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var got []kafka.Message
	p := &KafkaPublisher{
		writer: &fakeWriter{writeFn: func(_ context.Context, msgs ...kafka.Message) error {
			got = append(got, msgs...)
			return nil
		}},
		log: discardLogger(),
	}

	e, err := New(TypeCreated, 42, map[string]string{"date": "2026-02-21"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	if err := p.Publish(ctx, e); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	msg := got[0]
	if msg.Topic != TypeCreated || string(msg.Key) != "42" {
		t.Fatalf("topic/key = %q/%q", msg.Topic, msg.Key)
	}
	if HeaderValue(msg.Headers, "event_id") != e.ID || HeaderValue(msg.Headers, "event_type") != TypeCreated {
		t.Fatalf("headers = %+v", msg.Headers)
	}
	if HeaderValue(msg.Headers, "traceparent") == "" {
		t.Fatalf("trace context not injected: %+v", msg.Headers)
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Value, &payload); err != nil || payload["date"] != "2026-02-21" {
		t.Fatalf("payload = %s, %v", msg.Value, err)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka:9092, ,kafka2:9092 ")
	if len(got) != 2 || got[0] != "kafka:9092" || got[1] != "kafka2:9092" {
		t.Fatalf("SplitBrokers = %v", got)
	}
	if _, err := NewKafkaPublisher("", nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
