package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts kgo record headers to an OpenTelemetry TextMapCarrier
type HeaderCarrier struct {
	record *kgo.Record
}

var _ propagation.TextMapCarrier = HeaderCarrier{}

// NewHeaderCarrier wraps a record's headers
func NewHeaderCarrier(record *kgo.Record) HeaderCarrier {
	return HeaderCarrier{record: record}
}

// Get returns the last header value for key
func (c HeaderCarrier) Get(key string) string {
	for i := len(c.record.Headers) - 1; i >= 0; i-- {
		if c.record.Headers[i].Key == key {
			return string(c.record.Headers[i].Value)
		}
	}
	return ""
}

// Set replaces any header with key
func (c HeaderCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// Keys lists header keys
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// injectTraceHeaders writes the span context of ctx into the record headers
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(record))
}

// extractTraceContext returns ctx carrying the remote span context from record headers
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(record))
}
