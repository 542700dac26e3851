// Package otel provides OpenTelemetry integration for the flowuni live
// status subsystem: metrics for the stream consumer and batching
// pipeline, spans for task executions, and an optional OTLP exporter
// bootstrap for the watch daemon.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamMetrics records counters and histograms for the status stream
// pipeline: inbound messages, drops, batch flushes, and reconnects.
type StreamMetrics struct {
	messagesReceived metric.Int64Counter
	messagesDropped  metric.Int64Counter
	transportErrors  metric.Int64Counter
	batchesFlushed   metric.Int64Counter
	batchSize        metric.Int64Histogram
	reconnects       metric.Int64Counter
	cursorResets     metric.Int64Counter
}

// NewStreamMetrics creates the stream pipeline instruments on the given
// meter.
func NewStreamMetrics(meter metric.Meter) (*StreamMetrics, error) {
	received, err := meter.Int64Counter("flowuni.stream.messages_received",
		metric.WithDescription("Number of inbound stream messages"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("flowuni.stream.messages_dropped",
		metric.WithDescription("Number of inbound messages dropped (malformed or unrecognized)"),
	)
	if err != nil {
		return nil, err
	}

	transport, err := meter.Int64Counter("flowuni.stream.transport_errors",
		metric.WithDescription("Number of transport-level stream errors"),
	)
	if err != nil {
		return nil, err
	}

	flushed, err := meter.Int64Counter("flowuni.batch.flushes",
		metric.WithDescription("Number of batch flushes applied downstream"),
	)
	if err != nil {
		return nil, err
	}

	size, err := meter.Int64Histogram("flowuni.batch.size",
		metric.WithDescription("Cases per flushed batch"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("flowuni.stream.reconnects",
		metric.WithDescription("Number of code-driven stream reconnects"),
	)
	if err != nil {
		return nil, err
	}

	resets, err := meter.Int64Counter("flowuni.stream.cursor_resets",
		metric.WithDescription("Number of resume cursor resets after an invalid-cursor error"),
	)
	if err != nil {
		return nil, err
	}

	return &StreamMetrics{
		messagesReceived: received,
		messagesDropped:  dropped,
		transportErrors:  transport,
		batchesFlushed:   flushed,
		batchSize:        size,
		reconnects:       reconnects,
		cursorResets:     resets,
	}, nil
}

// MessageReceived counts one inbound frame of the given kind.
func (m *StreamMetrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// MessageDropped counts one dropped frame with the drop reason.
func (m *StreamMetrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// TransportError counts one transport-level failure report.
func (m *StreamMetrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Add(context.Background(), 1)
}

// BatchFlushed records one downstream commit of size cases.
func (m *StreamMetrics) BatchFlushed(size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.batchesFlushed.Add(ctx, 1)
	m.batchSize.Record(ctx, int64(size))
}

// Reconnected counts one code-driven reconnect.
func (m *StreamMetrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

// CursorReset counts one cursor reset to the beginning sentinel.
func (m *StreamMetrics) CursorReset() {
	if m == nil {
		return
	}
	m.cursorResets.Add(context.Background(), 1)
}
