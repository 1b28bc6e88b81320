package grpcduplex

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/jhump/grpcduplex"

const (
	metricMessagesSent     = "grpcduplex.messages.sent"
	metricMessagesReceived = "grpcduplex.messages.received"
	metricCallsActive      = "grpcduplex.calls.active"
)

type callMetrics struct {
	sent     metric.Int64Counter
	received metric.Int64Counter
	active   metric.Int64UpDownCounter
	attrs    metric.MeasurementOption
}

func newCallMetrics(mp metric.MeterProvider, method string) *callMetrics {
	meter := mp.Meter(instrumentationName)
	m := &callMetrics{
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("rpc.method", method))),
	}
	var err error
	m.sent, err = meter.Int64Counter(metricMessagesSent,
		metric.WithDescription("Messages written to the stream by the transmit pump."),
		metric.WithUnit("{message}"))
	if err != nil {
		otel.Handle(err)
		m.sent = noop.Int64Counter{}
	}
	m.received, err = meter.Int64Counter(metricMessagesReceived,
		metric.WithDescription("Messages read from the stream into the receive queue."),
		metric.WithUnit("{message}"))
	if err != nil {
		otel.Handle(err)
		m.received = noop.Int64Counter{}
	}
	m.active, err = meter.Int64UpDownCounter(metricCallsActive,
		metric.WithDescription("Duplex calls that have not yet terminated."),
		metric.WithUnit("{call}"))
	if err != nil {
		otel.Handle(err)
		m.active = noop.Int64UpDownCounter{}
	}
	return m
}

func (m *callMetrics) messageSent(ctx context.Context) {
	m.sent.Add(ctx, 1, m.attrs)
}

func (m *callMetrics) messageReceived(ctx context.Context) {
	m.received.Add(ctx, 1, m.attrs)
}

func (m *callMetrics) callStarted(ctx context.Context) {
	m.active.Add(ctx, 1, m.attrs)
}

func (m *callMetrics) callEnded(ctx context.Context) {
	m.active.Add(ctx, -1, m.attrs)
}
