package secmsg

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/secmsg"

// Drop reasons recorded on secmsg.validation.dropped and in debug logs.
const (
	reasonToken     = "token"
	reasonDecrypt   = "decrypt"
	reasonRuntimeID = "runtime_id"
	reasonOrigin    = "origin"
	reasonStale     = "stale"
	reasonMalformed = "malformed"
	reasonEmptyPool = "empty_pool"
)

type telemetry struct {
	tracer    trace.Tracer
	accepted  metric.Int64Counter
	dropped   metric.Int64Counter
	rotations metric.Int64Counter
	poolSize  metric.Int64ObservableGauge
	reg       metric.Registration
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider, pool func() int) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.accepted, err = meter.Int64Counter("secmsg.validation.accepted",
		metric.WithDescription("Inbound envelopes accepted by a validator.")); err != nil {
		return nil, fmt.Errorf("secmsg: accepted counter: %w", err)
	}
	if t.dropped, err = meter.Int64Counter("secmsg.validation.dropped",
		metric.WithDescription("Inbound envelopes dropped, by reason.")); err != nil {
		return nil, fmt.Errorf("secmsg: dropped counter: %w", err)
	}
	if t.rotations, err = meter.Int64Counter("secmsg.validator.rotations",
		metric.WithDescription("Validator generations added to the pool.")); err != nil {
		return nil, fmt.Errorf("secmsg: rotations counter: %w", err)
	}
	if t.poolSize, err = meter.Int64ObservableGauge("secmsg.validator.pool_size",
		metric.WithDescription("Live validator generations.")); err != nil {
		return nil, fmt.Errorf("secmsg: pool size gauge: %w", err)
	}
	if t.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(t.poolSize, int64(pool()))
		return nil
	}, t.poolSize); err != nil {
		return nil, fmt.Errorf("secmsg: pool size callback: %w", err)
	}
	return t, nil
}

func (t *telemetry) drop(ctx context.Context, reason string) {
	t.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (t *telemetry) close() error {
	if t.reg == nil {
		return nil
	}
	return t.reg.Unregister()
}

// fail marks span as failed with err.
func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
