package secmsg

import (
	"github.com/rbaliyan/config/codec"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/secmsg/clock"
)

// options holds Manager settings collected from Option values.
type options struct {
	logger     zerolog.Logger
	clock      clock.Clock
	codec      codec.Codec
	meter      metric.MeterProvider
	tracer     trace.TracerProvider
	concurrent bool
}

// Option configures a Manager.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		clock:  clock.Real(),
		codec:  codec.JSON(),
		meter:  otel.GetMeterProvider(),
		tracer: otel.GetTracerProvider(),
	}
}

// WithLogger sets the logger. Validation drops are logged at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock driving rotation and freshness checks.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithCodec sets the payload codec. Every context exchanging messages must
// use the same one.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meter = mp
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp
		}
	}
}

// WithConcurrentValidation tries pool members in parallel for each inbound
// envelope. The result is identical to sequential validation.
func WithConcurrentValidation(enabled bool) Option {
	return func(o *options) { o.concurrent = enabled }
}
