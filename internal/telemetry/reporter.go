package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "market-alerts"

// ErrorReporter forwards unexpected failures to the operator.
type ErrorReporter interface {
	Report(ctx context.Context, component string, err error)
}

// Reporter logs failures and records them as metrics.
type Reporter struct {
	logger   zerolog.Logger
	errors   apimetric.Int64Counter
	jobs     apimetric.Float64Histogram
	fetches  apimetric.Int64Counter
	messages apimetric.Int64Counter
}

var _ ErrorReporter = (*Reporter)(nil)

// NewReporter registers the worker instruments on provider.
func NewReporter(provider apimetric.MeterProvider, logger zerolog.Logger) (*Reporter, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	errorsCounter, err := meter.Int64Counter("marketalerts.errors",
		apimetric.WithDescription("Unexpected failures by component"))
	if err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}
	jobs, err := meter.Float64Histogram("marketalerts.job.duration",
		apimetric.WithDescription("Job run duration"), apimetric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create job histogram: %w", err)
	}
	fetches, err := meter.Int64Counter("marketalerts.fetches",
		apimetric.WithDescription("Market data requests by platform and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create fetch counter: %w", err)
	}
	messages, err := meter.Int64Counter("marketalerts.messages",
		apimetric.WithDescription("Notifications produced by job"))
	if err != nil {
		return nil, fmt.Errorf("create message counter: %w", err)
	}

	return &Reporter{
		logger:   logger.With().Str("component", "reporter").Logger(),
		errors:   errorsCounter,
		jobs:     jobs,
		fetches:  fetches,
		messages: messages,
	}, nil
}

// Nop returns a reporter that discards everything.
func Nop() *Reporter {
	r, _ := NewReporter(noop.NewMeterProvider(), zerolog.Nop())
	return r
}

// Report logs err and counts it against component.
func (r *Reporter) Report(ctx context.Context, component string, err error) {
	if r == nil || err == nil {
		return
	}
	r.logger.Error().Err(err).Str("source", component).Msg("unexpected failure")
	r.errors.Add(ctx, 1, apimetric.WithAttributes(attribute.String("component", component)))
}

// ReportMessage reports a failure that carries only a message.
func (r *Reporter) ReportMessage(ctx context.Context, component, message string) {
	if r == nil || message == "" {
		return
	}
	r.Report(ctx, component, fmt.Errorf("%s", message))
}

// Recover reports a recovered panic. It must be deferred directly.
func (r *Reporter) Recover(ctx context.Context, component string) {
	if p := recover(); p != nil {
		r.Report(ctx, component, fmt.Errorf("panic: %v", p))
	}
}

// ObserveJob records a job run.
func (r *Reporter) ObserveJob(ctx context.Context, job string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.jobs.Record(ctx, elapsed.Seconds(), apimetric.WithAttributes(
		attribute.String("job", job),
		attribute.Bool("error", err != nil),
	))
}

// CountFetch records a market data request outcome.
func (r *Reporter) CountFetch(ctx context.Context, platform string, ok bool) {
	if r == nil {
		return
	}
	r.fetches.Add(ctx, 1, apimetric.WithAttributes(
		attribute.String("platform", platform),
		attribute.Bool("ok", ok),
	))
}

// CountMessage records a produced notification.
func (r *Reporter) CountMessage(ctx context.Context, job string) {
	if r == nil {
		return
	}
	r.messages.Add(ctx, 1, apimetric.WithAttributes(attribute.String("job", job)))
}
