package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	sessionsOpened   metric.Int64Counter
	sessionsClosed   metric.Int64Counter
	monitorPolls     metric.Int64Counter
	monitorFailures  metric.Int64Counter
	sweepRecoveries  metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	sessionSeconds   metric.Float64Counter
	amountAccrued    metric.Float64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tapflow"
	}
	meter := provider.Meter(name)

	sessionsOpened, err := meter.Int64Counter("tapflow_sessions_opened_total")
	if err != nil {
		return nil, err
	}
	sessionsClosed, err := meter.Int64Counter("tapflow_sessions_finalized_total")
	if err != nil {
		return nil, err
	}
	monitorPolls, err := meter.Int64Counter("tapflow_monitor_polls_total")
	if err != nil {
		return nil, err
	}
	monitorFailures, err := meter.Int64Counter("tapflow_monitor_failures_total")
	if err != nil {
		return nil, err
	}
	sweepRecoveries, err := meter.Int64Counter("tapflow_sweep_recoveries_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("tapflow_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("tapflow_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	sessionSeconds, err := meter.Float64Counter("tapflow_session_seconds_total")
	if err != nil {
		return nil, err
	}
	amountAccrued, err := meter.Float64Counter("tapflow_amount_accrued_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sessionsOpened:   sessionsOpened,
		sessionsClosed:   sessionsClosed,
		monitorPolls:     monitorPolls,
		monitorFailures:  monitorFailures,
		sweepRecoveries:  sweepRecoveries,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
		sessionSeconds:   sessionSeconds,
		amountAccrued:    amountAccrued,
	}, nil
}

// RecordSessionOpened increments the opened session count.
func (m *Metrics) RecordSessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsOpened.Add(ctx, 1)
}

// RecordSessionFinalized records a finalized session and its accruals.
func (m *Metrics) RecordSessionFinalized(ctx context.Context, elapsedSeconds, amount float64, recovered bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Bool("recovered", recovered))
	m.sessionsClosed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sessionSeconds.Add(ctx, elapsedSeconds)
	m.amountAccrued.Add(ctx, amount)
}

// RecordMonitorPoll counts one poll iteration.
func (m *Metrics) RecordMonitorPoll(ctx context.Context, transientFailure bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Bool("transient_failure", transientFailure))
	m.monitorPolls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMonitorFailure counts one fatal monitor termination.
func (m *Metrics) RecordMonitorFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.monitorFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSweepRecovery counts one stale session recovered by the sweep.
func (m *Metrics) RecordSweepRecovery(ctx context.Context) {
	if m == nil {
		return
	}
	m.sweepRecoveries.Add(ctx, 1)
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":          {},
	"status_code":       {},
	"reason":            {},
	"recovered":         {},
	"transient_failure": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
