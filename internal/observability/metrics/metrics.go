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

// Metrics exposes domain instruments exported over OTLP.
type Metrics struct {
	mirrorRows         metric.Int64Counter
	documentsProcessed metric.Int64Counter
	partiesProvisioned metric.Int64Counter
	channelEvents      metric.Int64Counter
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
		name = "erpsync"
	}
	meter := provider.Meter(name)

	mirrorRows, err := meter.Int64Counter("erpsync_mirror_rows_total",
		metric.WithDescription("Reference rows mirrored from the legacy ERP by feed and status."))
	if err != nil {
		return nil, err
	}
	documentsProcessed, err := meter.Int64Counter("erpsync_documents_processed_total",
		metric.WithDescription("Approved documents handled by the write-back pipeline."))
	if err != nil {
		return nil, err
	}
	partiesProvisioned, err := meter.Int64Counter("erpsync_parties_provisioned_total",
		metric.WithDescription("Parties created in the legacy ERP by identity resolution."))
	if err != nil {
		return nil, err
	}
	channelEvents, err := meter.Int64Counter("erpsync_channel_events_total",
		metric.WithDescription("Push channel status transitions."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		mirrorRows:         mirrorRows,
		documentsProcessed: documentsProcessed,
		partiesProvisioned: partiesProvisioned,
		channelEvents:      channelEvents,
	}, nil
}

// RecordMirrorRows adds mirrored row counts for one page or run.
func (m *Metrics) RecordMirrorRows(ctx context.Context, feed, status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feed", strings.TrimSpace(feed)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.mirrorRows.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordDocument counts one pipeline outcome.
func (m *Metrics) RecordDocument(ctx context.Context, trigger, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("trigger", strings.TrimSpace(trigger)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.documentsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPartyProvisioned counts one party created in the legacy ERP.
func (m *Metrics) RecordPartyProvisioned(ctx context.Context) {
	if m == nil {
		return
	}
	m.partiesProvisioned.Add(ctx, 1)
}

// RecordChannelEvent counts one channel status transition.
func (m *Metrics) RecordChannelEvent(ctx context.Context, channel, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.channelEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"feed":        {},
	"status":      {},
	"trigger":     {},
	"outcome":     {},
	"channel":     {},
	"reason":      {},
	"endpoint":    {},
	"status_code": {},
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
