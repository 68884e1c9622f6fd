package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Metrics holds all application metrics
type Metrics struct {
	// Session metrics
	SyncSessionsTotal   metric.Int64Counter
	SyncSessionDuration metric.Float64Histogram
	SyncActiveSessions  metric.Int64UpDownCounter

	// Event log metrics
	EventsRecordedTotal metric.Int64Counter
	EventsSentTotal     metric.Int64Counter
	EventsAppliedTotal  metric.Int64Counter
	EventsSkippedTotal  metric.Int64Counter

	// Conflict metrics
	ConflictsDetectedTotal metric.Int64Counter

	// Full-sync metrics
	SnapshotBytesSent    metric.Int64Counter
	SnapshotChunksTotal  metric.Int64Counter
	SnapshotDuration     metric.Float64Histogram
	CompressionRatio     metric.Float64Histogram

	// Discovery and network metrics
	PeersReachable           metric.Int64UpDownCounter
	PartitionsRecordedTotal  metric.Int64Counter
	NetworkConnectionsActive metric.Int64UpDownCounter
	NetworkMessageLatency    metric.Float64Histogram

	// Offline queue metrics
	OfflineQueueDepth       metric.Int64UpDownCounter
	OfflineEscalationsTotal metric.Int64Counter

	// Error metrics
	ErrorSessionFailures  metric.Int64Counter
	ErrorNetworkTimeouts  metric.Int64Counter
	ErrorChecksumFailures metric.Int64Counter
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meterProvider metric.MeterProvider, serviceName string) (*Metrics, error) {
	meter := meterProvider.Meter(serviceName)

	syncSessionsTotal, err := meter.Int64Counter(
		"sync_sessions_total",
		metric.WithDescription("Total sync sessions started"),
	)
	if err != nil {
		return nil, err
	}

	syncSessionDuration, err := meter.Float64Histogram(
		"sync_session_duration",
		metric.WithDescription("Session wall-clock time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	syncActiveSessions, err := meter.Int64UpDownCounter(
		"sync_active_sessions",
		metric.WithDescription("Currently running sync sessions"),
	)
	if err != nil {
		return nil, err
	}

	eventsRecordedTotal, err := meter.Int64Counter(
		"events_recorded_total",
		metric.WithDescription("Change events appended to the local log"),
	)
	if err != nil {
		return nil, err
	}

	eventsSentTotal, err := meter.Int64Counter(
		"events_sent_total",
		metric.WithDescription("Change events shipped to peers"),
	)
	if err != nil {
		return nil, err
	}

	eventsAppliedTotal, err := meter.Int64Counter(
		"events_applied_total",
		metric.WithDescription("Remote change events applied locally"),
	)
	if err != nil {
		return nil, err
	}

	eventsSkippedTotal, err := meter.Int64Counter(
		"events_skipped_total",
		metric.WithDescription("Remote events skipped as echoes or stale"),
	)
	if err != nil {
		return nil, err
	}

	conflictsDetectedTotal, err := meter.Int64Counter(
		"conflicts_detected_total",
		metric.WithDescription("Concurrent-edit conflicts resolved"),
	)
	if err != nil {
		return nil, err
	}

	snapshotBytesSent, err := meter.Int64Counter(
		"snapshot_bytes_sent",
		metric.WithDescription("Compressed snapshot bytes transferred"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	snapshotChunksTotal, err := meter.Int64Counter(
		"snapshot_chunks_total",
		metric.WithDescription("Snapshot chunks transferred"),
	)
	if err != nil {
		return nil, err
	}

	snapshotDuration, err := meter.Float64Histogram(
		"snapshot_duration",
		metric.WithDescription("Full-sync snapshot transfer time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	compressionRatio, err := meter.Float64Histogram(
		"compression_ratio",
		metric.WithDescription("Compression ratio (compressed/original)"),
	)
	if err != nil {
		return nil, err
	}

	peersReachable, err := meter.Int64UpDownCounter(
		"peers_reachable",
		metric.WithDescription("Peers currently marked reachable"),
	)
	if err != nil {
		return nil, err
	}

	partitionsRecordedTotal, err := meter.Int64Counter(
		"partitions_recorded_total",
		metric.WithDescription("Network partition records created"),
	)
	if err != nil {
		return nil, err
	}

	networkConnectionsActive, err := meter.Int64UpDownCounter(
		"network_connections_active",
		metric.WithDescription("Active peer connections"),
	)
	if err != nil {
		return nil, err
	}

	networkMessageLatency, err := meter.Float64Histogram(
		"network_message_latency",
		metric.WithDescription("Round-trip message latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	offlineQueueDepth, err := meter.Int64UpDownCounter(
		"offline_queue_depth",
		metric.WithDescription("Entries queued for unreachable peers"),
	)
	if err != nil {
		return nil, err
	}

	offlineEscalationsTotal, err := meter.Int64Counter(
		"offline_escalations_total",
		metric.WithDescription("Queue overflows escalated to full sync"),
	)
	if err != nil {
		return nil, err
	}

	errorSessionFailures, err := meter.Int64Counter(
		"error_session_failures",
		metric.WithDescription("Sync sessions that ended in FAILED"),
	)
	if err != nil {
		return nil, err
	}

	errorNetworkTimeouts, err := meter.Int64Counter(
		"error_network_timeouts",
		metric.WithDescription("Network operation timeouts"),
	)
	if err != nil {
		return nil, err
	}

	errorChecksumFailures, err := meter.Int64Counter(
		"error_checksum_failures",
		metric.WithDescription("Snapshot checksum verification failures"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		SyncSessionsTotal:        syncSessionsTotal,
		SyncSessionDuration:      syncSessionDuration,
		SyncActiveSessions:       syncActiveSessions,
		EventsRecordedTotal:      eventsRecordedTotal,
		EventsSentTotal:          eventsSentTotal,
		EventsAppliedTotal:       eventsAppliedTotal,
		EventsSkippedTotal:       eventsSkippedTotal,
		ConflictsDetectedTotal:   conflictsDetectedTotal,
		SnapshotBytesSent:        snapshotBytesSent,
		SnapshotChunksTotal:      snapshotChunksTotal,
		SnapshotDuration:         snapshotDuration,
		CompressionRatio:         compressionRatio,
		PeersReachable:           peersReachable,
		PartitionsRecordedTotal:  partitionsRecordedTotal,
		NetworkConnectionsActive: networkConnectionsActive,
		NetworkMessageLatency:    networkMessageLatency,
		OfflineQueueDepth:        offlineQueueDepth,
		OfflineEscalationsTotal:  offlineEscalationsTotal,
		ErrorSessionFailures:     errorSessionFailures,
		ErrorNetworkTimeouts:     errorNetworkTimeouts,
		ErrorChecksumFailures:    errorChecksumFailures,
	}, nil
}

// InitMetricsProvider initializes the OpenTelemetry metrics provider
func InitMetricsProvider(ctx context.Context, endpoint string, serviceName string) (metric.MeterProvider, func() error, error) {
	if endpoint == "" {
		// Return a no-op provider if no endpoint is configured
		return sdkmetric.NewMeterProvider(), func() error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(), // Use WithTLSClientConfig for production
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)

	otel.SetMeterProvider(mp)

	return mp, func() error {
		return mp.Shutdown(ctx)
	}, nil
}
