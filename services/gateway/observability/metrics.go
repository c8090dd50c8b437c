// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat gateway.
//
// # Description
//
// Metrics cover the streaming path end to end:
//   - Turn counters by endpoint, provider and outcome
//   - Fragments relayed per provider
//   - Latency histograms (time to first fragment, total turn duration)
//   - Active stream gauges
//   - Error, keep-alive, disconnect and durability-warning counters
//   - Session store operation latency
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *StreamingMetrics so components can run
// without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "chatgw"

const (
	streamingSubsystem = "streaming"
	storeSubsystem     = "store"
)

// StreamingMetrics holds all Prometheus metrics for streaming chat turns.
type StreamingMetrics struct {
	// RequestsTotal counts finished turns.
	// Labels: endpoint, provider, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts fragments relayed to clients.
	// Labels: provider
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures latency to the first relayed fragment.
	// Labels: provider
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total turn duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts aborted turns by cause.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keep-alive comments sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// DurabilityWarningsTotal counts completed turns whose assistant message
	// could not be persisted after the client had seen it.
	// Labels: provider
	DurabilityWarningsTotal *prometheus.CounterVec

	// StoreOperationSeconds measures session store calls.
	// Labels: operation, status
	StoreOperationSeconds *prometheus.HistogramVec
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics registers the metrics with the default Prometheus registerer
// and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewStreamingMetrics creates the metrics and registers them with reg.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total streaming turns by endpoint, provider and status",
			},
			[]string{"endpoint", "provider", "status"},
		),

		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total completion fragments relayed to clients",
			},
			[]string{"provider"},
		),

		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from request to first relayed fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"provider"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total aborted turns by endpoint and cause",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keep-alive comments sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		DurabilityWarningsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "durability_warnings_total",
				Help:      "Completed turns whose assistant message was not persisted",
			},
			[]string{"provider"},
		),

		StoreOperationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: storeSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Session store operation latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "status"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode is the cause label of an aborted turn.
type ErrorCode string

const (
	ErrorCodeValidation          ErrorCode = "validation"
	ErrorCodeUnsupportedProvider ErrorCode = "unsupported_provider"
	ErrorCodeLLMError            ErrorCode = "llm_error"
	ErrorCodeStoreError          ErrorCode = "store_error"
	ErrorCodeInternal            ErrorCode = "internal"
	ErrorCodeClientDisconnect    ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint labels the transport a turn arrived on.
type Endpoint string

const (
	EndpointSSE       Endpoint = "sse_stream"
	EndpointWebSocket Endpoint = "ws_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a finished turn.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, provider string, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), provider, statusLabel(success)).Inc()
}

// RecordError records the cause of an aborted turn.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFragment counts one relayed fragment.
func (m *StreamingMetrics) RecordFragment(provider string) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(provider).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstFragment records the first-fragment latency.
func (m *StreamingMetrics) RecordTimeToFirstFragment(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.WithLabelValues(provider).Observe(seconds)
}

// RecordStreamDuration records the total turn duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the keep-alive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordDurabilityWarning counts an assistant message lost after relay.
func (m *StreamingMetrics) RecordDurabilityWarning(provider string) {
	if m == nil {
		return
	}
	m.DurabilityWarningsTotal.WithLabelValues(provider).Inc()
}

// RecordStoreOperation records the latency of one store call.
func (m *StreamingMetrics) RecordStoreOperation(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.StoreOperationSeconds.WithLabelValues(operation, statusLabel(err == nil)).Observe(seconds)
}
