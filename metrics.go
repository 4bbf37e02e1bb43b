// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Metric keys emitted by connections, the broker and the connector.
var (
	MetricPacketsIn       = []string{"switchboard", "packets", "in", "count"}
	MetricPacketsOut      = []string{"switchboard", "packets", "out", "count"}
	MetricPacketsDropped  = []string{"switchboard", "packets", "dropped", "count"}
	MetricAuthFailures    = []string{"switchboard", "auth", "failure", "count"}
	MetricConnTimeouts    = []string{"switchboard", "connection", "timeout", "count"}
	MetricConnLatencyMS   = []string{"switchboard", "connection", "latency", "ms"}
	MetricCallsRouted     = []string{"switchboard", "calls", "routed", "count"}
	MetricCallsBuffered   = []string{"switchboard", "calls", "buffered", "count"}
	MetricCallsExpired    = []string{"switchboard", "calls", "expired", "count"}
	MetricCallLatencyMS   = []string{"switchboard", "calls", "latency", "ms"}
	MetricRepliesOrphaned = []string{"switchboard", "replies", "orphaned", "count"}
	MetricEventsSent      = []string{"switchboard", "events", "sent", "count"}
	MetricAuditFailures   = []string{"switchboard", "audit", "failure", "count"}
	MetricReconnects      = []string{"switchboard", "connector", "reconnect", "count"}
	MetricMeshDials       = []string{"switchboard", "mesh", "dial", "count"}
)

// A TelemetryLabel is a key shared by log attributes and metric labels.
type TelemetryLabel string

var (
	LabelConnID        TelemetryLabel = "conn_id"
	LabelService       TelemetryLabel = "service"
	LabelMethod        TelemetryLabel = "method"
	LabelEvent         TelemetryLabel = "event"
	LabelKind          TelemetryLabel = "kind"
	LabelCorrelationID TelemetryLabel = "correlation_id"
	LabelPeerAddr      TelemetryLabel = "peer_addr"
	LabelError         TelemetryLabel = "error"
)

// M returns a metric label for val.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a log attribute for val.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// MetricSinkOrDefault returns ms if it is non-nil, otherwise the global sink.
func MetricSinkOrDefault(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}
