package tagmsg

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricTagSendBytes represents how much payload bytes have been
	// delivered to remote workers.
	MetricTagSendBytes           = []string{"tagmsg", "tag", "send", "bytes"}
	MetricTagSendErrorCount      = []string{"tagmsg", "tag", "send", "error", "count"}
	MetricTagRecvBytes           = []string{"tagmsg", "tag", "recv", "bytes"}
	MetricTagRecvErrorCount      = []string{"tagmsg", "tag", "recv", "error", "count"}
	MetricEndpointCreateCount    = []string{"tagmsg", "endpoint", "create", "count"}
	MetricEndpointConnectedCount = []string{"tagmsg", "endpoint", "connected", "count"}
	MetricEndpointFailureCount   = []string{"tagmsg", "endpoint", "failure", "count"}
	MetricConnEstCount           = []string{"tagmsg", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"tagmsg", "connection", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"tagmsg", "udp", "buffer", "size", "bytes"}
	MetricProgressEvents         = []string{"tagmsg", "worker", "progress", "events"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelWorker   TelemetryLabel = "worker"
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelStatus   TelemetryLabel = "status"
	LabelTag      TelemetryLabel = "tag"
	LabelStreamID TelemetryLabel = "stream_id"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
