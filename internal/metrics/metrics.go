package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Drop reasons for frames that never reach the latest-image slot.
const (
	DropDecode         = "decode"
	DropVariantMissing = "variant_missing"
	DropInvalid        = "invalid"
	DropBackpressure   = "backpressure"
)

// Export result labels.
const (
	ExportOK     = "ok"
	ExportDenied = "denied"
	ExportFailed = "failed"
)

type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesConverted prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	ConvertSeconds  prometheus.Histogram
	ExportsTotal    *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthview_frames_received_total",
			Help: "Depth frames delivered by the frame source",
		}),
		FramesConverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthview_frames_converted_total",
			Help: "Depth frames converted and published",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_frames_dropped_total",
			Help: "Depth frames dropped before publishing",
		}, []string{"reason"}),
		ConvertSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "depthview_convert_seconds",
			Help:    "Wall time of one depth-to-grayscale conversion",
			Buckets: prometheus.ExponentialBuckets(100e-6, 4, 8),
		}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthview_exports_total",
			Help: "PNG export attempts by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.FramesReceived,
		m.FramesConverted,
		m.FramesDropped,
		m.ConvertSeconds,
		m.ExportsTotal,
	)
	return m
}

// Snapshot flattens the registry into a name→value map for the /status
// endpoint. Labeled series get a name#label=value suffix.
func Snapshot(gatherer prometheus.Gatherer) map[string]any {
	out := map[string]any{}
	families, err := gatherer.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				name = fmt.Sprintf("%s#%s=%s", name, label.GetName(), label.GetValue())
			}
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				out[name] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name+"_count"] = metric.GetHistogram().GetSampleCount()
				out[name+"_sum"] = metric.GetHistogram().GetSampleSum()
			}
		}
	}
	return out
}
