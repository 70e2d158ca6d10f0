package ngenic

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/ngenic-bridge/internal/topology"
)

var apiRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ngenic_api_requests_total",
		Help: "Ngenic API requests by result (HTTP status code, error or throttled)",
	},
	[]string{"result"},
)

func observeRequest(result string) {
	apiRequests.WithLabelValues(result).Inc()
}

// SnapshotSource is what the metrics collector reads on every scrape.
type SnapshotSource interface {
	CurrentSnapshot() topology.Snapshot
}

// MetricsCollector exports the last known channel values and gateway
// connectivity. It never calls the API; scrapes read the coordinator snapshot.
type MetricsCollector struct {
	source SnapshotSource

	value         *prometheus.GaugeVec
	lastUpdated   *prometheus.GaugeVec
	gatewayOnline *prometheus.GaugeVec
	channels      prometheus.Gauge
}

func NewMetricsCollector(source SnapshotSource) *MetricsCollector {
	labels := []string{"gateway_id", "node_id", "node_name", "channel", "kind", "unit"}
	return &MetricsCollector{
		source: source,
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ngenic_channel_value",
			Help: "Last known channel value in the unit reported by the API",
		}, labels),
		lastUpdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ngenic_channel_last_updated_timestamp_seconds",
			Help: "Timestamp of the last reading per channel (epoch seconds)",
		}, labels),
		gatewayOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ngenic_gateway_online_bool",
			Help: "Gateway connectivity (1=online, 0=offline)",
		}, []string{"gateway_id", "gateway_name"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ngenic_channels",
			Help: "Number of channels in the current topology",
		}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.value.Describe(ch)
	c.lastUpdated.Describe(ch)
	c.gatewayOnline.Describe(ch)
	c.channels.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.CurrentSnapshot()

	c.value.Reset()
	c.lastUpdated.Reset()
	c.gatewayOnline.Reset()

	count := 0
	for _, gw := range snap.Gateways {
		online := 0.0
		if gw.Online {
			online = 1
		}
		c.gatewayOnline.WithLabelValues(gw.ID, gw.Name).Set(online)
		for _, node := range gw.Nodes {
			for _, channel := range node.Channels {
				count++
				if channel.Kind == topology.KindUnsupported || !channel.HasReading() {
					continue
				}
				labels := []string{gw.ID, node.ID, node.Name, channel.ID, channel.Kind.String(), string(channel.Unit)}
				c.value.WithLabelValues(labels...).Set(channel.Value)
				c.lastUpdated.WithLabelValues(labels...).Set(float64(channel.Timestamp.Unix()))
			}
		}
	}
	c.channels.Set(float64(count))

	c.value.Collect(ch)
	c.lastUpdated.Collect(ch)
	c.gatewayOnline.Collect(ch)
	c.channels.Collect(ch)
}
