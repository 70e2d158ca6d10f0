package core

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	health        HealthStatus
	healthMessage string
	collectors    []prometheus.Collector
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) RegisterGRPC(*grpc.Server) {}

func (s stubPlugin) Collectors() []prometheus.Collector { return s.collectors }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:       id,
		name:     "Demo",
		version:  "0.1.0",
		services: []string{"ngenic.demo.v1.DemoService"},
		health:   HealthHealthy,
	}
}

func TestRegistryListPlugins(t *testing.T) {
	plugin := newStubPlugin("demo")
	plugin.health = HealthDegraded
	plugin.healthMessage = "3 consecutive failures"
	svc := NewRegistryService([]Plugin{plugin})

	resp, err := svc.ListPlugins(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)

	plugins := resp.AsMap()["plugins"].([]interface{})
	require.Len(t, plugins, 1)
	got := plugins[0].(map[string]interface{})
	assert.Equal(t, "demo", got["plugin_id"])
	assert.Equal(t, "Demo", got["display_name"])
	assert.Equal(t, "0.1.0", got["version"])
	assert.Equal(t, "DEGRADED", got["status"])
	assert.Equal(t, "3 consecutive failures", got["health_message"])
	assert.Equal(t, []interface{}{"ngenic.demo.v1.DemoService"}, got["services"])
}

func TestValidatePlugins(t *testing.T) {
	require.NoError(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("extra")}))

	assert.ErrorContains(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}), "duplicate")
	assert.ErrorContains(t, ValidatePlugins([]Plugin{newStubPlugin("Bad-ID")}), "does not match")
	assert.ErrorContains(t, ValidatePlugins([]Plugin{newStubPlugin("")}), "empty")

	bad := newStubPlugin("demo")
	bad.services = []string{"not a service"}
	assert.ErrorIs(t, ValidatePlugins([]Plugin{bad}), ErrInvalidPlugin)
}

func TestMetricsRegistryRegistersCollectors(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "demo_gauge", Help: "demo"})
	gauge.Set(4)
	plugin := newStubPlugin("demo")
	plugin.collectors = []prometheus.Collector{gauge}

	families, err := MetricsRegistry([]Plugin{plugin}).Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "demo_gauge", families[0].GetName())
	assert.Equal(t, 4.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
