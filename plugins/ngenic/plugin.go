package ngenic

import (
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/core"
	"github.com/joshp123/ngenic-bridge/internal/rate"
)

// Plugin implements the plugin contract on top of a running coordinator.
type Plugin struct {
	ctrl Controller
}

func NewPlugin(ctrl Controller) Plugin {
	return Plugin{ctrl: ctrl}
}

func (p Plugin) ID() string {
	return "ngenic"
}

func (p Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    "ngenic",
		DisplayName: "Ngenic",
		Version:     versioninfo.Short(),
		Services:    []string{ServiceName},
	}
}

func (p Plugin) RegisterGRPC(server *grpc.Server) {
	RegisterNgenicService(server, p.ctrl)
}

func (p Plugin) Collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{NewMetricsCollector(p.ctrl), apiRequests}
	collectors = append(collectors, rate.MetricsCollectors()...)
	return append(collectors, coordinator.MetricsCollectors()...)
}

func (p Plugin) Health() core.HealthStatus {
	switch p.ctrl.Status().State {
	case coordinator.StateReady, coordinator.StateRefreshing:
		return core.HealthHealthy
	case coordinator.StateFailed, coordinator.StateStopped:
		return core.HealthError
	default:
		return core.HealthDegraded
	}
}

func (p Plugin) HealthMessage() string {
	st := p.ctrl.Status()
	switch {
	case st.LastError != nil && st.ConsecutiveFailures > 0:
		return fmt.Sprintf("%s after %d failures: %v", st.State, st.ConsecutiveFailures, st.LastError)
	case st.LastError != nil && st.State == coordinator.StateFailed:
		return fmt.Sprintf("%s: %v", st.State, st.LastError)
	default:
		return st.State.String()
	}
}
