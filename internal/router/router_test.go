package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/ngenic-bridge/internal/core"
)

type fakePlugin struct {
	registered bool
}

func (p *fakePlugin) ID() string { return "fake" }

func (p *fakePlugin) Manifest() core.Manifest {
	return core.Manifest{PluginID: "fake", DisplayName: "Fake", Version: "0.0.1"}
}

func (p *fakePlugin) RegisterGRPC(*grpc.Server) { p.registered = true }

func (p *fakePlugin) Collectors() []prometheus.Collector { return nil }

func (p *fakePlugin) Health() core.HealthStatus { return core.HealthHealthy }

func (p *fakePlugin) HealthMessage() string { return "" }

func TestRegisterPluginsServesRegistry(t *testing.T) {
	plugin := &fakePlugin{}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterPlugins(srv, []core.Plugin{plugin})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	assert.True(t, plugin.registered)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, "/"+core.RegistryServiceName+"/ListPlugins", &emptypb.Empty{}, out))

	plugins := out.AsMap()["plugins"].([]interface{})
	require.Len(t, plugins, 1)
	assert.Equal(t, "fake", plugins[0].(map[string]interface{})["plugin_id"])
}
