package core

import (
	context "context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const RegistryServiceName = "ngenic.registry.v1.Registry"

// RegistryServer is the server API of the plugin registry.
type RegistryServer interface {
	ListPlugins(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

// ListPlugins returns {"plugins": [{plugin_id, display_name, version, status,
// health_message, services}]}.
func (r *RegistryService) ListPlugins(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]interface{}, 0, len(r.plugins))
	for _, p := range r.plugins {
		manifest := p.Manifest()
		services := make([]interface{}, 0, len(manifest.Services))
		for _, s := range manifest.Services {
			services = append(services, s)
		}
		plugins = append(plugins, map[string]interface{}{
			"plugin_id":      manifest.PluginID,
			"display_name":   manifest.DisplayName,
			"version":        manifest.Version,
			"status":         string(p.Health()),
			"health_message": p.HealthMessage(),
			"services":       services,
		})
	}

	return structpb.NewStruct(map[string]interface{}{"plugins": plugins})
}

func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&registryServiceDesc, srv)
}

func listPluginsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServer).ListPlugins(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + RegistryServiceName + "/ListPlugins",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServer).ListPlugins(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: RegistryServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListPlugins", Handler: listPluginsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ngenic/registry/v1/registry.proto",
}
