package router

import (
	"google.golang.org/grpc"

	"github.com/joshp123/ngenic-bridge/internal/core"
)

// RegisterPlugins registers the registry service and every plugin service on
// the gRPC server.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) {
	core.RegisterRegistryServer(server, core.NewRegistryService(plugins))

	for _, p := range plugins {
		p.RegisterGRPC(server)
	}
}
