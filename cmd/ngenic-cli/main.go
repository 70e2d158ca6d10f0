package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/ngenic-bridge/internal/config"
	"github.com/joshp123/ngenic-bridge/internal/core"
)

func main() {
	flags := flag.NewFlagSet("ngenic-cli", flag.ExitOnError)
	jsonOutput := flags.Bool("json", false, "print raw JSON")
	addrFlag := flags.String("addr", "", "gRPC address of ngenicd")
	flags.Usage = usage
	_ = flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(versioninfo.Short())
		return
	}

	addr := *addrFlag
	if addr == "" {
		addr = resolveAddr()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := grpcurl.BlockingDial(dialCtx, "tcp", addr, insecure.NewCredentials())
	dialCancel()
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	out := outputMode{json: *jsonOutput}
	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, out)
	case "services":
		servicesCmd(ctx, conn)
	case "snapshot":
		snapshotCmd(ctx, conn, args[1:], out)
	case "status":
		statusCmd(ctx, conn, out)
	case "refresh":
		refreshCmd(ctx, conn, out)
	case "set-temp":
		writeCmd(ctx, conn, "SetTargetTemperature", args[1:], setTempArgs, out)
	case "control":
		writeCmd(ctx, conn, "SetActiveControl", args[1:], controlArgs, out)
	case "away":
		writeCmd(ctx, conn, "SetAway", args[1:], awayArgs, out)
	default:
		usage()
		os.Exit(2)
	}
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func invokeWith(ctx context.Context, conn *grpc.ClientConn, method string, args map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, out outputMode) {
	resp, err := invoke(ctx, conn, "/"+core.RegistryServiceName+"/ListPlugins")
	if err != nil {
		fatal("list plugins", err)
	}
	if out.json {
		out.printJSON(resp.AsMap())
		return
	}
	rows := [][]string{{"PLUGIN", "NAME", "VERSION", "STATUS", "HEALTH"}}
	for _, p := range listOf(resp.AsMap(), "plugins") {
		rows = append(rows, []string{
			str(p, "plugin_id"), str(p, "display_name"), str(p, "version"), str(p, "status"), str(p, "health_message"),
		})
	}
	out.table(rows)
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	client := grpcreflect.NewClientAuto(ctx, conn)
	defer client.Reset()
	services, err := grpcurl.ListServices(grpcurl.DescriptorSourceFromServer(ctx, client))
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func resolveAddr() string {
	if value := os.Getenv("NGENIC_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "localhost:9000"
}

func configSearchPaths() []string {
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "ngenic", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ""
	}
	return dialAddr(cfg.Core.GRPCAddr)
}

func usage() {
	fmt.Println("ngenic-cli [--addr host:port] [--json] <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins")
	fmt.Println("  services")
	fmt.Println("  snapshot [node]")
	fmt.Println("  status")
	fmt.Println("  refresh")
	fmt.Println("  set-temp <node> <celsius>")
	fmt.Println("  control <node> on|off")
	fmt.Println("  away <gateway> on|off [start end]")
	fmt.Println("  version")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
