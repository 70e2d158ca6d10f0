package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/joshp123/ngenic-bridge/plugins/ngenic"
)

func snapshotCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out outputMode) {
	resp, err := invoke(ctx, conn, "/"+ngenic.ServiceName+"/GetSnapshot")
	if err != nil {
		fatal("snapshot", err)
	}
	snapshot := resp.AsMap()

	nodeFilter := ""
	if len(args) > 0 {
		nodeFilter, err = resolveNamedID("node", args[0], nodeNames(snapshot))
		if err != nil {
			fatal("snapshot", err)
		}
	}

	if out.json && nodeFilter == "" {
		out.printJSON(snapshot)
		return
	}
	rows := channelRows(snapshot, nodeFilter)
	if out.json {
		out.printJSON(rows)
		return
	}
	out.table(rows)
}

func statusCmd(ctx context.Context, conn *grpc.ClientConn, out outputMode) {
	resp, err := invoke(ctx, conn, "/"+ngenic.ServiceName+"/GetStatus")
	if err != nil {
		fatal("status", err)
	}
	printStatus(resp.AsMap(), out)
}

func refreshCmd(ctx context.Context, conn *grpc.ClientConn, out outputMode) {
	resp, err := invoke(ctx, conn, "/"+ngenic.ServiceName+"/Refresh")
	if err != nil {
		fatal("refresh", err)
	}
	printStatus(resp.AsMap(), out)
}

func printStatus(status map[string]interface{}, out outputMode) {
	if out.json {
		out.printJSON(status)
		return
	}
	out.table(statusRows(status))
}

func statusRows(status map[string]interface{}) [][]string {
	rows := [][]string{
		{"state", str(status, "state")},
		{"consecutive_failures", str(status, "consecutive_failures")},
		{"interval", str(status, "interval_seconds") + "s"},
		{"next_interval", str(status, "next_interval_seconds") + "s"},
		{"cycles", str(status, "cycles")},
		{"last_success", str(status, "last_success")},
	}
	if msg := str(status, "last_error"); msg != "" {
		rows = append(rows, []string{"last_error", msg})
	}
	return rows
}

func nodeNames(snapshot map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for _, gw := range listOf(snapshot, "gateways") {
		for _, node := range listOf(gw, "nodes") {
			out[str(node, "name")] = str(node, "id")
		}
	}
	return out
}

// channelRows flattens a snapshot into one row per channel, optionally
// limited to one node.
func channelRows(snapshot map[string]interface{}, nodeID string) [][]string {
	rows := [][]string{{"GATEWAY", "NODE", "CHANNEL", "KIND", "VALUE", "UPDATED"}}
	for _, gw := range listOf(snapshot, "gateways") {
		gateway := str(gw, "name")
		if str(gw, "online") != "true" {
			gateway += " (offline)"
		}
		for _, node := range listOf(gw, "nodes") {
			if nodeID != "" && str(node, "id") != nodeID {
				continue
			}
			for _, ch := range listOf(node, "channels") {
				value := "-"
				if v := str(ch, "value"); v != "" {
					value = fmt.Sprintf("%s%s", v, str(ch, "unit"))
				}
				rows = append(rows, []string{gateway, str(node, "name"), str(ch, "type"), str(ch, "kind"), value, str(ch, "timestamp")})
			}
		}
	}
	return rows
}

// argsFunc turns command arguments into the request of a write RPC, using the
// snapshot to resolve names.
type argsFunc func(snapshot map[string]interface{}, args []string) (map[string]interface{}, error)

func writeCmd(ctx context.Context, conn *grpc.ClientConn, method string, args []string, build argsFunc, out outputMode) {
	resp, err := invoke(ctx, conn, "/"+ngenic.ServiceName+"/GetSnapshot")
	if err != nil {
		fatal("snapshot", err)
	}
	request, err := build(resp.AsMap(), args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}
	resp, err = invokeWith(ctx, conn, "/"+ngenic.ServiceName+"/"+method, request)
	if err != nil {
		fatal(method, err)
	}
	snapshot := resp.AsMap()
	if out.json {
		out.printJSON(snapshot)
		return
	}
	if nodeID, ok := request["node_id"].(string); ok {
		out.table(channelRows(snapshot, nodeID))
		return
	}
	out.table(gatewayRows(snapshot))
}

func setTempArgs(snapshot map[string]interface{}, args []string) (map[string]interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("set-temp needs a node and a temperature")
	}
	nodeID, err := resolveNamedID("node", args[0], nodeNames(snapshot))
	if err != nil {
		return nil, err
	}
	celsius, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("temperature %q: %w", args[1], err)
	}
	return map[string]interface{}{"node_id": nodeID, "temperature": celsius}, nil
}

func controlArgs(snapshot map[string]interface{}, args []string) (map[string]interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("control needs a node and on or off")
	}
	nodeID, err := resolveNamedID("node", args[0], nodeNames(snapshot))
	if err != nil {
		return nil, err
	}
	active, err := parseSwitch(args[1])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"node_id": nodeID, "active": active}, nil
}

func awayArgs(snapshot map[string]interface{}, args []string) (map[string]interface{}, error) {
	if len(args) != 2 && len(args) != 4 {
		return nil, fmt.Errorf("away needs a gateway, on or off, and optionally a start and end")
	}
	gatewayID, err := resolveNamedID("gateway", args[0], gatewayNames(snapshot))
	if err != nil {
		return nil, err
	}
	away, err := parseSwitch(args[1])
	if err != nil {
		return nil, err
	}
	request := map[string]interface{}{"gateway_id": gatewayID, "away": away}
	if len(args) == 4 {
		if !away {
			return nil, fmt.Errorf("a period only applies to away on")
		}
		request["start"] = args[2]
		request["end"] = args[3]
	}
	return request, nil
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not on or off", value)
}

func gatewayNames(snapshot map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for _, gw := range listOf(snapshot, "gateways") {
		out[str(gw, "name")] = str(gw, "id")
	}
	return out
}

func gatewayRows(snapshot map[string]interface{}) [][]string {
	rows := [][]string{{"GATEWAY", "ONLINE", "AWAY", "AWAY_START", "AWAY_END"}}
	for _, gw := range listOf(snapshot, "gateways") {
		rows = append(rows, []string{str(gw, "name"), str(gw, "online"), str(gw, "away"), str(gw, "away_start"), str(gw, "away_end")})
	}
	return rows
}
