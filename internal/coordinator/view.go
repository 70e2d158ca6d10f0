package coordinator

import (
	"time"

	"github.com/joshp123/ngenic-bridge/internal/topology"
)

// SnapshotView renders a snapshot as plain maps and slices, the shape shared
// by the gRPC Struct responses and the HTTP JSON API.
func SnapshotView(s topology.Snapshot) map[string]interface{} {
	gateways := make([]interface{}, 0, len(s.Gateways))
	for _, gw := range s.Gateways {
		nodes := make([]interface{}, 0, len(gw.Nodes))
		for _, node := range gw.Nodes {
			channels := make([]interface{}, 0, len(node.Channels))
			for _, ch := range node.Channels {
				channel := map[string]interface{}{
					"id":   ch.ID,
					"type": ch.Type,
					"kind": ch.Kind.String(),
					"unit": string(ch.Unit),
				}
				if ch.HasReading() {
					channel["value"] = ch.Value
					channel["timestamp"] = formatTime(ch.Timestamp)
				}
				channels = append(channels, channel)
			}
			view := map[string]interface{}{
				"id":       node.ID,
				"name":     node.Name,
				"type":     node.Type,
				"channels": channels,
			}
			if node.RoomID != "" {
				view["room_id"] = node.RoomID
			}
			nodes = append(nodes, view)
		}
		view := map[string]interface{}{
			"id":     gw.ID,
			"name":   gw.Name,
			"online": gw.Online,
			"away":   gw.Away.Active(s.FetchedAt),
			"nodes":  nodes,
		}
		if gw.Away.Scheduled() {
			view["away_start"] = formatTime(gw.Away.Start)
			view["away_end"] = formatTime(gw.Away.End)
		}
		gateways = append(gateways, view)
	}
	return map[string]interface{}{
		"fetched_at": formatTime(s.FetchedAt),
		"gateways":   gateways,
	}
}

func (s Status) View() map[string]interface{} {
	out := map[string]interface{}{
		"state":                 s.State.String(),
		"consecutive_failures":  s.ConsecutiveFailures,
		"interval_seconds":      s.Interval.Seconds(),
		"next_interval_seconds": s.NextInterval.Seconds(),
		"cycles":                s.Cycles,
		"last_success":          formatTime(s.LastSuccess),
	}
	if s.LastError != nil {
		out["last_error"] = s.LastError.Error()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
