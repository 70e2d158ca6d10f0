package topology

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the closed set of measurement kinds a channel can carry.
type Kind int

const (
	KindUnsupported Kind = iota
	KindTemperature
	KindHumidity
	KindPower
	KindEnergy
	KindFlow
	KindBattery
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindHumidity:
		return "humidity"
	case KindPower:
		return "power"
	case KindEnergy:
		return "energy"
	case KindFlow:
		return "flow"
	case KindBattery:
		return "battery"
	case KindSignal:
		return "signal"
	default:
		return "unsupported"
	}
}

// Cumulative reports whether readings of this kind form a non-decreasing counter.
func (k Kind) Cumulative() bool {
	return k == KindEnergy
}

// Unit is the unit a channel reports its values in. The core never converts.
type Unit string

const (
	UnitNone         Unit = ""
	UnitCelsius      Unit = "°C"
	UnitPercent      Unit = "%"
	UnitKilowatt     Unit = "kW"
	UnitKilowattHour Unit = "kWh"
	UnitLitrePerHour Unit = "l/h"
)

// Remote measurement type names.
const (
	TypeTemperature          = "temperature_C"
	TypeTargetTemperature    = "target_temperature_C"
	TypeHumidity             = "humidity_relative_percent"
	TypeControlValue         = "control_value_C"
	TypePower                = "power_kW"
	TypeEnergy               = "energy_kWH"
	TypeFlow                 = "flow_litre_per_hour"
	TypeInletFlowTemperature = "inlet_flow_temperature_C"
	TypeReturnTemperature    = "return_temperature_C"
	TypeBattery              = "battery"
	TypeRadioSignal          = "radio_signal"
)

// Channel types derived by the bridge rather than listed by the remote.
const (
	TypeEnergyThisMonth = "energy_kWH_this_month"
	TypeEnergyLastMonth = "energy_kWH_last_month"
	TypeSetpoint        = "setpoint_C"
)

// ParseKind maps a remote measurement type onto its kind and unit. Unknown
// types map to KindUnsupported instead of failing.
func ParseKind(remoteType string) (Kind, Unit) {
	switch remoteType {
	case TypeTemperature, TypeTargetTemperature, TypeControlValue, TypeInletFlowTemperature, TypeReturnTemperature, TypeSetpoint:
		return KindTemperature, UnitCelsius
	case TypeHumidity:
		return KindHumidity, UnitPercent
	case TypePower:
		return KindPower, UnitKilowatt
	case TypeEnergy, TypeEnergyThisMonth, TypeEnergyLastMonth:
		return KindEnergy, UnitKilowattHour
	case TypeFlow:
		return KindFlow, UnitLitrePerHour
	case TypeBattery:
		return KindBattery, UnitPercent
	case TypeRadioSignal:
		return KindSignal, UnitPercent
	default:
		return KindUnsupported, UnitNone
	}
}

// UnitFor returns the unit the API reports a kind in.
func UnitFor(k Kind) Unit {
	switch k {
	case KindTemperature:
		return UnitCelsius
	case KindHumidity, KindBattery, KindSignal:
		return UnitPercent
	case KindPower:
		return UnitKilowatt
	case KindEnergy:
		return UnitKilowattHour
	case KindFlow:
		return UnitLitrePerHour
	default:
		return UnitNone
	}
}

// ChannelID builds the identifier of the channel of remoteType on node.
func ChannelID(nodeID, remoteType string) string {
	return nodeID + "/" + remoteType
}

// Reading is a single value read from a channel. A zero Timestamp means the
// remote had no data.
type Reading struct {
	Value     float64
	Unit      Unit
	Timestamp time.Time
}

func (r Reading) Empty() bool {
	return r.Timestamp.IsZero()
}

// Channel is one typed measurement stream on a node.
type Channel struct {
	ID        string
	Type      string
	Kind      Kind
	Unit      Unit
	Value     float64
	Timestamp time.Time
}

func (c Channel) HasReading() bool {
	return !c.Timestamp.IsZero()
}

func (c Channel) Reading() Reading {
	return Reading{Value: c.Value, Unit: c.Unit, Timestamp: c.Timestamp}
}

// Node is a physical sensor or controller attached to a gateway. RoomID is
// set when the node is the sensor of a room.
type Node struct {
	ID        string
	GatewayID string
	Name      string
	Type      string
	RoomID    string
	Channels  []Channel
}

// Gateway is the root of the hierarchy (an Ngenic tune).
type Gateway struct {
	ID     string
	Name   string
	Online bool
	Away   AwayWindow
	Nodes  []Node
}

// AwayWindow is the scheduled away period of a gateway. The zero value means
// no away schedule.
type AwayWindow struct {
	Start time.Time
	End   time.Time
}

func (w AwayWindow) Scheduled() bool {
	return !w.Start.IsZero() && !w.End.IsZero()
}

// Active reports whether at falls inside [Start, End).
func (w AwayWindow) Active(at time.Time) bool {
	return w.Scheduled() && !at.Before(w.Start) && at.Before(w.End)
}

func (w AwayWindow) Equal(o AwayWindow) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Snapshot is the full gateway/node/channel graph at one point in time.
type Snapshot struct {
	Gateways  []Gateway
	FetchedAt time.Time
}

// ChannelRef addresses a channel for a measurement read.
type ChannelRef struct {
	GatewayID string
	NodeID    string
	ChannelID string
	Type      string
	Kind      Kind
	Unit      Unit
}

func (r ChannelRef) String() string {
	return fmt.Sprintf("%s/%s", r.GatewayID, r.ChannelID)
}

// Clone returns a deep copy; callers may modify it freely.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{FetchedAt: s.FetchedAt}
	if s.Gateways == nil {
		return out
	}
	out.Gateways = make([]Gateway, len(s.Gateways))
	for i, gw := range s.Gateways {
		out.Gateways[i] = gw
		if gw.Nodes == nil {
			continue
		}
		out.Gateways[i].Nodes = make([]Node, len(gw.Nodes))
		for j, node := range gw.Nodes {
			out.Gateways[i].Nodes[j] = node
			if node.Channels != nil {
				out.Gateways[i].Nodes[j].Channels = append([]Channel(nil), node.Channels...)
			}
		}
	}
	return out
}

// Channels lists every channel in the snapshot in identifier order.
func (s Snapshot) Channels() []ChannelRef {
	var refs []ChannelRef
	for _, gw := range s.Gateways {
		for _, node := range gw.Nodes {
			for _, ch := range node.Channels {
				refs = append(refs, ChannelRef{
					GatewayID: gw.ID,
					NodeID:    node.ID,
					ChannelID: ch.ID,
					Type:      ch.Type,
					Kind:      ch.Kind,
					Unit:      ch.Unit,
				})
			}
		}
	}
	return refs
}

func (s Snapshot) Gateway(gatewayID string) (Gateway, bool) {
	for _, gw := range s.Gateways {
		if gw.ID == gatewayID {
			return gw, true
		}
	}
	return Gateway{}, false
}

func (s Snapshot) Node(nodeID string) (Node, bool) {
	for _, gw := range s.Gateways {
		for _, node := range gw.Nodes {
			if node.ID == nodeID {
				return node, true
			}
		}
	}
	return Node{}, false
}

func (s Snapshot) FindChannel(channelID string) (Channel, bool) {
	for _, gw := range s.Gateways {
		for _, node := range gw.Nodes {
			for _, ch := range node.Channels {
				if ch.ID == channelID {
					return ch, true
				}
			}
		}
	}
	return Channel{}, false
}

// WithReadings returns a copy of s with the given readings applied to their
// channels. Empty readings and unknown channels are ignored.
func (s Snapshot) WithReadings(readings map[string]Reading) Snapshot {
	out := s.Clone()
	for i := range out.Gateways {
		for j := range out.Gateways[i].Nodes {
			channels := out.Gateways[i].Nodes[j].Channels
			for k := range channels {
				r, ok := readings[channels[k].ID]
				if !ok || r.Empty() {
					continue
				}
				channels[k].Value = r.Value
				channels[k].Timestamp = r.Timestamp
			}
		}
	}
	return out
}

func (s Snapshot) String() string {
	var b strings.Builder
	for _, gw := range s.Gateways {
		fmt.Fprintf(&b, "%s (%s)\n", gw.ID, gw.Name)
		for _, node := range gw.Nodes {
			fmt.Fprintf(&b, "  %s (%s)\n", node.ID, node.Name)
			for _, ch := range node.Channels {
				fmt.Fprintf(&b, "    %s %s %g%s\n", ch.ID, ch.Kind, ch.Value, ch.Unit)
			}
		}
	}
	return b.String()
}

// normalize drops duplicate identifiers (first occurrence wins) and sorts
// every level by identifier. The result shares no slices with s.
func normalize(s Snapshot) Snapshot {
	out := Snapshot{FetchedAt: s.FetchedAt}
	seenGateways := make(map[string]bool)
	seenNodes := make(map[string]bool)
	for _, gw := range s.Gateways {
		if seenGateways[gw.ID] {
			continue
		}
		seenGateways[gw.ID] = true
		gwOut := Gateway{ID: gw.ID, Name: gw.Name, Online: gw.Online, Away: gw.Away}
		for _, node := range gw.Nodes {
			if seenNodes[node.ID] {
				continue
			}
			seenNodes[node.ID] = true
			nodeOut := node
			nodeOut.GatewayID = gw.ID
			nodeOut.Channels = nil
			seenChannels := make(map[string]bool)
			for _, ch := range node.Channels {
				if seenChannels[ch.ID] {
					continue
				}
				seenChannels[ch.ID] = true
				nodeOut.Channels = append(nodeOut.Channels, ch)
			}
			sort.Slice(nodeOut.Channels, func(a, b int) bool { return nodeOut.Channels[a].ID < nodeOut.Channels[b].ID })
			gwOut.Nodes = append(gwOut.Nodes, nodeOut)
		}
		sort.Slice(gwOut.Nodes, func(a, b int) bool { return gwOut.Nodes[a].ID < gwOut.Nodes[b].ID })
		out.Gateways = append(out.Gateways, gwOut)
	}
	sort.Slice(out.Gateways, func(a, b int) bool { return out.Gateways[a].ID < out.Gateways[b].ID })
	return out
}
