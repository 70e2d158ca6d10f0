package topology

// EntityKind tells which level of the hierarchy a Ref points at.
type EntityKind int

const (
	EntityGateway EntityKind = iota
	EntityNode
	EntityChannel
)

func (e EntityKind) String() string {
	switch e {
	case EntityGateway:
		return "gateway"
	case EntityNode:
		return "node"
	default:
		return "channel"
	}
}

// Ref identifies an entity in a ChangeSet. For channels, Kind and Unit are part
// of the identity.
type Ref struct {
	Entity    EntityKind
	GatewayID string
	NodeID    string
	ChannelID string
	Kind      Kind
	Unit      Unit
}

// Update is a value change of a channel that exists in both snapshots.
type Update struct {
	Ref          Ref
	Previous     Reading
	Current      Reading
	CounterReset bool
}

// ChangeSet is the difference between two snapshots.
type ChangeSet struct {
	Added    []Ref
	Removed  []Ref
	Modified []Ref
	Updated  []Update
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0 && len(c.Updated) == 0
}

// Resets returns the updates flagged as counter resets.
func (c ChangeSet) Resets() []Update {
	var out []Update
	for _, u := range c.Updated {
		if u.CounterReset {
			out = append(out, u)
		}
	}
	return out
}

type channelEntry struct {
	gatewayID string
	nodeID    string
	channel   Channel
}

type index struct {
	gateways map[string]Gateway
	nodes    map[string]Node
	channels map[string]channelEntry
}

func buildIndex(s Snapshot) index {
	idx := index{
		gateways: make(map[string]Gateway),
		nodes:    make(map[string]Node),
		channels: make(map[string]channelEntry),
	}
	for _, gw := range s.Gateways {
		idx.gateways[gw.ID] = gw
		for _, node := range gw.Nodes {
			idx.nodes[node.ID] = node
			for _, ch := range node.Channels {
				idx.channels[ch.ID] = channelEntry{gatewayID: gw.ID, nodeID: node.ID, channel: ch}
			}
		}
	}
	return idx
}

func channelRef(gatewayID, nodeID string, ch Channel) Ref {
	return Ref{
		Entity:    EntityChannel,
		GatewayID: gatewayID,
		NodeID:    nodeID,
		ChannelID: ch.ID,
		Kind:      ch.Kind,
		Unit:      ch.Unit,
	}
}

func sameIdentity(a, b Channel) bool {
	return a.Kind == b.Kind && a.Unit == b.Unit
}

// Merge reconciles incoming against previous. The merged snapshot has the
// structure of incoming; channels that persist without a fresh reading keep
// their previous value and timestamp. Merge is pure and deterministic.
func Merge(previous, incoming Snapshot) (Snapshot, ChangeSet) {
	prev := normalize(previous)
	merged := normalize(incoming)
	prevIdx := buildIndex(prev)
	var changes ChangeSet

	for gi := range merged.Gateways {
		gw := &merged.Gateways[gi]
		oldGW, gwKnown := prevIdx.gateways[gw.ID]
		switch {
		case !gwKnown:
			changes.Added = append(changes.Added, Ref{Entity: EntityGateway, GatewayID: gw.ID})
		case oldGW.Online != gw.Online || oldGW.Name != gw.Name || !oldGW.Away.Equal(gw.Away):
			changes.Modified = append(changes.Modified, Ref{Entity: EntityGateway, GatewayID: gw.ID})
		}

		for ni := range gw.Nodes {
			node := &gw.Nodes[ni]
			oldNode, nodeKnown := prevIdx.nodes[node.ID]
			switch {
			case !nodeKnown:
				changes.Added = append(changes.Added, Ref{Entity: EntityNode, GatewayID: gw.ID, NodeID: node.ID})
			case oldNode.Name != node.Name || oldNode.GatewayID != node.GatewayID || oldNode.Type != node.Type || oldNode.RoomID != node.RoomID:
				changes.Modified = append(changes.Modified, Ref{Entity: EntityNode, GatewayID: gw.ID, NodeID: node.ID})
			}

			for ci := range node.Channels {
				ch := &node.Channels[ci]
				old, ok := prevIdx.channels[ch.ID]
				if !ok || !sameIdentity(old.channel, *ch) {
					changes.Added = append(changes.Added, channelRef(gw.ID, node.ID, *ch))
					continue
				}
				if !ch.HasReading() {
					ch.Value = old.channel.Value
					ch.Timestamp = old.channel.Timestamp
					continue
				}
				if old.channel.HasReading() && ch.Value == old.channel.Value && ch.Timestamp.Equal(old.channel.Timestamp) {
					continue
				}
				update := Update{
					Ref:      channelRef(gw.ID, node.ID, *ch),
					Previous: old.channel.Reading(),
					Current:  ch.Reading(),
				}
				if ch.Kind.Cumulative() && old.channel.HasReading() && ch.Value < old.channel.Value {
					update.CounterReset = true
				}
				changes.Updated = append(changes.Updated, update)
			}
		}
	}

	mergedIdx := buildIndex(merged)
	for _, gw := range prev.Gateways {
		if _, ok := mergedIdx.gateways[gw.ID]; !ok {
			changes.Removed = append(changes.Removed, Ref{Entity: EntityGateway, GatewayID: gw.ID})
		}
		for _, node := range gw.Nodes {
			if _, ok := mergedIdx.nodes[node.ID]; !ok {
				changes.Removed = append(changes.Removed, Ref{Entity: EntityNode, GatewayID: gw.ID, NodeID: node.ID})
			}
			for _, ch := range node.Channels {
				cur, ok := mergedIdx.channels[ch.ID]
				if !ok || !sameIdentity(cur.channel, ch) {
					changes.Removed = append(changes.Removed, channelRef(gw.ID, node.ID, ch))
				}
			}
		}
	}

	return merged, changes
}
