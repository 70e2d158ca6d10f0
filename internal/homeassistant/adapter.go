package homeassistant

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/mqtt"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

const (
	manufacturer = "Ngenic"
	bridgeDevice = "ngenic_bridge"
	payloadOn    = "ON"
	payloadOff   = "OFF"
)

// Publisher is the subset of the MQTT client the adapter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

type Options struct {
	BaseTopic         string
	DiscoveryPrefix   string
	DeviceEnergyNodes []string
	Version           string
}

type entity struct {
	configTopic string
	stateTopic  string
	spec        sensorSpec
}

// Adapter mirrors coordinator changes onto Home Assistant MQTT discovery.
// It implements coordinator.Listener.
type Adapter struct {
	pub    Publisher
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	entities  map[string]entity
	online    bool
	announced bool
}

func New(pub Publisher, opts Options, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	return &Adapter{
		pub:      pub,
		opts:     opts,
		logger:   logger.With(zap.String("component", "homeassistant")),
		entities: make(map[string]entity),
	}
}

var _ coordinator.Listener = (*Adapter)(nil)

func (a *Adapter) OnChanges(changes topology.ChangeSet, snapshot topology.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ref := range changes.Removed {
		if ref.Entity != topology.EntityChannel {
			continue
		}
		a.removeLocked(ref.ChannelID)
	}
	for _, ref := range changes.Added {
		if ref.Entity != topology.EntityChannel {
			continue
		}
		a.announceChannelLocked(snapshot, ref.NodeID, ref.ChannelID)
	}
	for _, ref := range changes.Modified {
		if ref.Entity != topology.EntityNode {
			continue
		}
		node, ok := snapshot.Node(ref.NodeID)
		if !ok {
			continue
		}
		for _, ch := range node.Channels {
			a.announceChannelLocked(snapshot, node.ID, ch.ID)
		}
	}
	for _, u := range changes.Updated {
		a.publishStateLocked(u.Ref.ChannelID, u.Current)
	}
}

func (a *Adapter) OnStatus(event coordinator.StatusEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.online = event.State == coordinator.StateReady
	if !a.announced {
		a.announceBridgeLocked()
	}
	a.publishConnectivityLocked()
}

// Republish announces every channel of snapshot again, for use after the
// broker connection is re-established.
func (a *Adapter) Republish(snapshot topology.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announceBridgeLocked()
	for _, ref := range snapshot.Channels() {
		a.announceChannelLocked(snapshot, ref.NodeID, ref.ChannelID)
	}
	a.publishConnectivityLocked()
}

func (a *Adapter) announceChannelLocked(snapshot topology.Snapshot, nodeID, channelID string) {
	node, ok := snapshot.Node(nodeID)
	if !ok {
		return
	}
	idx := slices.IndexFunc(node.Channels, func(ch topology.Channel) bool { return ch.ID == channelID })
	if idx < 0 {
		return
	}
	ch := node.Channels[idx]

	spec, ok := channelSpec(ch, slices.Contains(a.opts.DeviceEnergyNodes, node.ID))
	if !ok {
		return
	}

	uniqueID := UniqueID(node.ID, ch.Type)
	objectID := ObjectID(uniqueID)
	e := entity{
		configTopic: fmt.Sprintf("%s/sensor/%s/%s/config", a.opts.DiscoveryPrefix, ObjectID(node.ID), objectID),
		stateTopic:  mqtt.SensorStateTopic(a.opts.BaseTopic, objectID),
		spec:        spec,
	}

	cfg := DiscoveryConfig{
		Device:            a.nodeDevice(node),
		StateTopic:        e.stateTopic,
		StateClass:        spec.stateClass,
		DeviceClass:       spec.deviceClass,
		UnitOfMeasurement: spec.unit,
		AvTopic:           mqtt.BridgeStateTopic(a.opts.BaseTopic),
		EntityCategory:    spec.entityCategory,
		Name:              entityName(node, spec, ch),
		UniqueID:          uniqueID,
		ObjectID:          objectID,
		Platform:          "mqtt",
		Icon:              spec.icon,
	}
	if !a.publishJSONLocked(e.configTopic, cfg) {
		return
	}
	a.entities[ch.ID] = e
	if ch.HasReading() {
		a.publishStateLocked(ch.ID, ch.Reading())
	}
}

func (a *Adapter) removeLocked(channelID string) {
	e, ok := a.entities[channelID]
	if !ok {
		return
	}
	delete(a.entities, channelID)
	if err := a.pub.Publish(e.configTopic, nil, true); err != nil {
		a.logger.Warn("failed to remove entity", zap.String("topic", e.configTopic), zap.Error(err))
	}
}

func (a *Adapter) publishStateLocked(channelID string, reading topology.Reading) {
	e, ok := a.entities[channelID]
	if !ok || reading.Empty() {
		return
	}
	payload := e.spec.formatState(reading.Value)
	if err := a.pub.Publish(e.stateTopic, []byte(payload), true); err != nil {
		a.logger.Warn("failed to publish state", zap.String("topic", e.stateTopic), zap.Error(err))
	}
}

func (a *Adapter) announceBridgeLocked() {
	cfg := DiscoveryConfig{
		Device:         a.bridgeDevice(),
		StateTopic:     mqtt.BinarySensorStateTopic(a.opts.BaseTopic, "cloud"),
		DeviceClass:    "connectivity",
		AvTopic:        mqtt.BridgeStateTopic(a.opts.BaseTopic),
		EntityCategory: categoryDiagnostic,
		Name:           "Ngenic cloud",
		UniqueID:       bridgeDevice + "-cloud",
		ObjectID:       bridgeDevice + "_cloud",
		Platform:       "mqtt",
		PayloadOn:      payloadOn,
		PayloadOff:     payloadOff,
	}
	a.announced = a.publishJSONLocked(a.connectivityConfigTopic(), cfg)
}

func (a *Adapter) publishConnectivityLocked() {
	payload := payloadOff
	if a.online {
		payload = payloadOn
	}
	topic := mqtt.BinarySensorStateTopic(a.opts.BaseTopic, "cloud")
	if err := a.pub.Publish(topic, []byte(payload), true); err != nil {
		a.logger.Warn("failed to publish connectivity", zap.Error(err))
	}
}

func (a *Adapter) connectivityConfigTopic() string {
	return fmt.Sprintf("%s/binary_sensor/%s/cloud/config", a.opts.DiscoveryPrefix, bridgeDevice)
}

func (a *Adapter) publishJSONLocked(topic string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("failed to encode discovery config", zap.String("topic", topic), zap.Error(err))
		return false
	}
	if err := a.pub.Publish(topic, payload, true); err != nil {
		a.logger.Warn("failed to publish discovery config", zap.String("topic", topic), zap.Error(err))
		return false
	}
	return true
}

func (a *Adapter) nodeDevice(node topology.Node) DiscoveryDevice {
	return DiscoveryDevice{
		ID:           []string{deviceID(node.ID)},
		Manufacturer: manufacturer,
		Version:      a.opts.Version,
		Model:        modelName(node.Type),
		Name:         node.Name,
		ViaDevice:    deviceID(node.GatewayID),
	}
}

func (a *Adapter) bridgeDevice() DiscoveryDevice {
	return DiscoveryDevice{
		ID:           []string{bridgeDevice},
		Manufacturer: manufacturer,
		Version:      a.opts.Version,
		Model:        "Cloud bridge",
		Name:         "Ngenic bridge",
	}
}

func modelName(nodeType string) string {
	if nodeType == "" {
		return "Node"
	}
	return strings.ToUpper(nodeType[:1]) + nodeType[1:]
}

func entityName(node topology.Node, spec sensorSpec, ch topology.Channel) string {
	label := spec.label
	switch {
	case ch.Type == topology.TypeControlValue:
		// Kept apart from the controller's own temperature.
		return fmt.Sprintf("%s control %s", node.Name, label)
	case ch.Type != "" && ch.Type != topology.TypeTemperature && spec.deviceClass == "temperature":
		label = strings.TrimSuffix(ch.Type, "_C")
		label = strings.ReplaceAll(label, "_", " ")
		label = strings.ToUpper(label[:1]) + label[1:]
	}
	return fmt.Sprintf("%s %s", node.Name, label)
}
