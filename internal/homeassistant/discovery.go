package homeassistant

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/joshp123/ngenic-bridge/internal/topology"
)

type DiscoveryConfig struct {
	Device            DiscoveryDevice `json:"device"`
	StateTopic        string          `json:"state_topic"`
	StateClass        string          `json:"state_class,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	AvTopic           string          `json:"availability_topic,omitempty"`
	EntityCategory    string          `json:"entity_category,omitempty"`
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	ObjectID          string          `json:"object_id,omitempty"`
	Platform          string          `json:"platform"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	Icon              string          `json:"icon,omitempty"`
}

type DiscoveryDevice struct {
	ID           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// sensorSpec is how a channel kind is presented as a Home Assistant sensor.
type sensorSpec struct {
	label          string
	deviceClass    string
	stateClass     string
	unit           string
	icon           string
	entityCategory string
	scale          float64
}

const (
	stateMeasurement     = "measurement"
	stateTotalIncreasing = "total_increasing"
	categoryDiagnostic   = "diagnostic"
)

// specFor maps a kind onto its sensor presentation. Energy is shown as grid
// consumption unless the node is listed as a device meter. Unsupported kinds
// are not exposed.
func specFor(kind topology.Kind, deviceEnergy bool) (sensorSpec, bool) {
	switch kind {
	case topology.KindTemperature:
		return sensorSpec{label: "Temperature", deviceClass: "temperature", stateClass: stateMeasurement, unit: "°C", scale: 1}, true
	case topology.KindHumidity:
		return sensorSpec{label: "Humidity", deviceClass: "humidity", stateClass: stateMeasurement, unit: "%", scale: 1}, true
	case topology.KindPower:
		return sensorSpec{label: "Power", deviceClass: "power", stateClass: stateMeasurement, unit: "W", scale: 1000}, true
	case topology.KindEnergy:
		if deviceEnergy {
			return sensorSpec{label: "Energy", deviceClass: "energy", stateClass: stateTotalIncreasing, unit: "kWh", icon: "mdi:lightning-bolt", scale: 1}, true
		}
		return sensorSpec{label: "Grid energy", deviceClass: "energy", stateClass: stateTotalIncreasing, unit: "kWh", icon: "mdi:transmission-tower", scale: 1}, true
	case topology.KindFlow:
		return sensorSpec{label: "Flow", stateClass: stateMeasurement, unit: "l/h", icon: "mdi:water-pump", scale: 1}, true
	case topology.KindBattery:
		return sensorSpec{label: "Battery", deviceClass: "battery", stateClass: stateMeasurement, unit: "%", entityCategory: categoryDiagnostic, scale: 1}, true
	case topology.KindSignal:
		return sensorSpec{label: "Signal strength", stateClass: stateMeasurement, unit: "%", icon: "mdi:wifi", entityCategory: categoryDiagnostic, scale: 1}, true
	default:
		return sensorSpec{}, false
	}
}

// channelSpec is specFor refined by the channel type. Monthly energy totals
// close with their period, so they carry no state class.
func channelSpec(ch topology.Channel, deviceEnergy bool) (sensorSpec, bool) {
	spec, ok := specFor(ch.Kind, deviceEnergy)
	if !ok {
		return spec, false
	}
	switch ch.Type {
	case topology.TypeEnergyThisMonth:
		spec.label = "Monthly energy"
		spec.stateClass = ""
	case topology.TypeEnergyLastMonth:
		spec.label = "Last month energy"
		spec.stateClass = ""
	}
	return spec, true
}

// formatState renders a value in the sensor's display unit.
func (s sensorSpec) formatState(value float64) string {
	scaled := math.Round(value*s.scale*100) / 100
	return strconv.FormatFloat(scaled, 'f', -1, 64)
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// UniqueID is stable across restarts: <node>-<TYPE>-sensor. Monthly energy
// channels share the energy type and take a period suffix.
func UniqueID(nodeID, remoteType string) string {
	switch remoteType {
	case topology.TypeEnergyThisMonth:
		return UniqueID(nodeID, topology.TypeEnergy) + "-month"
	case topology.TypeEnergyLastMonth:
		return UniqueID(nodeID, topology.TypeEnergy) + "-last-month"
	}
	return fmt.Sprintf("%s-%s-sensor", nodeID, strings.ToUpper(remoteType))
}

// ObjectID is the topic-safe form of a unique id.
func ObjectID(uniqueID string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(uniqueID), "_"), "_")
}

func deviceID(id string) string {
	return "ngenic_" + ObjectID(id)
}
