package ngenic

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeType is the numeric node type reported by the gateway.
type NodeType int

const (
	NodeUnknown    NodeType = -1
	NodeSensor     NodeType = 0
	NodeController NodeType = 1
	NodeGateway    NodeType = 2
	NodeInternal   NodeType = 3
	NodeRouter     NodeType = 4
)

func (t NodeType) String() string {
	switch t {
	case NodeSensor:
		return "sensor"
	case NodeController:
		return "controller"
	case NodeGateway:
		return "gateway"
	case NodeInternal:
		return "internal"
	case NodeRouter:
		return "router"
	default:
		return "unknown"
	}
}

type tuneJSON struct {
	TuneUUID          string `json:"tuneUuid"`
	UUID              string `json:"uuid"`
	TuneName          string `json:"tuneName"`
	Name              string `json:"name"`
	RoomToControlUUID string `json:"roomToControlUuid"`
}

// A tune from the list endpoint carries tuneUuid, a directly fetched one uuid.
func (t tuneJSON) id() string {
	if t.TuneUUID != "" {
		return t.TuneUUID
	}
	return t.UUID
}

func (t tuneJSON) name() string {
	if t.TuneName != "" {
		return t.TuneName
	}
	return t.Name
}

type roomJSON struct {
	UUID              string   `json:"uuid"`
	Name              string   `json:"name"`
	NodeUUID          string   `json:"nodeUuid"`
	TargetTemperature *float64 `json:"targetTemperature"`
	ActiveControl     bool     `json:"activeControl"`
}

// controlRooms returns the rooms whose sensor drives the tune. roomToControlUuid
// takes precedence over the activeControl flags.
func controlRooms(tune tuneJSON, rooms []roomJSON) map[string]bool {
	out := make(map[string]bool)
	if tune.RoomToControlUUID != "" {
		out[tune.RoomToControlUUID] = true
		return out
	}
	for _, room := range rooms {
		if room.ActiveControl {
			out[room.UUID] = true
		}
	}
	return out
}

type scheduleJSON struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type nodeJSON struct {
	UUID string   `json:"uuid"`
	Type NodeType `json:"type"`
}

type nodeStatusJSON struct {
	NodeUUID       string  `json:"nodeUuid"`
	Battery        float64 `json:"battery"`
	MaxBattery     float64 `json:"maxBattery"`
	RadioStatus    float64 `json:"radioStatus"`
	MaxRadioStatus float64 `json:"maxRadioStatus"`
	Timestamp      string  `json:"timestamp"`
}

func (s nodeStatusJSON) batteryPercent() float64 {
	return percentOf(s.Battery, s.MaxBattery)
}

func (s nodeStatusJSON) signalPercent() float64 {
	return percentOf(s.RadioStatus, s.MaxRadioStatus)
}

// percentOf truncates to whole percent; a zero max reads as full.
func percentOf(value, max float64) float64 {
	if max == 0 {
		return 100
	}
	return math.Trunc(value / max * 100)
}

type measurementJSON struct {
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp"`
}

// measurementBody accepts either a single measurement or a list of them; the
// period query returns a list and the last element is the current value.
type measurementBody struct {
	items []measurementJSON
}

func (m *measurementBody) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &m.items)
	}
	var one measurementJSON
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	m.items = []measurementJSON{one}
	return nil
}

func (m measurementBody) last() (measurementJSON, bool) {
	if len(m.items) == 0 {
		return measurementJSON{}, false
	}
	return m.items[len(m.items)-1], true
}

type errorJSON struct {
	Message string `json:"message"`
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
