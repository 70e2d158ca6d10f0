package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"gateways": []interface{}{
			map[string]interface{}{
				"id": "tune-1", "name": "Home", "online": true,
				"nodes": []interface{}{
					map[string]interface{}{
						"id": "node-1", "name": "Ngenic sensor Living room",
						"channels": []interface{}{
							map[string]interface{}{"type": "temperature_C", "kind": "temperature", "unit": "°C", "value": 21.5, "timestamp": "2024-08-04T09:00:00Z"},
							map[string]interface{}{"type": "co2_ppm", "kind": "unsupported", "unit": ""},
						},
					},
					map[string]interface{}{
						"id": "node-gw", "name": "Ngenic gateway",
						"channels": []interface{}{
							map[string]interface{}{"type": "energy_kWH", "kind": "energy", "unit": "kWh", "value": 2.0, "timestamp": "2024-08-04T09:00:00Z"},
						},
					},
				},
			},
		},
	}
}

func TestChannelRows(t *testing.T) {
	rows := channelRows(sampleSnapshot(), "")
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Home", "Ngenic sensor Living room", "temperature_C", "temperature", "21.5°C", "2024-08-04T09:00:00Z"}, rows[1])
	assert.Equal(t, "-", rows[2][4])
	assert.Equal(t, "2kWh", rows[3][4])
}

func TestChannelRowsNodeFilter(t *testing.T) {
	id, err := resolveNamedID("node", "ngenic-gateway", nodeNames(sampleSnapshot()))
	require.NoError(t, err)
	assert.Equal(t, "node-gw", id)

	rows := channelRows(sampleSnapshot(), id)
	require.Len(t, rows, 2)
	assert.Equal(t, "energy_kWH", rows[1][2])
}

func TestResolveNamedIDUnknown(t *testing.T) {
	_, err := resolveNamedID("node", "attic", nodeNames(sampleSnapshot()))
	assert.ErrorContains(t, err, "Available: Ngenic gateway, Ngenic sensor Living room")
}

func TestStatusRows(t *testing.T) {
	rows := statusRows(map[string]interface{}{
		"state":                 "degraded",
		"consecutive_failures":  3.0,
		"interval_seconds":      300.0,
		"next_interval_seconds": 600.0,
		"last_error":            "boom",
	})
	assert.Equal(t, []string{"state", "degraded"}, rows[0])
	assert.Equal(t, []string{"next_interval", "600s"}, rows[3])
	assert.Equal(t, []string{"last_error", "boom"}, rows[len(rows)-1])
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:9000", dialAddr(":9000"))
	assert.Equal(t, "localhost:9000", dialAddr("0.0.0.0:9000"))
	assert.Equal(t, "ngenic:9000", dialAddr("ngenic:9000"))
}

func TestSetTempArgs(t *testing.T) {
	request, err := setTempArgs(sampleSnapshot(), []string{"ngenic_sensor_living_room", "21.5"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"node_id": "node-1", "temperature": 21.5}, request)

	_, err = setTempArgs(sampleSnapshot(), []string{"node-1", "warm"})
	assert.ErrorContains(t, err, `temperature "warm"`)
	_, err = setTempArgs(sampleSnapshot(), []string{"node-1"})
	assert.Error(t, err)
}

func TestControlArgs(t *testing.T) {
	request, err := controlArgs(sampleSnapshot(), []string{"node-1", "OFF"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"node_id": "node-1", "active": false}, request)

	_, err = controlArgs(sampleSnapshot(), []string{"node-1", "maybe"})
	assert.ErrorContains(t, err, "not on or off")
}

func TestAwayArgs(t *testing.T) {
	request, err := awayArgs(sampleSnapshot(), []string{"home", "on"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"gateway_id": "tune-1", "away": true}, request)

	request, err = awayArgs(sampleSnapshot(), []string{"tune-1", "on", "2024-08-10T00:00:00Z", "2024-08-17T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2024-08-10T00:00:00Z", request["start"])
	assert.Equal(t, "2024-08-17T00:00:00Z", request["end"])

	_, err = awayArgs(sampleSnapshot(), []string{"tune-1", "off", "2024-08-10T00:00:00Z", "2024-08-17T00:00:00Z"})
	assert.Error(t, err)
	_, err = awayArgs(sampleSnapshot(), []string{"cabin", "on"})
	assert.ErrorContains(t, err, "Available: Home")
}

func TestGatewayRows(t *testing.T) {
	snapshot := sampleSnapshot()
	gw := snapshot["gateways"].([]interface{})[0].(map[string]interface{})
	gw["away"] = true
	gw["away_start"] = "2024-08-04T09:00:00Z"
	gw["away_end"] = "2024-10-03T09:00:00Z"

	rows := gatewayRows(snapshot)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Home", "true", "true", "2024-08-04T09:00:00Z", "2024-10-03T09:00:00Z"}, rows[1])
}
