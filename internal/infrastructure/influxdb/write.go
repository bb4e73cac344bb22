package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// measurementRelayState holds one point per observed relay change.
const measurementRelayState = "relay_state"

// WriteRelayState queues a relay_state point. source tells a bus change
// apart from one found by a cache init or refresh. Dropped after Close.
func (c *Client) WriteRelayState(deviceID string, nodeID int, on bool, source string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(relayStatePoint(deviceID, nodeID, on, source, time.Now()))
}

// relayStatePoint tags by node, floor and relay so dashboards can group a
// floor's relays; the integer state field plots as duty cycle.
func relayStatePoint(deviceID string, nodeID int, on bool, source string, ts time.Time) *write.Point {
	state := 0
	if on {
		state = 1
	}

	p := write.NewPointWithMeasurement(measurementRelayState).
		AddTag("node", canrelay.FormatNodeID(nodeID)).
		AddTag("floor", strconv.Itoa(canrelay.FloorOf(nodeID))).
		AddTag("relay", strconv.Itoa(canrelay.RelayOf(nodeID))).
		AddField("on", on).
		AddField("state", state).
		SetTime(ts)
	if deviceID != "" {
		p.AddTag("device_id", deviceID)
	}
	if source != "" {
		p.AddTag("source", source)
	}
	return p
}
