package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
)

func TestRelayStatePoint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		deviceID string
		nodeID   int
		on       bool
		source   string
		want     []string
		absent   []string
	}{
		{
			name:     "ground floor bus change",
			deviceID: "light-kitchen",
			nodeID:   0x15,
			on:       true,
			source:   "bus",
			want:     []string{"relay_state,", "device_id=light-kitchen", "floor=0", "node=0x15", "relay=21", "source=bus", "on=true", "state=1i"},
		},
		{
			name:   "second floor refresh without device",
			nodeID: 0x101,
			source: "refresh",
			want:   []string{"floor=2", "node=0x101", "relay=1", "source=refresh", "on=false", "state=0i"},
			absent: []string{"device_id="},
		},
		{
			name:   "untagged source",
			nodeID: 0x82,
			want:   []string{"floor=1", "relay=2"},
			absent: []string{"source="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := relayStatePoint(tt.deviceID, tt.nodeID, tt.on, tt.source, ts)
			if p.Name() != measurementRelayState {
				t.Errorf("Name() = %q, want %q", p.Name(), measurementRelayState)
			}
			line := write.PointToLineProtocol(p, time.Second)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q missing %q", line, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(line, a) {
					t.Errorf("line %q should not contain %q", line, a)
				}
			}
		})
	}
}

func TestWriteRelayStateAfterClose(t *testing.T) {
	c := &Client{}
	// Must not touch the nil write API.
	c.WriteRelayState("light-kitchen", 0x15, true, "bus")
}

func TestWriteOptions(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flushSecs int
		wantBatch uint
		wantFlush uint
	}{
		{"configured", 50, 2, 50, 2000},
		{"unset", 0, 0, defaultBatchSize, 10000},
		{"negative", -5, -1, defaultBatchSize, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := writeOptions(config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flushSecs})
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", got, tt.wantFlush)
			}
		})
	}
}
