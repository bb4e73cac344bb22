// Package influxdb writes relay switching telemetry to InfluxDB v2.
//
// Every state the bridge publishes becomes a relay_state point tagged by
// node, floor, relay, device and source, so dashboards can chart duty
// cycle per floor and tell bus changes from ones found by a refresh.
// Points are batched per config.yaml (batch_size, flush_interval) and
// flushed on Close.
package influxdb
