// Package logging builds the gateway's structured logger on log/slog.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Subsystems log through Component so entries can be filtered by
// component=bridge, component=slcan and so on. Never log the JWT secret,
// MQTT password or InfluxDB token.
package logging
