// Package config loads config.yaml for the CAN relay gateway.
//
// Values come from defaults, then the file, then GRAYLOGIC_* environment
// variables. Put secrets (MQTT password, InfluxDB token, JWT secret) in the
// environment and keep the file 0600.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
