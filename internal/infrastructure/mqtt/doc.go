// Package mqtt connects the CAN relay gateway to the Gray Logic broker.
//
// The bridge subscribes to relay commands and publishes retained relay
// state through BridgeAdapter. The client itself owns the gateway's
// presence: a retained ServiceStatus on StatusTopic, online after every
// connect, offline on Close, and the same offline payload registered as
// the will for unexpected drops.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
