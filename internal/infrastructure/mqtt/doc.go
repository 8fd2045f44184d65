// Package mqtt provides the MQTT client Gray Lift uses as its event bus.
//
// Relay status, elevator state and arrival events are published under the
// graylift/ prefix; elevator commands are received on
// graylift/command/elevator/{relay_id}. A retained system status topic plus
// a Last Will lets consumers detect when the core goes away.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.RelayStatus("lift-a"), status, true)
//
// TLS should be enabled for any broker reachable beyond localhost.
package mqtt
