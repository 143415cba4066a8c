// Package mqtt provides MQTT client connectivity for Pebble Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Subscriptions on {prefix}/event/# for inbound device events
//   - Publishing handler outcomes on {prefix}/outcome/{kind}/{device_id}
//   - Last Will and Testament (LWT) on {prefix}/system/status
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllEvents(), client.QoS(),
//	    func(topic string, payload []byte) error {
//	        kind, _ := client.Topics().ParseEvent(topic)
//	        return dispatch(kind, payload)
//	    })
package mqtt
