// Package nats provides an optional NATS transport for Pebble Core events.
//
// Devices (or gateways in front of them) publish raw payloads on
// {prefix}.event.{kind}. When a queue group is configured, several Pebble
// Core instances share the subscription and each event is handled once.
// Requests made with a reply subject receive the handler outcome as the
// reply payload.
//
// # Usage
//
//	client, err := nats.Connect(ctx, cfg.NATS)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Subjects().AllEvents(),
//	    func(subject string, data []byte) ([]byte, error) {
//	        kind, _ := client.Subjects().ParseEvent(subject)
//	        return dispatch(kind, data)
//	    })
package nats
