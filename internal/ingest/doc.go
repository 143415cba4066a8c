// Package ingest connects transports to the pebble event handlers.
//
// A Dispatcher stores each inbound payload in the resource table, hands
// the reference to the handler with the event id, source and handler
// timeout on the context, and releases the reference afterwards.
// BindMQTT and BindNATS subscribe a dispatcher to the event topics; the
// HTTP ingress in the api package calls Dispatch directly.
//
// OutcomePublisher and TelemetryMirror are pebble observers that fan
// outcomes out to MQTT, NATS and InfluxDB.
package ingest
