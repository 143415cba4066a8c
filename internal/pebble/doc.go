// Package pebble implements the device lifecycle of Pebble trackers.
//
// A pebble moves through three derived states:
//
//	Unknown ──register──▶ Registered ──bind──▶ Bound
//	                          ▲                  │
//	                          └──────unbind──────┘
//
// State is never stored as an enum. It is derived from two relations:
// a Registry row makes a device Registered, and a Binding row on top of
// that makes it Bound. Telemetry (Data rows) is accepted only while a
// device is Bound.
//
// The package is split into four layers:
//
//   - Decoder (payload.go, codec.go): turns raw event bytes into a fixed
//     record per event kind, or a MissingFieldError / DecodeError.
//   - Store (store.go, sqlite_store.go): the three relations behind an
//     interface, with a SQLite implementation that runs each transition
//     in one transaction scoped to the device.
//   - Machine (lifecycle.go): the transition rules. It consults the store,
//     decides, and mutates. It does not log.
//   - Handler (handler.go): fetches a payload by reference, decodes it,
//     runs the machine, logs, notifies observers and reports StatusOK or
//     StatusFailed.
//
// Every failure keeps its kind (decode, store, precondition, payload
// unavailable) even though handlers only return a two-valued status.
// Use KindOf to classify an error for logs and metrics.
package pebble
