// Package influxdb mirrors Pebble Core telemetry into InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring.
//
// # Measurements
//
//   - pebble_data: one point per accepted data event, tagged by device_id,
//     with the opaque message and device timestamp as string fields
//   - pebble_events: one point per handled event, tagged by kind, status
//     and error_kind, with the handling duration in microseconds
//
// InfluxDB is a mirror only. The SQLite relations remain the source of
// truth and a failed write never changes a handler's status.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteReading(influxdb.Reading{DeviceID: "pebble-001", Message: "0a1b", Timestamp: "1700000000"})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
