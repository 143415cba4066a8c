// Package config handles loading and validating Pebble Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with PEBBLE_* environment variables
//   - Validation of required fields (all errors reported at once)
//   - Default value handling
//
// Security Considerations:
//   - Secrets (MQTT/NATS credentials, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The JWT secret is only required when HTTP ingress auth is enabled
//
// Usage:
//
//	cfg, err := config.Load("configs/pebble.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Relations.Registry)
package config
