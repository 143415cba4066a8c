// Pebble Core - lifecycle service for pebble IoT trackers.
//
// Pebble Core receives registration, binding and data events for pebble
// devices over MQTT, NATS and HTTP, applies the device lifecycle rules and
// persists the result to three SQLite relations:
//   - deviceregistry: devices admitted by the registry contract
//   - devicebinding: the owner wallet each device is bound to
//   - devicedata: telemetry from bound devices
//
// Run "pebblecore serve" to start the service, "pebblecore migrate" to manage
// the schema and "pebblecore token" to mint ingress tokens for gateways.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/pebble-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancelled on Ctrl+C or SIGTERM so serve can shut down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
