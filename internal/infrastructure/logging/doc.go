// Package logging provides structured logging for Pebble Core.
//
// It wraps log/slog so every component logs through the same handler with
// the same default fields (service, version). Output is JSON for
// production and text for development.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// String values logged under owner_wallet, wallet, secret, token or
// authorization are masked by the handler.
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	ingestLog := logger.Component("ingest")
//	ingestLog.Info("event handled", "kind", "data", "status", 0)
package logging
