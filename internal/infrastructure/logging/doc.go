// Package logging provides structured logging for Gray Lift Core.
//
// It wraps log/slog with JSON output by default (text for development),
// level filtering, and default service/version fields on every entry.
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	registry.SetLogger(logger.Component("relay"))
//
// Never log credentials such as the MQTT password or InfluxDB token.
package logging
