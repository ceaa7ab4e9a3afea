// Package logging provides structured logging for SmartAccess Core.
//
// This package wraps Go's standard log/slog package so every component
// (consumer, orchestrator, outbox processor, retry scheduler) logs with the
// same default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, cfg.Service, "1.0.0")
//	logger.Info("consumer started", "topic", topic)
//	logger.Error("outbox publish failed", "error", err)
//
// Never log DSNs, passwords or tokens.
package logging
