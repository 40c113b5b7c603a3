// Package logging provides a minimal logging interface and adapters for the service bus.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the bus, the worker pool and services use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZerologAdapter wrapping a zerolog.Logger
//   - BusLogger with component context and dispatch helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	b := bus.New(func(o *bus.Options) { o.Logger = logger })
//
// Arguments after the message are key/value pairs in every adapter.
package logging
