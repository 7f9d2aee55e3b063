// Package logging provides structured logging configuration for the LIME
// engine.
//
// This package wraps log/slog so that channels, transports, the resend
// module and the multiplexer all log with the same handler and attribute
// keys. It supports configurable log levels and output formats.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	ch := channel.NewClient(t, channel.WithLogger(logger))
//
// # Attributes
//
// Components tag their records with the Key* constants: session_id, local,
// remote, envelope_id, kind and state. Use Component to derive a logger for
// a named component.
//
// # Integration
//
// Components accept a *slog.Logger through an option or a setter. If no
// logger is provided they use Nop.
package logging
