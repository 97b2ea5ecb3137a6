package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "nmos-query").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Registry creates a logger for registry adapter events (snapshot reads,
// backend connection state).
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// ChangeWatcher creates a logger for the change-watcher reconnect/backoff
// loop.
func ChangeWatcher() *zerolog.Logger {
	l := Log.With().Str("component", "changewatcher").Logger()
	return &l
}

// Subscription creates a logger for subscription registry events.
func Subscription() *zerolog.Logger {
	l := Log.With().Str("component", "subscription").Logger()
	return &l
}

// Fanout creates a logger for fan-out engine events.
func Fanout() *zerolog.Logger {
	l := Log.With().Str("component", "fanout").Logger()
	return &l
}

// WebSocket creates a logger for WebSocket endpoint events.
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// MDNS creates a logger for mDNS advertisement events.
func MDNS() *zerolog.Logger {
	l := Log.With().Str("component", "mdns").Logger()
	return &l
}
