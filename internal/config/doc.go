// Package config loads and validates the bridge service configuration.
// Configuration is immutable for the lifetime of a session; the engine
// applies a replaced configuration by rebuilding the session.
package config
