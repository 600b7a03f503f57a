// Package server provides the HTTP monitoring API for the audio bridge:
// health and status snapshots of the relay engine, the active
// configuration, and the Prometheus metrics endpoint. It carries no audio.
package server
