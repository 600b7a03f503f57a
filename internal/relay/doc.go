// Package relay implements the real-time audio relay engine: the session
// transfer loop that pumps frames from a capture device to a playback
// device, the watchdog that detects a stalled pipeline, and the supervising
// engine that coordinates session replacement under contention from
// multiple restart triggers.
package relay
