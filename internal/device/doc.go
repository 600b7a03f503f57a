// Package device defines the capability contracts the relay engine consumes:
// capture and playback devices, the status sink, and the keep-alive token.
// The real implementations are supplied by the host platform layer; this
// package additionally ships in-memory implementations used by the local
// bridge binary and by tests.
package device
