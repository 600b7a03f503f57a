// Package audio provides channel-layout conversion and frame buffer sizing.
// It implements deterministic mono-to-stereo upmixing by sample duplication
// and derives relay buffer capacities from the device-reported minimum sizes.
package audio
