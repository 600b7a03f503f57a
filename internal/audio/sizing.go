package audio

import "fmt"

// FrameSizing derives the input and output buffer capacities (in samples)
// for one transfer call from the device-reported minimum buffer sizes.
//
// The input capacity is never below captureMin and the output capacity is
// never below playbackMin. The output capacity is always exactly
// input*ratio, so the sized pair satisfies the relay invariant that one
// full input buffer converts into one full output buffer.
func FrameSizing(captureMin, playbackMin, ratio int) (in, out int, err error) {
	if captureMin <= 0 {
		return 0, 0, fmt.Errorf("capture device reported non-positive minimum buffer size %d", captureMin)
	}
	if playbackMin <= 0 {
		return 0, 0, fmt.Errorf("playback device reported non-positive minimum buffer size %d", playbackMin)
	}
	if ratio < 1 {
		return 0, 0, fmt.Errorf("invalid conversion ratio %d", ratio)
	}

	in = captureMin
	out = in * ratio

	// Grow the input buffer until the converted output also covers the
	// playback minimum, keeping the exact ratio multiple intact.
	if out < playbackMin {
		in = (playbackMin + ratio - 1) / ratio
		if in < captureMin {
			in = captureMin
		}
		out = in * ratio
	}

	return in, out, nil
}
