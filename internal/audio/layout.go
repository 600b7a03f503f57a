package audio

import "fmt"

// Layout describes a channel layout by its channel count.
type Layout int

const (
	// LayoutMono is a single-channel layout.
	LayoutMono Layout = 1

	// LayoutStereo is a two-channel layout.
	LayoutStereo Layout = 2
)

// Channels returns the number of channels in the layout.
func (l Layout) Channels() int {
	return int(l)
}

// String returns the human-readable name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutMono:
		return "mono"
	case LayoutStereo:
		return "stereo"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseLayout converts a configuration string to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "mono":
		return LayoutMono, nil
	case "stereo":
		return LayoutStereo, nil
	default:
		return 0, fmt.Errorf("unknown channel layout %q (want mono or stereo)", s)
	}
}

// ConversionRatio returns the integer upmix ratio from the input layout to
// the output layout. Supported conversions are identical layouts (ratio 1)
// and mono to stereo (ratio 2). Any other combination is a configuration
// error and must be rejected before a session is constructed.
func ConversionRatio(in, out Layout) (int, error) {
	switch {
	case in == out:
		return 1, nil
	case in == LayoutMono && out == LayoutStereo:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported channel conversion %s -> %s", in, out)
	}
}
