package audio

// Convert writes n input samples from src into dst using the given upmix
// ratio and returns the number of output samples produced. Ratio 1 is a
// direct copy. Ratio 2 duplicates each input sample to both output channels
// (upmix by duplication, not averaging): src[i] lands at dst[2i] and
// dst[2i+1].
//
// The caller guarantees len(dst) >= n*ratio; the ratio itself is validated
// once at session construction via ConversionRatio, so Convert performs no
// checks of its own.
func Convert(dst, src []int16, n, ratio int) int {
	if ratio == 1 {
		copy(dst[:n], src[:n])
		return n
	}

	for i := 0; i < n; i++ {
		s := src[i]
		dst[2*i] = s
		dst[2*i+1] = s
	}
	return n * ratio
}
