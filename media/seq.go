package media

// seqDelta returns the signed distance from a to b on the 16-bit sequence
// circle. A positive result means b is ahead of a. All sequence and frame
// number comparisons in this package go through this helper so behavior is
// identical on either side of the 65535 wrap boundary.
func seqDelta(a, b uint16) int16 {
	return int16(b - a)
}

// seqNewer reports whether a is strictly ahead of b on the sequence circle.
func seqNewer(a, b uint16) bool {
	return seqDelta(b, a) > 0
}
