package ucp

// seqDiff computes the wrap-safe signed distance a-b in 32-bit modular
// sequence space. A negative result means a precedes b. This tolerates
// unbounded stream lifetime provided the in-flight window stays far below
// 2^31, per the protocol's sequence-space invariant.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// seqLess reports whether a precedes b in sequence space.
func seqLess(a, b uint32) bool {
	return seqDiff(a, b) < 0
}

// seqLessEq reports whether a precedes or equals b in sequence space.
func seqLessEq(a, b uint32) bool {
	return seqDiff(a, b) <= 0
}
