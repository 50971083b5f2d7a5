package unwind

// decodeULEB128 decodes an unsigned LEB128 value from the front of b and
// returns the value plus the number of bytes consumed. Algorithm per the
// DWARF4 standard, section 7.6, figure 46.
func decodeULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var n int
	for _, v := range b {
		n++
		result |= uint64(v&0x7f) << shift
		if v&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, n
}

// decodeSLEB128 decodes a signed LEB128 value from the front of b.
// Algorithm per the DWARF4 standard, section 7.6, figure 47.
func decodeSLEB128(b []byte) (int64, int) {
	const size = 64
	var result int64
	var shift uint
	var n int
	var last byte
	for _, v := range b {
		n++
		last = v
		result |= int64(v&0x7f) << shift
		shift += 7
		if v&0x80 == 0 {
			break
		}
	}
	if shift < size && last&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n
}
