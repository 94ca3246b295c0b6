package utils

// IsGREASEUint16 reports whether v is one of the 16 reserved GREASE values
// (RFC 8701): 0x0a0a, 0x1a1a, ..., 0xfafa.
func IsGREASEUint16(v uint16) bool {
	// First byte is same as second byte
	// and lowest nibble is 0xa
	return ((v >> 8) == v&0xff) && v&0xf == 0xa
}

// FilterGREASE returns the values of arr which are not GREASE, in their
// original order. The input slice is left untouched.
func FilterGREASE(arr []uint16) []uint16 {
	out := make([]uint16, 0, len(arr))
	for _, v := range arr {
		if !IsGREASEUint16(v) {
			out = append(out, v)
		}
	}
	return out
}
