package streams

import "encoding/binary"

// HashStringV1 is the string hash used by the GSI hash tables, the named
// stream map and version 1 string tables.
func HashStringV1(s string) uint32 {
	data := []byte(s)
	var result uint32

	for len(data) >= 4 {
		result ^= binary.LittleEndian.Uint32(data)
		data = data[4:]
	}
	if len(data) >= 2 {
		result ^= uint32(binary.LittleEndian.Uint16(data))
		data = data[2:]
	}
	if len(data) == 1 {
		result ^= uint32(data[0])
	}

	const toLowerMask = 0x20202020
	result |= toLowerMask
	result ^= result >> 11
	return result ^ (result >> 16)
}

// compareGSIName orders names inside a GSI hash bucket: shorter names
// first, then a case-insensitive comparison for ASCII names.
func compareGSIName(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if isASCII(a) && isASCII(b) {
		for i := 0; i < len(a); i++ {
			ca, cb := toLowerASCII(a[i]), toLowerASCII(b[i])
			if ca != cb {
				if ca < cb {
					return -1
				}
				return 1
			}
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func toLowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
