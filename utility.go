package ntfs

import (
	"unicode/utf16"
)

// UnicodeFromUtf16le returns a string from raw UTF-16LE data.
func UnicodeFromUtf16le(raw []byte, charCount int) string {
	// The volume label is a UTF-16LE string and the character-count
	// corresponds to the number of 16-bit units. The data may still include
	// trailing NULs, so we intentionally skip over those.

	decodedString := make([]rune, 0)
	for i := 0; i < charCount; i++ {
		wchar1 := uint16(raw[i*2+1])
		wchar2 := uint16(raw[i*2])

		units := []uint16{wchar1<<8 | wchar2}
		runes := utf16.Decode(units)

		if runes[0] == 0 {
			continue
		}

		decodedString = append(decodedString, runes...)
	}

	return string(decodedString)
}

// IsPowerOfTwo indicates whether the value has exactly one bit set. Zero is
// not a power of two.
func IsPowerOfTwo(value uint64) bool {
	return value != 0 && value&(value-1) == 0
}

// BlockSizeBits returns log2 of a power-of-two block size.
func BlockSizeBits(value uint64) uint {
	bits := uint(0)
	for value > 1 {
		value >>= 1
		bits++
	}

	return bits
}

// QuadAlign rounds the value up to the next multiple of eight. Metadata
// record internals are eight-byte aligned on disk.
func QuadAlign(value uint32) uint32 {
	return (value + 7) &^ 7
}
