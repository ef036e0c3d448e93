package cmap

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// HashString returns an xxhash-based HashFunc for string keys (fingerprint
// table), grounded on github.com/OneOfOne/xxhash per SPEC_FULL §2.2.
func HashString() HashFunc[string] {
	return func(k string) uint64 { return xxhash.ChecksumString64(k) }
}

// HashFD returns an xxhash-based HashFunc for int32 fd keys.
func HashFD() HashFunc[int32] {
	return func(k int32) uint64 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(k))
		return xxhash.Checksum64(buf[:])
	}
}
