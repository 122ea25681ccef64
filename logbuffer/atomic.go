package logbuffer

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Frame length words are accessed atomically in place. The wire format is
// little-endian, so big-endian hosts swap on every load and store.
var bigEndianHost = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

func toWire32(v int32) int32 {
	if bigEndianHost {
		return int32(bits.ReverseBytes32(uint32(v)))
	}
	return v
}

func word32(term []byte, offset int) *int32 {
	_ = term[offset+3]
	return (*int32)(unsafe.Pointer(&term[offset]))
}

func word64(term []byte, offset int) *int64 {
	_ = term[offset+7]
	return (*int64)(unsafe.Pointer(&term[offset]))
}

// FrameLengthVolatile loads the frame length at offset with acquire semantics.
// A value <= 0 means the frame has not been committed yet.
func FrameLengthVolatile(term []byte, offset int) int32 {
	return toWire32(atomic.LoadInt32(word32(term, offset)))
}

// FrameLengthOrdered stores the frame length at offset with release semantics,
// publishing every byte written before it.
func FrameLengthOrdered(term []byte, offset int, length int32) {
	atomic.StoreInt32(word32(term, offset), toWire32(length))
}
