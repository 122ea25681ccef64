package logbuffer

import (
	"fmt"
	"math/bits"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/protocol"
)

// PartitionCount is the number of terms in a log.
const PartitionCount = 3

// Term length bounds.
const (
	TermMinLength = 64 * 1024
	TermMaxLength = 1024 * 1024 * 1024
)

// CheckTermLength verifies a term length is a power of two within bounds.
func CheckTermLength(termLength int) error {
	if termLength < TermMinLength || termLength > TermMaxLength || termLength&(termLength-1) != 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "logbuffer", "CheckTermLength",
			fmt.Sprintf("term length %d must be a power of two in [%d, %d]", termLength, TermMinLength, TermMaxLength))
	}
	return nil
}

// PositionBitsToShift returns log2(termLength).
func PositionBitsToShift(termLength int) uint {
	return uint(bits.TrailingZeros32(uint32(termLength)))
}

// ComputePosition returns the stream position of termOffset within termID.
func ComputePosition(termID, termOffset int32, shift uint, initialTermID int32) int64 {
	termCount := int64(termID - initialTermID)
	return (termCount << shift) + int64(termOffset)
}

// ComputeTermBeginPosition returns the stream position at the start of termID.
func ComputeTermBeginPosition(termID int32, shift uint, initialTermID int32) int64 {
	return int64(termID-initialTermID) << shift
}

// ComputeTermID returns the term id containing position.
func ComputeTermID(position int64, shift uint, initialTermID int32) int32 {
	return int32(position>>shift) + initialTermID
}

// ComputeTermOffset returns the offset of position within its term.
func ComputeTermOffset(position int64, termLength int) int32 {
	return int32(position & int64(termLength-1))
}

// IndexByPosition returns the partition index holding position.
func IndexByPosition(position int64, shift uint) int {
	return int((position >> shift) % PartitionCount)
}

// IndexByTerm returns the partition index holding termID.
func IndexByTerm(initialTermID, termID int32) int {
	return int(uint32(termID-initialTermID) % PartitionCount)
}

// IndexByTermCount returns the partition index for a count of completed rotations.
func IndexByTermCount(termCount int32) int {
	return int(uint32(termCount) % PartitionCount)
}

// MaxMessageLength is the largest message a publication accepts for termLength.
func MaxMessageLength(termLength int) int {
	return min(termLength/8, 16*1024*1024)
}

// MaxPayloadLength is the largest payload carried by one frame for mtu.
func MaxPayloadLength(mtu int) int {
	return mtu - protocol.DataHeaderLength
}

// TermWindowLength is how far a publisher may run ahead of its slowest consumer.
func TermWindowLength(termLength int) int {
	return termLength / 2
}

// PackTail combines a term id and tail offset into a raw tail value.
func PackTail(termID int32, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

// TermIDFromTail extracts the term id from a raw tail.
func TermIDFromTail(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffsetFromTail extracts the tail offset, capped at termLength.
func TermOffsetFromTail(rawTail int64, termLength int) int32 {
	tail := rawTail & 0xFFFF_FFFF
	return int32(min(tail, int64(termLength)))
}
