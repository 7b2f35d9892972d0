package lib

import (
	"crypto/rand"
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

func SeqIncrement(seq uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(1))
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(seqnum.Size(inc)))
}

// SeqLess reports whether seq1 comes before seq2 in the circular sequence space.
func SeqLess(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThan(seqnum.Value(seq2))
}

func SeqLessOrEqual(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThanEq(seqnum.Value(seq2))
}

func SeqGreater(seq1, seq2 uint32) bool {
	return SeqLess(seq2, seq1)
}

func SeqGreaterOrEqual(seq1, seq2 uint32) bool {
	return SeqLessOrEqual(seq2, seq1)
}

// seqDiff is the forward distance from seq2 to seq1.
func seqDiff(seq1, seq2 uint32) uint32 {
	return uint32(seqnum.Value(seq2).Size(seqnum.Value(seq1)))
}

// seqInWindow reports whether seq lies in [first, first+size).
func seqInWindow(seq, first, size uint32) bool {
	return seqnum.Value(seq).InWindow(seqnum.Value(first), seqnum.Size(size))
}

// GenerateISN picks a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
