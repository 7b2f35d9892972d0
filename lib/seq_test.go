package lib

import (
	"math"
	"testing"
)

func TestSeqLess(t *testing.T) {
	tests := []struct {
		seq1, seq2 uint32
		expected   bool
	}{
		{10, 5, false},
		{5, 10, true},
		{5, 5, false},
		{0, math.MaxUint32, false}, // Wrap-around
		{math.MaxUint32, 0, true},  // plain comparison would say false
		{math.MaxUint32 - 10, 20, true},
		{20, math.MaxUint32 - 10, false},
		{math.MaxUint32 / 2, math.MaxUint32, true},
		{1 << 31, 0, true},  // exactly half the space apart counts as behind
	}

	for _, test := range tests {
		result := SeqLess(test.seq1, test.seq2)
		if result != test.expected {
			t.Errorf("SeqLess(%d, %d) = %t; want %t", test.seq1, test.seq2, result, test.expected)
		}
	}
}

func TestSeqOrderingHelpers(t *testing.T) {
	if !SeqLessOrEqual(7, 7) || SeqGreater(7, 7) || !SeqGreaterOrEqual(7, 7) {
		t.Error("equal values must compare as <= and >= but not >")
	}
	if !SeqGreater(0, math.MaxUint32) {
		t.Error("0 must follow MaxUint32")
	}
	if got := SeqIncrement(math.MaxUint32); got != 0 {
		t.Errorf("SeqIncrement(MaxUint32) = %d, want 0", got)
	}
	if got := SeqIncrementBy(math.MaxUint32-1, 5); got != 3 {
		t.Errorf("SeqIncrementBy = %d, want 3", got)
	}
	if got := seqDiff(3, math.MaxUint32-1); got != 5 {
		t.Errorf("seqDiff = %d, want 5", got)
	}
}

func TestSeqInWindow(t *testing.T) {
	tests := []struct {
		seq, first, size uint32
		expected         bool
	}{
		{100, 100, 10, true},
		{109, 100, 10, true},
		{110, 100, 10, false},
		{99, 100, 10, false},
		{2, math.MaxUint32 - 2, 10, true},
		{100, 100, 0, false},
	}
	for _, test := range tests {
		if got := seqInWindow(test.seq, test.first, test.size); got != test.expected {
			t.Errorf("seqInWindow(%d, %d, %d) = %t; want %t", test.seq, test.first, test.size, got, test.expected)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateFinWait1.String() != "FIN_WAIT_1" || StateClosed.String() != "CLOSED" {
		t.Error("unexpected state names")
	}
	if State(99).String() != "UNKNOWN" {
		t.Error("out of range state must print UNKNOWN")
	}
	if flagString(SYNFlag|ACKFlag) != "SA" {
		t.Errorf("flagString = %q", flagString(SYNFlag|ACKFlag))
	}
}
