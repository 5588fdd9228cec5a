package xsk

import (
	"errors"
	"testing"
)

// Mmap dispatches on the four well-known ring offsets to the same backing
// memory each ring's own producer/consumer counters and slots live in.
func TestMmapDispatchesToConfiguredRings(t *testing.T) {
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 8, txCap: 8, fillCap: 8, compCap: 8})

	cases := []struct {
		name   string
		offset uint64
		want   []byte
	}{
		{"rx", OffsetRXRing, s.rxRing.Bytes()},
		{"tx", OffsetTXRing, s.txRing.Bytes()},
		{"fill", OffsetFillRing, s.Umem().FillRing().Bytes()},
		{"completion", OffsetCompletionRing, s.Umem().CompletionRing().Bytes()},
	}
	for _, c := range cases {
		got, err := s.Mmap(c.offset, len(c.want))
		if err != nil {
			t.Fatalf("Mmap(%s): %v", c.name, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("Mmap(%s) length = %d; want %d", c.name, len(got), len(c.want))
		}
	}
}

func TestMmapRejectsUnknownOffset(t *testing.T) {
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 8, txCap: 8, fillCap: 8, compCap: 8})
	if _, err := s.Mmap(0x42, 8); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Mmap(unknown offset) error = %v; want ErrInvalid", err)
	}
}

func TestMmapRejectsUnconfiguredRing(t *testing.T) {
	s := newTestSocket(t, socketOpts{rxCap: 8, txCap: 8})
	if _, err := s.Mmap(OffsetFillRing, 8); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Mmap(fill ring, not configured) error = %v; want ErrInvalid", err)
	}
}

func TestMmapRejectsLengthBeyondBackingAllocation(t *testing.T) {
	s := newTestSocket(t, socketOpts{numFrames: 8, frameSize: 2048, rxCap: 8, txCap: 8, fillCap: 8, compCap: 8})
	oversized := len(s.rxRing.Bytes()) + 1
	if _, err := s.Mmap(OffsetRXRing, oversized); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Mmap(oversized length) error = %v; want ErrNoSpace", err)
	}
}
