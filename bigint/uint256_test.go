package bigint

import "testing"

func TestDifficultyOfMaxTargetIsOne(t *testing.T) {
	got := Difficulty(MaxTarget)
	if got.Cmp(FromUint64(1)) != 0 {
		t.Fatalf("Difficulty(MaxTarget) = %s, want 1", got)
	}
}

func TestDifficultyHalvesAsTargetDoubles(t *testing.T) {
	half := MaxTarget.DivUint64(2)
	got := Difficulty(half)
	if got.Cmp(FromUint64(2)) != 0 {
		t.Fatalf("Difficulty(MaxTarget/2) = %s, want 2", got)
	}
}

func TestCompactToBigBigToCompactRoundTrip(t *testing.T) {
	cases := []uint32{
		0x1d00ffff, // standard Bitcoin difficulty-1 bits
		0x1b0404cb,
		0x207fffff, // regtest-style low-difficulty bits
	}
	for _, compact := range cases {
		target := CompactToBig(compact)
		got := BigToCompact(target)
		if got != compact {
			t.Errorf("BigToCompact(CompactToBig(%08x)) = %08x, want %08x", compact, got, compact)
		}
	}
}

func TestCompactToBigMatchesMaxTarget(t *testing.T) {
	got := CompactToBig(0x1d00ffff)
	if got.Cmp(MaxTarget) != 0 {
		t.Fatalf("CompactToBig(0x1d00ffff) = %s, want MaxTarget %s", got, MaxTarget)
	}
}

func TestDivByZeroReturnsZero(t *testing.T) {
	if got := FromUint64(100).Div(Zero); !got.IsZero() {
		t.Fatalf("100 / 0 = %s, want 0", got)
	}
	if got := FromUint64(100).DivUint64(0); !got.IsZero() {
		t.Fatalf("100 / 0 (uint64) = %s, want 0", got)
	}
}

func TestClampBoundsToRange(t *testing.T) {
	lo, hi := FromUint64(10), FromUint64(100)
	cases := []struct {
		in, want uint64
	}{
		{5, 10},
		{50, 50},
		{500, 100},
	}
	for _, tc := range cases {
		got := Clamp(FromUint64(tc.in), lo, hi)
		if got.Cmp(FromUint64(tc.want)) != 0 {
			t.Errorf("Clamp(%d, 10, 100) = %s, want %d", tc.in, got, tc.want)
		}
	}
}

func TestLessThanIsStrict(t *testing.T) {
	a, b := FromUint64(5), FromUint64(5)
	if a.LessThan(b) {
		t.Fatalf("5.LessThan(5) = true, want false")
	}
	if !a.LessOrEqual(b) {
		t.Fatalf("5.LessOrEqual(5) = false, want true")
	}
}

func TestBytes32RoundTrip(t *testing.T) {
	want := MaxTarget
	b := want.Bytes32()
	got := FromBytesBE(b[:])
	if got.Cmp(want) != 0 {
		t.Fatalf("Bytes32 round trip: got %s, want %s", got, want)
	}
}
