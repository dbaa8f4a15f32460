package targetmgr

import (
	"testing"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/header"
)

func fakeHeader(t uint32) header.BlockHeader {
	return header.NewBitcoinHeader(1, bigint.Zero, [32]byte{}, t, 0, 0)
}

// TestAdjustTooFast: 16 blocks arrive in expected/4 seconds with
// MaxRetargetFactor=2, so passed_ms clamps to expected/2 and the new
// target halves (difficulty doubles).
func TestAdjustTooFast(t *testing.T) {
	const diffAdjustBlocks = 16
	const targetTimeMs = 1000 // 1s per block target -> expected = 16000ms
	genesisTarget := bigint.FromUint64(1 << 40)

	tm := New(genesisTarget, 0, targetTimeMs, diffAdjustBlocks, nil)

	expectedMs := uint64(targetTimeMs) * diffAdjustBlocks
	actualSecs := uint32((expectedMs / 4) / 1000)

	tm.Adjust(diffAdjustBlocks, fakeHeader(actualSecs))

	got := tm.Target()
	want := genesisTarget.DivUint64(expectedMs).MulUint64(expectedMs / 2)

	if got.Cmp(want) != 0 {
		t.Fatalf("target = %s, want %s", got.String(), want.String())
	}
	if got.Cmp(genesisTarget) >= 0 {
		t.Fatalf("expected target to shrink (difficulty to rise), got %s vs genesis %s", got.String(), genesisTarget.String())
	}
}

// TestAdjustNoOpBeforeInterval confirms adjust is a no-op until
// diffAdjustBlocks have elapsed since the last adjustment.
func TestAdjustNoOpBeforeInterval(t *testing.T) {
	genesisTarget := bigint.FromUint64(1 << 40)
	tm := New(genesisTarget, 0, 1000, 16, nil)

	tm.Adjust(5, fakeHeader(100))

	if tm.Target().Cmp(genesisTarget) != 0 {
		t.Fatalf("target changed before interval elapsed: %s", tm.Target().String())
	}
}

// TestAdjustNeverExceedsMaxTarget confirms the post-clamp invariant:
// the target never exceeds MaxTarget.
func TestAdjustNeverExceedsMaxTarget(t *testing.T) {
	tm := New(bigint.MaxTarget, 0, 1, 1, nil)
	tm.Adjust(1, fakeHeader(1_000_000))

	if tm.Target().Cmp(bigint.MaxTarget) > 0 {
		t.Fatalf("target exceeded MaxTarget: %s", tm.Target().String())
	}
}

// TestAdjustZeroQuotientFallsBack exercises the preserved quirk: when
// current_target / expected_ms underflows to zero, the old target is
// kept rather than accepting a zero target.
func TestAdjustZeroQuotientFallsBack(t *testing.T) {
	tiny := bigint.FromUint64(1)
	tm := New(tiny, 0, 1000, 16, nil)

	tm.Adjust(16, fakeHeader(16))

	if tm.Target().Cmp(tiny) != 0 {
		t.Fatalf("expected fallback to current target %s, got %s", tiny.String(), tm.Target().String())
	}
}
