package pplns

import (
	"testing"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/chaincfg"
)

func testAddr(t *testing.T, net *chaincfg.NetworkParams, seed byte) address.Address {
	t.Helper()
	h160 := address.Hash160([]byte{seed})
	a, err := address.FromScript(net, buildP2PKHScript(h160))
	if err != nil {
		t.Fatalf("FromScript: %v", err)
	}
	return a
}

func buildP2PKHScript(h160 [20]byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, 0x76, 0xa9, 20)
	out = append(out, h160[:]...)
	out = append(out, 0x88, 0xac)
	return out
}

func TestWindowPushEvictsOverCapacity(t *testing.T) {
	net := &chaincfg.RegTestParams
	w := NewWindow(1000)
	a1 := testAddr(t, net, 1)
	a2 := testAddr(t, net, 2)

	w.Push(a1, 600)
	w.Push(a2, 600)

	if w.Total() > 1000 {
		t.Fatalf("total %d exceeds capacity", w.Total())
	}
	// a1's 600 should have been evicted entirely, leaving only a2's 600.
	if w.Total() != 600 {
		t.Fatalf("total = %d, want 600 after eviction", w.Total())
	}
}

func TestSnapshotOutputsConservesReward(t *testing.T) {
	net := &chaincfg.RegTestParams
	w := NewWindow(chaincfg.PPLNSShareUnits)
	a1 := testAddr(t, net, 1)
	a2 := testAddr(t, net, 2)

	w.Push(a1, chaincfg.PPLNSShareUnits/2)
	w.Push(a2, chaincfg.PPLNSShareUnits/2)

	const reward = 5_000_000_000
	outputs, residual := w.SnapshotOutputs(reward)

	var total uint64
	for _, o := range outputs {
		total += o.Value
	}
	total += residual

	if total != reward {
		t.Fatalf("outputs + residual = %d, want %d", total, reward)
	}
}

func TestSnapshotOutputsDeterministicOrder(t *testing.T) {
	net := &chaincfg.RegTestParams
	w := NewWindow(chaincfg.PPLNSShareUnits)
	a1 := testAddr(t, net, 9)
	a2 := testAddr(t, net, 1)

	w.Push(a1, 100)
	w.Push(a2, 100)

	out1, _ := w.SnapshotOutputs(1000)
	out2, _ := w.SnapshotOutputs(1000)

	if len(out1) != len(out2) {
		t.Fatalf("non-deterministic output count")
	}
	for i := range out1 {
		if string(out1[i].Script) != string(out2[i].Script) {
			t.Fatalf("output order changed between identical snapshots")
		}
	}
}

// TestDiffScoresAcrossEviction moves one share through a full window:
// the deltas must show the newcomer's full score arriving and the
// evicted share's score leaving, and balance per VerifyScores.
func TestDiffScoresAcrossEviction(t *testing.T) {
	net := &chaincfg.RegTestParams
	prev := NewWindow(1000)
	next := NewWindow(1000)
	a1 := testAddr(t, net, 1)
	a2 := testAddr(t, net, 2)

	prev.Push(a1, 600)
	next.Push(a1, 600)
	next.Push(a2, 600) // evicts a1's entry entirely

	sc := DiffScores(prev, next)
	if len(sc.Deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(sc.Deltas))
	}
	byAddr := map[[20]byte]int64{}
	for _, d := range sc.Deltas {
		byAddr[d.Address.Bytes()] = d.Delta
	}
	if byAddr[a1.Bytes()] != -600 || byAddr[a2.Bytes()] != 600 {
		t.Fatalf("deltas = %v, want a1 -600, a2 +600", byAddr)
	}
	if sc.VerifyScores(600) {
		t.Fatalf("steady-state eviction deltas flagged as unbalanced")
	}
}

func TestVerifyScoresRejectsUnbalanced(t *testing.T) {
	net := &chaincfg.RegTestParams
	a1 := testAddr(t, net, 1)

	sc := ScoreChanges{Deltas: []ScoreDelta{{Address: a1, Delta: 100}}}
	if !sc.VerifyScores(200) {
		t.Fatalf("expected unbalanced (true) when positive deltas don't match new score")
	}
	if sc.VerifyScores(100) {
		t.Fatalf("expected balanced (false) when positive deltas match new score exactly")
	}
}
