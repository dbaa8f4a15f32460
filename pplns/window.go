// Package pplns implements the Pay-Per-Last-N-Shares sliding window
// and the score-change bookkeeping committed into every coinbase.
package pplns

import (
	"sort"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/chaincfg"
)

// entry is one FIFO slot: a score contributed by an address.
type entry struct {
	addr  address.Address
	score uint64
}

// Window is the fixed-capacity FIFO of recent share scores together
// with the coherent per-address totals. Window is not safe for
// concurrent use; the P2P protocol facade owns it behind a mutex.
type Window struct {
	fifo     []entry
	totals   map[[20]byte]uint64
	addrs    map[[20]byte]address.Address
	capacity uint64
	sum      uint64
}

// NewWindow constructs an empty window with the given capacity in
// share units.
func NewWindow(capacity uint64) *Window {
	return &Window{
		totals:   make(map[[20]byte]uint64),
		addrs:    make(map[[20]byte]address.Address),
		capacity: capacity,
	}
}

// DefaultCapacity is the window's share-unit capacity: PPLNSShareUnits,
// so the window's total score never exceeds the denominator
// SnapshotOutputs divides by and the payouts never exceed the reward.
func DefaultCapacity() uint64 {
	return chaincfg.PPLNSShareUnits
}

// Push appends a new (address, score) entry, then evicts from the
// front until the total is within capacity.
func (w *Window) Push(addr address.Address, score uint64) {
	w.fifo = append(w.fifo, entry{addr: addr, score: score})
	key := addr.Bytes()
	w.totals[key] += score
	w.addrs[key] = addr
	w.sum += score

	for w.sum > w.capacity && len(w.fifo) > 0 {
		front := w.fifo[0]
		w.fifo = w.fifo[1:]
		key := front.addr.Bytes()
		w.totals[key] -= front.score
		if w.totals[key] == 0 {
			delete(w.totals, key)
		}
		w.sum -= front.score
	}
}

// RestoreTotals seeds a freshly constructed window from a checkpoint's
// per-address totals, for a faster cold start than a full flat-file
// replay. The FIFO ordering behind those totals is not recoverable
// from a checkpoint, so eviction behavior reverts to exact accounting
// only once enough new shares have pushed the restored totals back out
// the front.
func (w *Window) RestoreTotals(totals map[[20]byte]uint64) {
	w.totals = make(map[[20]byte]uint64, len(totals))
	w.sum = 0
	for k, v := range totals {
		w.totals[k] = v
		w.sum += v
	}
}

// ScoreForAddress returns the current window total for one address's
// raw hash160 bytes (used by the admin surface's per-miner endpoint).
func (w *Window) ScoreForAddress(b [20]byte) (uint64, bool) {
	score, ok := w.totals[b]
	return score, ok
}

// Totals returns a defensive copy of the current per-address totals,
// suitable for checkpointing.
func (w *Window) Totals() map[[20]byte]uint64 {
	out := make(map[[20]byte]uint64, len(w.totals))
	for k, v := range w.totals {
		out[k] = v
	}
	return out
}

// Total returns the current sum of per-address scores, which the
// window invariant requires to stay <= capacity.
func (w *Window) Total() uint64 {
	return w.sum
}

// Len returns the number of FIFO entries currently held, for
// telemetry.
func (w *Window) Len() int {
	return len(w.fifo)
}

// Output is one payout line: a P2PKH script and its satoshi value.
type Output struct {
	Script []byte
	Value  uint64
}

// SnapshotOutputs renders the current window into a deterministic
// payout list for reward R: value = R * score / PPLNSShareUnits, floor
// division, sorted by address bytes. Any satoshis left over from
// rounding are the caller's to route to the donation address.
func (w *Window) SnapshotOutputs(reward uint64) (outputs []Output, donationResidual uint64) {
	type addrScore struct {
		addr  address.Address
		score uint64
	}
	seen := make(map[[20]byte]addrScore, len(w.totals))
	for _, e := range w.fifo {
		key := e.addr.Bytes()
		if _, ok := seen[key]; !ok {
			seen[key] = addrScore{addr: e.addr, score: w.totals[key]}
		}
	}

	ordered := make([]addrScore, 0, len(seen))
	for _, as := range seen {
		ordered = append(ordered, as)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ai, aj := ordered[i].addr.Bytes(), ordered[j].addr.Bytes()
		for k := range ai {
			if ai[k] != aj[k] {
				return ai[k] < aj[k]
			}
		}
		return false
	})

	var distributed uint64
	outputs = make([]Output, 0, len(ordered))
	for _, as := range ordered {
		value := reward * as.score / chaincfg.PPLNSShareUnits
		distributed += value
		outputs = append(outputs, Output{Script: as.addr.ToScript(), Value: value})
	}

	donationResidual = reward - distributed
	return outputs, donationResidual
}

// ScoreDelta is one signed per-address change in share units.
type ScoreDelta struct {
	Address address.Address
	Delta   int64
}

// ScoreChanges is the per-share delta list committed into a coinbase.
// The invariants it must satisfy are checked by VerifyScores, not by
// construction, since a maliciously-encoded share may carry an
// unbalanced set of deltas.
type ScoreChanges struct {
	Deltas []ScoreDelta
}

// DiffScores computes the deltas needed to move from prev to next:
// positive deltas for addresses whose total increased (the new share's
// score, wholly attributed to its address), negative deltas for
// addresses whose total decreased (shares evicted from the front).
func DiffScores(prev, next *Window) ScoreChanges {
	keys := make(map[[20]byte]address.Address)
	for _, e := range prev.fifo {
		keys[e.addr.Bytes()] = e.addr
	}
	for _, e := range next.fifo {
		keys[e.addr.Bytes()] = e.addr
	}

	var deltas []ScoreDelta
	for key, addr := range keys {
		before := int64(prev.totals[key])
		after := int64(next.totals[key])
		if d := after - before; d != 0 {
			deltas = append(deltas, ScoreDelta{Address: addr, Delta: d})
		}
	}
	return ScoreChanges{Deltas: deltas}
}

// DiffSince computes the ScoreChanges needed to move the window's
// per-address totals from a prior snapshot (as returned by an earlier
// call to Totals) to the window's current totals.
// Unlike DiffScores, which compares two live windows,
// this lets a caller that only kept a totals snapshot (the job poller,
// which must diff across broadcast cycles rather than across two
// in-memory Window values) compute the same commitment. Addresses that
// have since been fully evicted are still resolved via addrs, which is
// never pruned.
func (w *Window) DiffSince(prevTotals map[[20]byte]uint64) ScoreChanges {
	keys := make(map[[20]byte]struct{}, len(prevTotals)+len(w.totals))
	for k := range prevTotals {
		keys[k] = struct{}{}
	}
	for k := range w.totals {
		keys[k] = struct{}{}
	}

	var deltas []ScoreDelta
	for key := range keys {
		before := int64(prevTotals[key])
		after := int64(w.totals[key])
		d := after - before
		if d == 0 {
			continue
		}
		addr, ok := w.addrs[key]
		if !ok {
			continue
		}
		deltas = append(deltas, ScoreDelta{Address: addr, Delta: d})
	}
	return ScoreChanges{Deltas: deltas}
}

// VerifyScores reports whether the deltas are unbalanced relative to a
// new share of the given score: true iff the sum of positive deltas
// does not equal newScore, or the net sum is neither zero (steady
// state) nor newScore (window still filling). This is deliberately an
// error predicate: true means reject.
func (sc ScoreChanges) VerifyScores(newScore uint64) bool {
	var positive, negative int64
	for _, d := range sc.Deltas {
		if d.Delta > 0 {
			positive += d.Delta
		} else {
			negative += -d.Delta
		}
	}
	net := positive - negative
	if uint64(positive) != newScore {
		return true
	}
	if net != 0 && net != int64(newScore) {
		return true
	}
	return false
}
