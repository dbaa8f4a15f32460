// Package chaincfg holds the pool-wide consensus constants every node
// on the share-chain must agree on bit-for-bit, plus the network
// parameter sets consumed by the address package. The active network
// is selected at startup through ParseNetwork.
package chaincfg

// PPLNSShareUnits (SUI) is the fixed-point unit scores and per-miner
// difficulties are expressed in: one full share equals this many units.
const PPLNSShareUnits uint64 = 1_000_000

// PPLNSDiffMultiplier is the pool-wide PPLNS difficulty multiplier.
// The PPLNS window's default capacity (pplns.DefaultCapacity) is
// PPLNSShareUnits alone and does not depend on it.
const PPLNSDiffMultiplier uint64 = 5

// MaxRetargetFactor bounds how far a single retarget step may move the
// share-chain target in either direction.
const MaxRetargetFactor uint64 = 2

// CurrentVersion and OldestCompatibleVersion are the share-chain wire
// protocol versions this node speaks and still accepts from peers.
const (
	CurrentVersion          uint32 = 1
	OldestCompatibleVersion uint32 = 1
)

// GenerationGraffiti is embedded in every coinbase this pool builds,
// exactly 32 bytes.
var GenerationGraffiti = [32]byte{}

func init() {
	copy(GenerationGraffiti[:], "Mined the right way on P3Pool ||")
}

// AtomicUnits is the number of decimal places a payout amount is
// expressed in (8, matching satoshis).
const AtomicUnits = 8

// MinScriptSize is the number of fixed bytes preceding the 8-byte
// extranonce slot in a coinbase input script: a BIP34-style height push
// (at most 6 bytes for any uint32 height) followed by the 32-byte
// GenerationGraffiti, zero-padded up to this boundary. The
// CoinbaseEncodedP2P payload begins after the extranonce slot.
const MinScriptSize = 38

// Coinb1Size is where the "coinb1" half of a mining.notify ends,
// measured from the start of the coinbase input script inside the
// serialized transaction: right before the extranonce1||extranonce2
// slot. It is the same boundary as MinScriptSize; everything up to the
// slot is fixed and known to the miner in advance.
const Coinb1Size = MinScriptSize
