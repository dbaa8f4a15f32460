// Package p2pfacade implements the thin P2P protocol facade: it wires
// the PPLNS window, the share-chain block manager, and the target
// manager behind a single handle, and exposes the valid-share /
// new-block hooks a gossip-agnostic handler implements.
//
// Ownership is rooted here: the facade owns the PPLNS window, the
// block manager, the target manager, and the handler. The Stratum
// protocol holds a shared handle to the facade, not the reverse, so
// there is no true ownership cycle.
package p2pfacade

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/metrics"
	"github.com/obsidian-pool/poolcore/pplns"
	"github.com/obsidian-pool/poolcore/sharechain"
	"github.com/obsidian-pool/poolcore/store"
	"github.com/obsidian-pool/poolcore/targetmgr"
	"github.com/sirupsen/logrus"
)

// Handler receives notifications of pool-relevant events, bridging
// accepted shares and new templates into whatever collects
// payout/accounting state outside the pool core.
type Handler interface {
	OnValidShare(addr address.Address, block sharechain.Block, diff bigint.Uint256)
	OnNewBlock(height uint32, block sharechain.Block)
}

// ProtocolP2P is the root owner of the share-chain accounting state;
// the PPLNS window is only ever touched under its mutex.
type ProtocolP2P struct {
	mu                sync.Mutex
	window            *pplns.Window
	blocks            *sharechain.BlockManager
	targets           *targetmgr.TargetManager
	handler           Handler
	log               *logrus.Entry
	metrics           *metrics.Collector
	checkpoints       *store.CheckpointStore
	lastEncodedTotals map[[20]byte]uint64
}

// New constructs the facade over an already-initialized block manager
// and target manager. collector and checkpoints are both optional
// (nil-safe): a nil collector disables telemetry, a nil checkpoint
// store disables warm-start snapshotting.
func New(blocks *sharechain.BlockManager, targets *targetmgr.TargetManager, window *pplns.Window, handler Handler, collector *metrics.Collector, checkpoints *store.CheckpointStore, log *logrus.Entry) *ProtocolP2P {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ProtocolP2P{
		window:      window,
		blocks:      blocks,
		targets:     targets,
		handler:     handler,
		metrics:     collector,
		checkpoints: checkpoints,
		log:         log,
	}
}

// Target returns the share-chain's current pool target.
func (p *ProtocolP2P) Target() bigint.Uint256 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets.Target()
}

// Window returns a snapshot-safe handle to the PPLNS window for read
// access by coinbase builders. Callers must not retain it past the
// call that produced it without re-acquiring the facade's lock.
func (p *ProtocolP2P) WithWindow(fn func(*pplns.Window)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.window)
}

// ProcessShare validates a candidate against the share-chain and, on
// acceptance, extends the tip, persists it, pushes its score into the
// PPLNS window, and retargets.
func (p *ProtocolP2P) ProcessShare(block sharechain.Block, minerAddr address.Address) (sharechain.ProcessedShare, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.targets.Target()
	processed, err := p.blocks.ProcessShare(block, target)
	if err != nil {
		if sve, ok := err.(*sharechain.ShareVerificationError); ok {
			p.metrics.ShareRejected(sve.Kind)
		}
		return sharechain.ProcessedShare{}, err
	}

	height := p.blocks.Height() + 1
	if err := p.blocks.InstallTip(height, processed.Inner); err != nil {
		return sharechain.ProcessedShare{}, fmt.Errorf("p2pfacade: %w", err)
	}

	p.window.Push(minerAddr, processed.Score)
	p.targets.Adjust(height, block.Header())

	p.metrics.ShareAccepted("valid")
	p.metrics.SetHeight(height)
	diff, _ := new(big.Float).SetInt(bigint.Difficulty(p.targets.Target()).Big()).Float64()
	p.metrics.SetDifficulty(diff)
	p.metrics.SetWindowStats(p.window.Len(), p.window.Total())
	p.saveCheckpoint(height)

	p.log.WithFields(logrus.Fields{
		"height": height,
		"score":  processed.Score,
	}).Info("p2pfacade: installed new share-chain tip")

	return processed, nil
}

// saveCheckpoint persists the post-install state. Best-effort: a
// failure is logged and never aborts the share decision that already
// committed the new tip; the flat-file share log stays authoritative.
func (p *ProtocolP2P) saveCheckpoint(height uint32) {
	if p.checkpoints == nil {
		return
	}
	adj := p.targets.LastAdjustment()
	cp := store.Checkpoint{
		Height:           height,
		PoolTarget:       adj.Target.Bytes32(),
		AdjustmentTime:   adj.Time,
		AdjustmentHeight: adj.Height,
		WindowTotals:     p.window.Totals(),
	}
	if err := p.checkpoints.Save(cp); err != nil {
		p.log.WithError(err).Warn("p2pfacade: failed to save checkpoint")
	}
}

// PeekCoinbaseEncoding computes the payload the job poller embeds in
// the next job's coinbase: the current share-chain tip's hash, and the
// score deltas the PPLNS window has accumulated since the last job was
// actually broadcast.
//
// Peek does not advance the snapshot: a template fetch that turns out
// to be a no-op (header unchanged) must not consume the deltas its
// encoding would have committed. The caller commits the returned
// totals via CommitCoinbaseTotals only once the job is really
// installed and broadcast.
func (p *ProtocolP2P) PeekCoinbaseEncoding() (sharechain.CoinbaseEncodedP2P, map[[20]byte]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tipHash bigint.Uint256
	if tip := p.blocks.P2PTip(); tip.Block != nil {
		tipHash = tip.Block.Header().Hash()
	}

	changes := p.window.DiffSince(p.lastEncodedTotals)
	totals := p.window.Totals()

	return sharechain.CoinbaseEncodedP2P{PrevHash: tipHash, ScoreChanges: changes}, totals
}

// CommitCoinbaseTotals records the window-totals snapshot a broadcast
// job's coinbase was built against, so the next PeekCoinbaseEncoding
// diffs from it.
func (p *ProtocolP2P) CommitCoinbaseTotals(totals map[[20]byte]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastEncodedTotals = totals
}

// Stats is one consistent read of the facade-owned accounting state
// for the admin surface: share-chain height, pool difficulty, and the
// PPLNS window's size and total score.
func (p *ProtocolP2P) Stats() (height uint32, difficulty float64, windowLen int, windowTotal uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	diff, _ := new(big.Float).SetInt(bigint.Difficulty(p.targets.Target()).Big()).Float64()
	return p.blocks.Height(), diff, p.window.Len(), p.window.Total()
}

// NotifyValidShare forwards an accepted share to the handler outside
// the facade's lock, since handlers may do unrelated I/O.
func (p *ProtocolP2P) NotifyValidShare(addr address.Address, block sharechain.Block, diff bigint.Uint256) {
	if p.handler != nil {
		p.handler.OnValidShare(addr, block, diff)
	}
}

// NotifyNewBlock mirrors a new base-chain template into the block
// manager and forwards it to the handler. This is the only writer of
// the base-tip mirror every subsequent ProcessShare checks its mainnet
// linkage against.
func (p *ProtocolP2P) NotifyNewBlock(height uint32, block sharechain.Block) {
	if block != nil {
		p.blocks.NewBlock(height, block.PrevMain())
	}
	if p.handler != nil {
		p.handler.OnNewBlock(height, block)
	}
}
