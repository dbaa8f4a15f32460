// Package sharechain implements the share-chain: tip and height
// ownership, flat-file persistence of accepted shares, and the
// validator that decides whether a candidate extends the chain.
package sharechain

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/pplns"
)

// ShareVerificationError enumerates the reject reasons ProcessShare
// can return. All of them reject the share without disconnecting the
// submitter.
type ShareVerificationError struct {
	Kind string
}

func (e *ShareVerificationError) Error() string { return "sharechain: " + e.Kind }

var (
	ErrBadEncoding = &ShareVerificationError{"BadEncoding"}
	ErrBadLinkMain = &ShareVerificationError{"BadLinkMain"}
	ErrBadLinkP2P  = &ShareVerificationError{"BadLinkP2P"}
	ErrBadTarget   = &ShareVerificationError{"BadTarget"}
	ErrBadRewards  = &ShareVerificationError{"BadRewards"}
)

// CoinbaseEncodedP2P is the opaque byte structure embedded in a
// share's coinbase input script, after the fixed MinScriptSize prefix
// and the 8-byte extranonce slot. It carries the previous share-block
// hash and the score-change commitments needed to reconstruct and
// verify the PPLNS delta list.
type CoinbaseEncodedP2P struct {
	PrevHash     bigint.Uint256
	ScoreChanges pplns.ScoreChanges
}

// ShareP2P is one share-chain entry.
type ShareP2P struct {
	Block       Block
	Encoded     CoinbaseEncodedP2P
	ScoreChanges pplns.ScoreChanges
}

// Genesis returns the distinguished value that seeds an empty
// share-chain.
func Genesis() ShareP2P {
	return ShareP2P{
		Encoded: CoinbaseEncodedP2P{PrevHash: bigint.Zero},
	}
}

// Block is the capability set a concrete candidate block must expose
// to participate in share-chain validation: a header, and the means to
// parse itself into a ShareP2P entry.
type Block interface {
	Header() header.BlockHeader
	// IntoP2P attempts to parse this block's coinbase into share-chain
	// bookkeeping given the current tip and height. A zero ShareP2P
	// with ok=false means the coinbase is malformed (BadEncoding).
	IntoP2P(tip ShareP2P, height uint32) (ShareP2P, bool)
	// PrevMain is the base-chain previous-block-hash this candidate
	// commits to.
	PrevMain() bigint.Uint256
}

// ProcessedShare is the validation output: the parsed share, its hash,
// and the score it earns in the PPLNS window.
type ProcessedShare struct {
	Inner ShareP2P
	Hash  bigint.Uint256
	Score uint64
}

// BlockManager owns the share-chain tip, its atomically-read height,
// and the on-disk share log. ProcessShare does not lock the share-chain
// tip (it only takes the base-tip mirror's mutex to read MainTipPrev),
// since only the single P2P-facade writer calls it.
type BlockManager struct {
	blocksDir     string
	p2pTip        ShareP2P
	mainTipMu     sync.Mutex
	mainTipPrev   bigint.Uint256
	mainHeight    atomic.Uint32
	currentHeight atomic.Uint32
}

// NewBlockManager ensures the shares directory exists and installs the
// genesis share as tip. If the directory already contains a contiguous
// run of share files from a prior run, the height is advanced to
// resume after the last one on disk; the caller then restores the tip
// via LoadShares/RestoreTip.
func NewBlockManager(dataDir string) (*BlockManager, error) {
	blocksDir := filepath.Join(dataDir, "shares")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, fmt.Errorf("sharechain: failed to create blocks dir: %w", err)
	}
	bm := &BlockManager{
		blocksDir: blocksDir,
		p2pTip:    Genesis(),
	}
	bm.currentHeight.Store(bm.detectExistingHeight())
	return bm, nil
}

// detectExistingHeight probes blocksDir for a contiguous run of
// {0,1,...}.dat files left by a prior run, returning the count found.
func (bm *BlockManager) detectExistingHeight() uint32 {
	var height uint32
	for {
		if _, err := os.Stat(bm.sharePath(height)); err != nil {
			break
		}
		height++
	}
	return height
}

// RestoreTip sets the in-memory tip without touching the height or
// persisting anything, used once at startup after LoadShares has
// replayed the flat-file log.
func (bm *BlockManager) RestoreTip(tip ShareP2P) {
	bm.p2pTip = tip
}

// Height returns the current share-chain height (relaxed atomic read;
// readers tolerate a stale value).
func (bm *BlockManager) Height() uint32 {
	return bm.currentHeight.Load()
}

// P2PTip returns the current share-chain tip.
func (bm *BlockManager) P2PTip() ShareP2P {
	return bm.p2pTip
}

// MainTipPrev returns the mirrored base-chain tip's prev-hash field,
// the value new candidates must commit to.
func (bm *BlockManager) MainTipPrev() bigint.Uint256 {
	bm.mainTipMu.Lock()
	defer bm.mainTipMu.Unlock()
	return bm.mainTipPrev
}

// NewBlock updates the mirrored base-tip and its height. The
// base-chain height is tracked separately from the share-chain height:
// currentHeight indexes the flat-file share log and must never jump to
// base-chain values.
func (bm *BlockManager) NewBlock(height uint32, prevHash bigint.Uint256) {
	bm.mainHeight.Store(height)
	bm.mainTipMu.Lock()
	bm.mainTipPrev = prevHash
	bm.mainTipMu.Unlock()
}

// MainHeight returns the height of the base-chain template this node
// last mirrored. Advisory only: linkage is checked by hash equality,
// never by height.
func (bm *BlockManager) MainHeight() uint32 {
	return bm.mainHeight.Load()
}

// ProcessShare is the canonical share validator: parse the coinbase
// bookkeeping, check both chain linkages, check proof-of-work, score
// the share, and check its declared reward deltas.
func (bm *BlockManager) ProcessShare(block Block, poolTarget bigint.Uint256) (ProcessedShare, error) {
	tip := bm.p2pTip
	height := bm.Height()

	// 1. Parse P2P fields.
	share, ok := block.IntoP2P(tip, height)
	if !ok {
		return ProcessedShare{}, ErrBadEncoding
	}

	// 2. Mainnet linkage: the share commits to the current base-chain tip.
	if block.PrevMain().Cmp(bm.MainTipPrev()) != 0 {
		return ProcessedShare{}, ErrBadLinkMain
	}

	// 3. Share-chain linkage. The genesis tip carries no block, so the
	// first real share must commit PrevHash == zero to match it.
	var tipHash bigint.Uint256
	if tip.Block != nil {
		tipHash = tip.Block.Header().Hash()
	}
	if share.Encoded.PrevHash.Cmp(tipHash) != 0 {
		return ProcessedShare{}, ErrBadLinkP2P
	}

	// 4. Proof-of-work.
	hash := share.Block.Header().Hash()
	if hash.Cmp(poolTarget) > 0 {
		return ProcessedShare{}, ErrBadTarget
	}

	// 5. Score computation: difficulty(hash) * PPLNS_SHARE_UNITS / difficulty(pool_target).
	score := bigint.Difficulty(hash).
		MulUint64(chaincfg.PPLNSShareUnits).
		Div(bigint.Difficulty(poolTarget)).
		Big().Uint64()

	// 6. Reward balance.
	if share.ScoreChanges.VerifyScores(score) {
		return ProcessedShare{}, ErrBadRewards
	}

	return ProcessedShare{Inner: share, Hash: hash, Score: score}, nil
}

// InstallTip replaces the share-chain tip after a successful
// ProcessShare and install decision, and persists it to disk. A
// failing write aborts the node: corrupt state is never silently
// tolerated. height is the share-chain height *after* this install
// (the caller's ProcessShare height + 1), so the share itself lands at
// file height-1, the same 0-indexed slot detectExistingHeight and
// LoadShares count over, while Height() reports the new total.
func (bm *BlockManager) InstallTip(height uint32, share ShareP2P) error {
	if err := bm.saveShare(height-1, share); err != nil {
		return fmt.Errorf("sharechain: failed to persist share at height %d (fatal): %w", height-1, err)
	}
	bm.p2pTip = share
	bm.currentHeight.Store(height)
	return nil
}

func (bm *BlockManager) saveShare(height uint32, share ShareP2P) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(share); err != nil {
		return err
	}
	path := bm.sharePath(height)
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (bm *BlockManager) loadShare(height uint32) (ShareP2P, error) {
	data, err := os.ReadFile(bm.sharePath(height))
	if err != nil {
		return ShareP2P{}, err
	}
	var share ShareP2P
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&share); err != nil {
		return ShareP2P{}, fmt.Errorf("sharechain: failed to deserialize share at height %d: %w", height, err)
	}
	return share, nil
}

// LoadShares replays the shares directory from 0..height.
func (bm *BlockManager) LoadShares() ([]ShareP2P, error) {
	height := bm.Height()
	shares := make([]ShareP2P, 0, height)
	for i := uint32(0); i < height; i++ {
		share, err := bm.loadShare(i)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	return shares, nil
}

func (bm *BlockManager) sharePath(height uint32) string {
	return filepath.Join(bm.blocksDir, fmt.Sprintf("%d.dat", height))
}

// IsShareError reports whether err is one of the five
// ShareVerificationError reject reasons, versus an unexpected I/O or
// programmer error.
func IsShareError(err error) bool {
	var sve *ShareVerificationError
	return errors.As(err, &sve)
}
