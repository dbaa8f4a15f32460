// Package targetmgr implements share-chain difficulty retargeting.
//
// Retargeting divides by expected_ms before multiplying by passed_ms,
// which can floor the target to zero at low difficulties; a zero
// quotient is treated as a failed retarget and the current target is
// kept. TODO: reorder to multiply-then-divide once every node on the
// share-chain can upgrade in lockstep — the two orderings round
// differently, so a unilateral change would fork the retarget
// schedule.
package targetmgr

import (
	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/sirupsen/logrus"
)

// Adjustment is the snapshot of the last retarget.
type Adjustment struct {
	Time   uint32
	Height uint32
	Target bigint.Uint256
}

// TargetManager owns the share-chain's current difficulty target. It
// is mutated only by the single writer that owns the share-chain tip;
// Adjust is not safe for concurrent use.
type TargetManager struct {
	lastAdjustment Adjustment
	targetTimeMs   uint64
	diffAdjustBlocks uint32
	log            *logrus.Entry
}

// New starts a TargetManager at the given genesis target and time.
// The target must not exceed bigint.MaxTarget.
func New(genesisTarget bigint.Uint256, genesisTime uint32, targetTimeMs uint64, diffAdjustBlocks uint32, log *logrus.Entry) *TargetManager {
	if genesisTarget.Cmp(bigint.MaxTarget) > 0 {
		panic("targetmgr: genesis target exceeds MaxTarget")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TargetManager{
		lastAdjustment: Adjustment{
			Time:   genesisTime,
			Height: 0,
			Target: genesisTarget,
		},
		targetTimeMs:     targetTimeMs,
		diffAdjustBlocks: diffAdjustBlocks,
		log:              log,
	}
}

// Restore reconstructs a TargetManager from a checkpointed adjustment
// snapshot, so a restarted node resumes retargeting from where it left
// off instead of re-deriving difficulty from scratch.
func Restore(adj Adjustment, targetTimeMs uint64, diffAdjustBlocks uint32, log *logrus.Entry) *TargetManager {
	if adj.Target.IsZero() || adj.Target.Cmp(bigint.MaxTarget) > 0 {
		adj.Target = bigint.MaxTarget
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TargetManager{
		lastAdjustment:   adj,
		targetTimeMs:     targetTimeMs,
		diffAdjustBlocks: diffAdjustBlocks,
		log:              log,
	}
}

// Target returns the currently active share-chain target.
func (t *TargetManager) Target() bigint.Uint256 {
	return t.lastAdjustment.Target
}

// LastAdjustment returns the most recent retarget snapshot.
func (t *TargetManager) LastAdjustment() Adjustment {
	return t.lastAdjustment
}

// Adjust retargets toward targetTimeMs per diffAdjustBlocks:
//  1. No-op until diffAdjustBlocks have elapsed since the last adjustment.
//  2. passed_secs = max(1, current_time - last_time).
//  3. expected_ms = targetTimeMs * diffAdjustBlocks.
//  4. Clamp passed_ms into [expected_ms/2, expected_ms*2].
//  5. new_target = current_target / expected_ms * passed_ms, falling
//     back to current_target on a zero or failed step.
//  6. Clamp new_target <= MaxTarget.
//  7. Record the new Adjustment snapshot.
func (t *TargetManager) Adjust(currentHeight uint32, block header.BlockHeader) {
	if currentHeight-t.lastAdjustment.Height < t.diffAdjustBlocks {
		return
	}

	currentTime := block.Time()
	currentTarget := t.lastAdjustment.Target

	passedSecs := int64(currentTime) - int64(t.lastAdjustment.Time)
	if passedSecs < 1 {
		passedSecs = 1
	}
	passedMs := uint64(passedSecs) * 1000

	expectedMs := t.targetTimeMs * uint64(t.diffAdjustBlocks)

	if expectedMs == 0 {
		t.log.Warn("targetmgr: expected_ms is zero, skipping retarget")
		return
	}

	lo := expectedMs / chaincfg.MaxRetargetFactor
	hi := expectedMs * chaincfg.MaxRetargetFactor
	if passedMs < lo {
		passedMs = lo
	}
	if passedMs > hi {
		passedMs = hi
	}

	t.log.WithFields(logrus.Fields{
		"passed_ms":   passedMs,
		"expected_ms": expectedMs,
	}).Debug("targetmgr: retargeting")

	// Divide before multiply, deliberately: a low-difficulty target
	// divided by a large expected_ms floors to zero, and a zero
	// quotient means the retarget failed, not that the new target is
	// zero. Keep the current target either way.
	newTarget := currentTarget.DivUint64(expectedMs)
	if newTarget.IsZero() {
		t.log.Warn("targetmgr: retarget failed (quotient underflowed to zero), keeping current target")
		newTarget = currentTarget
	} else {
		newTarget = newTarget.MulUint64(passedMs)
	}

	if newTarget.Cmp(bigint.MaxTarget) > 0 {
		newTarget = bigint.MaxTarget
	}

	t.log.WithFields(logrus.Fields{
		"new_target": newTarget.String(),
		"time":       currentTime,
		"height":     currentHeight,
	}).Info("targetmgr: retarget complete")

	t.lastAdjustment = Adjustment{
		Time:   currentTime,
		Height: currentHeight,
		Target: newTarget,
	}
}
