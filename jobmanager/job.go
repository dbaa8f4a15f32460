// Package jobmanager implements template polling, the monotonic job
// table, and the merkle-step bookkeeping miners need to recompute a
// candidate's merkle root without resending every transaction.
package jobmanager

import (
	"fmt"
	"sync"

	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/sharechain"
	"github.com/sirupsen/logrus"
)

// Template is what a BlockFetcher hands back for a freshly polled
// block template: a mutable header, the transaction hashes the
// template commits to (excluding the coinbase), the raw non-coinbase
// transactions, the height, the block reward, and the fully serialized
// coinbase transaction (input script carrying the BIP34 height push,
// graffiti, extranonce slot, and encoded P2P payload).
type Template struct {
	Header     header.Mutable
	TxHashes   [][32]byte
	TxData     [][]byte
	Height     uint32
	Reward     uint64
	CoinbaseTx []byte
	Block      sharechain.Block
}

// Fetcher is the subset of the base-chain RPC client the job manager
// needs.
type Fetcher interface {
	FetchBlockTemplate(voutFn VoutBuilder, cbEncoded sharechain.CoinbaseEncodedP2P) (Template, error)
}

// Vout is an (output script, value) pair for the block-template request.
type Vout struct {
	Script []byte
	Value  uint64
}

// VoutBuilder renders the payout outputs for a freshly learned block
// reward. The reward is only known once getblocktemplate responds, so
// it cannot be computed before FetchBlockTemplate is called the way a
// precomputed []Vout would require. A nil VoutBuilder yields no
// outputs, for the placeholder first job.
type VoutBuilder func(reward uint64) []Vout

// Job is one outstanding unit of mining work.
type Job struct {
	ID          uint32
	Header      header.Mutable
	Block       sharechain.Block
	Target      bigint.Uint256
	Height      uint32
	Reward      uint64
	MerkleSteps [][32]byte
	CoinbaseTx  []byte
	TxData      [][]byte
}

// JobManager owns the monotonic job table. Access is serialized with
// a read-write lock: read-locked during submit, write-locked only
// inside GetNewJob.
type JobManager struct {
	mu       sync.RWMutex
	jobCount uint32
	jobs     map[uint32]*Job
	log      *logrus.Entry
}

// New constructs a JobManager by fetching an initial, output-less
// placeholder template and inserting it as job 0. A failure to fetch
// the first template is fatal.
func New(fetcher Fetcher, log *logrus.Entry) (*JobManager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tpl, err := fetcher.FetchBlockTemplate(nil, sharechain.CoinbaseEncodedP2P{})
	if err != nil {
		return nil, fmt.Errorf("jobmanager: failed to fetch initial template: %w", err)
	}

	job := buildJob(0, tpl)
	jm := &JobManager{
		jobCount: 1,
		jobs:     map[uint32]*Job{0: job},
		log:      log,
	}
	log.WithField("job_id", 0).Info("jobmanager: initial placeholder job installed")
	return jm, nil
}

// GetNewJob fetches a fresh template and, if its header differs from
// the latest job's, installs and returns a new Job. A nil Job with nil
// error means no new work.
func (jm *JobManager) GetNewJob(fetcher Fetcher, voutFn VoutBuilder, cbEncoded sharechain.CoinbaseEncodedP2P) (*Job, error) {
	tpl, err := fetcher.FetchBlockTemplate(voutFn, cbEncoded)
	if err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	last := jm.jobs[jm.jobCount-1]
	if last != nil && tpl.Header.Equal(last.Header) {
		return nil, nil
	}

	id := jm.jobCount
	job := buildJob(id, tpl)
	jm.jobCount++
	jm.jobs[id] = job

	jm.log.WithFields(logrus.Fields{"job_id": id, "height": tpl.Height}).Info("jobmanager: new job installed")
	return job, nil
}

func buildJob(id uint32, tpl Template) *Job {
	return &Job{
		ID:          id,
		Header:      tpl.Header,
		Block:       tpl.Block,
		Target:      tpl.Header.Target(),
		Height:      tpl.Height,
		Reward:      tpl.Reward,
		MerkleSteps: MerkleSteps(append([][32]byte{{}}, tpl.TxHashes...)),
		CoinbaseTx:  tpl.CoinbaseTx,
		TxData:      tpl.TxData,
	}
}

// Get returns the job with the given id, if it is still in the table.
func (jm *JobManager) Get(id uint32) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	return job, ok
}

// LastJobID returns the most recently inserted job's id.
func (jm *JobManager) LastJobID() uint32 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobCount - 1
}

// Last returns the most recently inserted job.
func (jm *JobManager) Last() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[jm.jobCount-1]
}

// MerkleSteps computes the merkle-tree step hashes for a block's
// transaction list. txHashes[0] stands in the coinbase position: its
// value never appears in the steps, so callers pass a placeholder there
// (buildJob passes zero) and the real coinbase txid is folded in later
// by BuildRootFromSteps. At each level: if the running list has odd length,
// duplicate the last entry; record index 1 as a step; collapse pairs
// (2i, 2i+1) via double-SHA256 into index i; repeat until one remains.
func MerkleSteps(txHashes [][32]byte) [][32]byte {
	if len(txHashes) == 0 {
		return nil
	}

	level := make([][32]byte, len(txHashes))
	copy(level, txHashes)

	var steps [][32]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		steps = append(steps, level[1])

		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return steps
}

// BuildRootFromSteps injects the coinbase txid at the base of the tree
// and folds the recorded steps to recompute the merkle root at submit
// time.
func BuildRootFromSteps(cbTxid [32]byte, steps [][32]byte) [32]byte {
	root := cbTxid
	for _, step := range steps {
		root = hashPair(root, step)
	}
	return root
}

func hashPair(a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return header.DoubleSHA256(buf)
}
