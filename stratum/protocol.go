package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/fetcher"
	"github.com/obsidian-pool/poolcore/header"
	"github.com/obsidian-pool/poolcore/jobmanager"
	"github.com/obsidian-pool/poolcore/metrics"
	"github.com/obsidian-pool/poolcore/p2pfacade"
	"github.com/obsidian-pool/poolcore/rpcjson"
	"github.com/obsidian-pool/poolcore/sharechain"
	"github.com/sirupsen/logrus"
)

// Standard Stratum V1 error codes.
const (
	ErrUnknown            = 20
	ErrJobNotFound        = 21
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrUnauthorizedWorker = 24
)

// Config is the Stratum-specific slice of the server configuration.
type Config struct {
	Network          *chaincfg.NetworkParams
	DefaultDiffUnits uint64
}

// V1 is the Stratum V1 protocol instance shared by all sessions.
type V1 struct {
	jobs       *jobmanager.JobManager
	clientSeq  atomic.Uint32
	config     Config
	p2p        *p2pfacade.ProtocolP2P
	fetcher    *fetcher.Client
	metrics    *metrics.Collector
	log        *logrus.Entry

	subMu       sync.Mutex
	subscribers map[int]*Client
	subSeq      int
}

// New constructs V1 over an already-seeded job table. collector is
// optional (nil-safe): a nil collector disables share-classification
// telemetry.
func New(cfg Config, jobs *jobmanager.JobManager, p2p *p2pfacade.ProtocolP2P, fc *fetcher.Client, collector *metrics.Collector, log *logrus.Entry) *V1 {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	v := &V1{
		config:      cfg,
		jobs:        jobs,
		p2p:         p2p,
		fetcher:     fc,
		metrics:     collector,
		log:         log,
		subscribers: make(map[int]*Client),
	}
	v.clientSeq.Store(1)
	return v
}

// CreateClient implements rpcjson.Protocol.
func (v *V1) CreateClient(addr net.Addr, notifier *rpcjson.Notifier) interface{} {
	id := v.clientSeq.Add(1)
	return newClient(notifier, id)
}

// DeleteClient implements rpcjson.Protocol; on disconnect the
// client's subscription slot is released.
func (v *V1) DeleteClient(ctx interface{}) {
	c := ctx.(*Client)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasSubscription {
		v.subMu.Lock()
		delete(v.subscribers, c.subscriptionKey)
		v.subMu.Unlock()
	}
}

// HandleRequest implements rpcjson.Protocol, dispatching the three
// recognized methods; everything else is an error.
func (v *V1) HandleRequest(req rpcjson.Request, ctx interface{}) (interface{}, interface{}) {
	c := ctx.(*Client)
	switch req.Method {
	case "mining.subscribe":
		return v.handleSubscribe(c)
	case "mining.authorize":
		return v.handleAuthorize(req, c)
	case "mining.submit":
		return v.handleSubmit(req, c)
	default:
		return nil, rpcjson.ErrorTuple(ErrUnknown, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (v *V1) handleSubscribe(c *Client) (interface{}, interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v.subMu.Lock()
	key := v.subSeq
	v.subSeq++
	v.subscribers[key] = c
	v.subMu.Unlock()

	c.subscriptionKey = key
	c.hasSubscription = true

	extranonce1 := make([]byte, 4)
	binary.BigEndian.PutUint32(extranonce1, c.extraNonce)

	return []interface{}{
		[][]interface{}{
			{"mining.set_difficulty", nil},
			{"mining.notify", nil},
		},
		hex.EncodeToString(extranonce1),
		4,
	}, nil
}

func (v *V1) handleAuthorize(req rpcjson.Request, c *Client) (interface{}, interface{}) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return nil, rpcjson.ErrorTuple(ErrUnknown, "invalid mining.authorize params")
	}
	username := params[0]

	addr, err := address.Parse(v.config.Network, username)
	if err != nil {
		return nil, rpcjson.ErrorTuple(ErrUnknown, "Invalid address provided")
	}

	c.mu.Lock()
	c.authorizedWorkers[username] = addr
	c.target = targetFromDiffUnits(v.config.DefaultDiffUnits)
	c.mu.Unlock()

	diff := v.config.DefaultDiffUnits
	humanDiff := float64(diff) / float64(chaincfg.PPLNSShareUnits)

	if err := c.notifier.Notify("mining.set_difficulty", []interface{}{humanDiff}); err != nil {
		v.log.WithError(err).Warn("stratum: failed to push set_difficulty")
	}
	if notify, ok := v.notifyParamsForLastJob(); ok {
		if err := c.notifier.Notify("mining.notify", notify); err != nil {
			v.log.WithError(err).Warn("stratum: failed to push notify")
		}
	}

	return true, nil
}

// targetFromDiffUnits converts a per-miner difficulty in share units
// into a target: MaxTarget * PPLNSShareUnits / d, so d = 5e6 yields
// MaxTarget/5.
func targetFromDiffUnits(d uint64) bigint.Uint256 {
	return bigint.MaxTarget.MulUint64(chaincfg.PPLNSShareUnits).DivUint64(d)
}

type submitParams struct {
	WorkerName  string
	JobID       uint32
	ExtraNonce2 uint32
	NTime       uint32
	Nonce       uint32
}

func parseSubmitParams(raw json.RawMessage) (submitParams, error) {
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 5 {
		return submitParams{}, fmt.Errorf("stratum: invalid mining.submit params")
	}
	jobID, err := parseHexUint32(fields[1])
	if err != nil {
		return submitParams{}, err
	}
	extranonce2, err := parseHexUint32(fields[2])
	if err != nil {
		return submitParams{}, err
	}
	ntime, err := parseHexUint32(fields[3])
	if err != nil {
		return submitParams{}, err
	}
	nonce, err := parseHexUint32(fields[4])
	if err != nil {
		return submitParams{}, err
	}
	return submitParams{WorkerName: fields[0], JobID: jobID, ExtraNonce2: extranonce2, NTime: ntime, Nonce: nonce}, nil
}

func parseHexUint32(s string) (uint32, error) {
	if len(s)%2 == 1 {
		// Miners echo job ids verbatim, including minimal odd-length hex.
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	var padded [4]byte
	copy(padded[4-len(b):], b)
	return binary.BigEndian.Uint32(padded[:]), nil
}

// ShareOutcome classifies one submission: Valid, Block, Stale,
// Invalid, or Duplicate.
type ShareOutcome int

const (
	OutcomeStale ShareOutcome = iota
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeValid
	OutcomeBlock
)

func (v *V1) handleSubmit(req rpcjson.Request, c *Client) (interface{}, interface{}) {
	params, err := parseSubmitParams(req.Params)
	if err != nil {
		return nil, rpcjson.ErrorTuple(ErrUnknown, err.Error())
	}

	job, ok := v.jobs.Get(params.JobID)
	if !ok {
		return nil, rpcjson.ErrorTuple(ErrJobNotFound, "stale job")
	}

	c.mu.Lock()
	minerAddr, authorized := c.authorizedWorkers[params.WorkerName]
	c.mu.Unlock()
	if !authorized {
		return nil, rpcjson.ErrorTuple(ErrUnauthorizedWorker, "unauthorized worker")
	}

	outcome, hash, candidate := v.processShare(job, params, c)

	switch outcome {
	case OutcomeBlock:
		v.metrics.ShareAccepted("block")
		v.metrics.BlockFound()
		if v.fetcher != nil {
			block := sharechain.SerializeBlock(candidate.Hdr, candidate.Coinbase, candidate.TxData)
			if err := v.fetcher.SubmitBlock(hex.EncodeToString(block)); err != nil {
				v.log.WithError(err).Error("stratum: failed to submit block")
			}
		}
		v.forwardToShareChain(minerAddr, candidate, hash)
		return true, nil
	case OutcomeValid:
		v.metrics.ShareAccepted("valid")
		v.forwardToShareChain(minerAddr, candidate, hash)
		return true, nil
	case OutcomeStale:
		v.metrics.ShareRejected("stale")
		return nil, rpcjson.ErrorTuple(ErrJobNotFound, "stale job")
	case OutcomeInvalid:
		v.metrics.ShareRejected("low_difficulty")
		return nil, rpcjson.ErrorTuple(ErrLowDifficultyShare, "low difficulty share")
	case OutcomeDuplicate:
		v.metrics.ShareRejected("duplicate")
		return nil, rpcjson.ErrorTuple(ErrDuplicateShare, "duplicate share")
	default:
		return nil, rpcjson.ErrorTuple(ErrUnknown, "unexpected outcome")
	}
}

// processShare mutates a per-submission copy of the job's header and
// classifies the result against the job and client targets.
func (v *V1) processShare(job *jobmanager.Job, params submitParams, c *Client) (ShareOutcome, bigint.Uint256, *sharechain.CandidateBlock) {
	hdr, ok := job.Header.(*header.BitcoinHeader)
	if !ok {
		return OutcomeStale, bigint.Zero, nil
	}
	hdrCopy := hdr.Clone()

	coinbase := make([]byte, len(job.CoinbaseTx))
	copy(coinbase, job.CoinbaseTx)
	sharechain.SpliceExtranonce(coinbase, c.ExtraNonce1(), params.ExtraNonce2)

	// coinbase is the full serialized coinbase transaction — the same
	// coinb1 || extranonce || coinb2 sequence the miner reassembled —
	// so its raw double-SHA256 digest is the true coinbase txid, in the
	// internal byte order the merkle steps are stored in.
	cbTxid := header.DoubleSHA256(coinbase)
	merkleRoot := jobmanager.BuildRootFromSteps(cbTxid, job.MerkleSteps)
	hdrCopy.SetMerkleRoot(merkleRoot)
	hdrCopy.UpdateFields(header.SubmitParams{Nonce: params.Nonce, Time: params.NTime})

	hash := hdrCopy.Hash()
	low := lowUint64(hash)

	c.mu.Lock()
	_, dup := c.submittedShares[low]
	if !dup {
		c.submittedShares[low] = struct{}{}
	}
	target := c.target
	c.mu.Unlock()

	if dup {
		return OutcomeDuplicate, hash, nil
	}

	candidate := sharechain.NewCandidateBlock(hdrCopy, coinbase, job.TxData)

	// Strict inequality: a tie with either target is rejected.
	if hash.LessThan(job.Target) {
		return OutcomeBlock, hash, candidate
	} else if hash.LessThan(target) {
		return OutcomeValid, hash, candidate
	}
	return OutcomeInvalid, hash, candidate
}

// forwardToShareChain hands a Block/Valid submission to the P2P
// facade, which validates it against the share-chain and, on success,
// extends the tip. Installation failure (a race lost to a peer's
// share, or the miner's target being looser than the share-chain's own
// pool target) is logged at warn and does not change the Stratum
// response: the classification against job.Target/client.target
// already decided true/false.
func (v *V1) forwardToShareChain(minerAddr address.Address, candidate *sharechain.CandidateBlock, hash bigint.Uint256) {
	processed, err := v.p2p.ProcessShare(candidate, minerAddr)
	if err != nil {
		v.log.WithError(err).WithField("hash", hash.String()).Warn("stratum: share rejected by share-chain validation")
		return
	}
	v.p2p.NotifyValidShare(minerAddr, candidate, processed.Hash)
}

func lowUint64(h bigint.Uint256) uint64 {
	b := h.Bytes32()
	return binary.BigEndian.Uint64(b[24:32])
}

// notifyParamsForLastJob renders the mining.notify positional array:
// [job_id_hex, prev_hash_stratum, coinb1_hex, coinb2_hex,
// merkle_steps_hex, version_be_hex, nbits_be_hex, ntime_be_hex,
// clean_jobs].
func (v *V1) notifyParamsForLastJob() ([]interface{}, bool) {
	job := v.jobs.Last()
	if job == nil {
		return nil, false
	}
	return notifyParams(job), true
}

func notifyParams(job *jobmanager.Job) []interface{} {
	// coinb1 runs from the start of the serialized coinbase transaction
	// up to the extranonce slot inside its input script; coinb2 is
	// everything after the slot. Concatenating coinb1 || extranonce ||
	// coinb2 reproduces the full transaction the txid commits to.
	var coinb1Hex, coinb2Hex string
	if start, length, ok := sharechain.CoinbaseScriptBounds(job.CoinbaseTx); ok && length >= chaincfg.MinScriptSize+8 {
		boundary := start + chaincfg.Coinb1Size
		coinb1Hex = hex.EncodeToString(job.CoinbaseTx[:boundary])
		coinb2Hex = hex.EncodeToString(job.CoinbaseTx[boundary+8:])
	}

	steps := make([]string, len(job.MerkleSteps))
	for i, s := range job.MerkleSteps {
		steps[i] = hex.EncodeToString(s[:])
	}

	var versionBE, bitsBE, timeBE [4]byte
	binary.BigEndian.PutUint32(versionBE[:], uint32(job.Header.Version()))
	binary.BigEndian.PutUint32(bitsBE[:], job.Header.Bits())
	binary.BigEndian.PutUint32(timeBE[:], job.Header.Time())

	return []interface{}{
		fmt.Sprintf("%x", job.ID),
		prevHashStratum(job.Header.PrevHash()),
		coinb1Hex,
		coinb2Hex,
		steps,
		hex.EncodeToString(versionBE[:]),
		hex.EncodeToString(bitsBE[:]),
		hex.EncodeToString(timeBE[:]),
		true,
	}
}

// prevHashStratum renders a prev-hash in Stratum's "reversed-word"
// format: the 32-byte value split into eight 4-byte groups, with the
// group order reversed.
func prevHashStratum(h bigint.Uint256) string {
	b := h.Bytes32()
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		copy(out[i*4:i*4+4], b[(7-i)*4:(7-i)*4+4])
	}
	return hex.EncodeToString(out)
}

// FetchNewJob polls the base node and, on new work, broadcasts
// mining.notify to every subscribed session.
// The PPLNS delta snapshot behind the coinbase commitment
// is only committed when a job actually results, so no-op ticks
// (unchanged header, RPC failure) never consume accumulated deltas.
func (v *V1) FetchNewJob(voutFn jobmanager.VoutBuilder) {
	cbEncoded, totals := v.p2p.PeekCoinbaseEncoding()

	start := time.Now()
	job, err := v.jobs.GetNewJob(v.fetcher, voutFn, cbEncoded)
	v.metrics.ObserveJobFetch(time.Since(start).Seconds())
	if err != nil {
		v.log.WithError(err).Warn("stratum: failed to fetch new job")
		return
	}
	if job == nil {
		return
	}
	v.p2p.CommitCoinbaseTotals(totals)

	params := notifyParams(job)
	v.subMu.Lock()
	subs := make([]*Client, 0, len(v.subscribers))
	for _, c := range v.subscribers {
		subs = append(subs, c)
	}
	v.subMu.Unlock()
	v.metrics.SetConnectedMiners(len(subs))

	for _, c := range subs {
		if err := c.notifier.Notify("mining.notify", params); err != nil {
			v.log.WithError(err).Warn("stratum: failed to broadcast mining.notify")
		}
	}

	v.p2p.NotifyNewBlock(job.Height, job.Block)
	v.log.WithFields(logrus.Fields{"height": job.Height, "subscribers": len(subs)}).Info("stratum: broadcast new job")
}
