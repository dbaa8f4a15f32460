// Command obsidiand runs the pool node: it wires the share-chain
// manager, PPLNS window, target manager, job manager, and Stratum
// session core together and serves miners over TCP while mirroring
// the base chain via BlockFetcher.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/obsidian-pool/poolcore/address"
	"github.com/obsidian-pool/poolcore/api"
	"github.com/obsidian-pool/poolcore/bigint"
	"github.com/obsidian-pool/poolcore/chaincfg"
	"github.com/obsidian-pool/poolcore/config"
	"github.com/obsidian-pool/poolcore/fetcher"
	"github.com/obsidian-pool/poolcore/jobmanager"
	"github.com/obsidian-pool/poolcore/metrics"
	"github.com/obsidian-pool/poolcore/p2pfacade"
	"github.com/obsidian-pool/poolcore/pplns"
	"github.com/obsidian-pool/poolcore/rpcjson"
	"github.com/obsidian-pool/poolcore/sharechain"
	"github.com/obsidian-pool/poolcore/store"
	"github.com/obsidian-pool/poolcore/stratum"
	"github.com/obsidian-pool/poolcore/targetmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to pool.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "obsidiand: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	netParams, err := chaincfg.ParseNetwork(cfg.Network)
	if err != nil {
		log.Fatalf("obsidiand: %v", err)
	}
	log.WithField("network", netParams.Name).Info("obsidiand: starting")

	var donationAddr address.Address
	if cfg.DonationAddress != "" {
		donationAddr, err = address.Parse(netParams, cfg.DonationAddress)
		if err != nil {
			log.Fatalf("obsidiand: invalid donation_address: %v", err)
		}
	}

	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.New(prometheus.DefaultRegisterer)
	}

	var checkpoints *store.CheckpointStore
	if cfg.CheckpointDBPath != "" {
		checkpoints, err = store.Open(cfg.CheckpointDBPath)
		if err != nil {
			log.Fatalf("obsidiand: failed to open checkpoint store: %v", err)
		}
		defer checkpoints.Close()
	}

	blocks, err := sharechain.NewBlockManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("obsidiand: failed to initialize block manager: %v", err)
	}
	restoreTip(blocks, log)

	window := pplns.NewWindow(pplns.DefaultCapacity())
	targetLog := log.WithField("component", "targetmgr")
	targets := targetmgr.New(bigint.MaxTarget, uint32(time.Now().Unix()), cfg.TargetTimeMs, cfg.DiffAdjustBlocks, targetLog)
	if checkpoints != nil {
		if cp, ok, err := checkpoints.Load(); err != nil {
			log.WithError(err).Warn("obsidiand: failed to load checkpoint, falling back to flat-file replay")
		} else if ok {
			window.RestoreTotals(cp.WindowTotals)
			targets = targetmgr.Restore(targetmgr.Adjustment{
				Time:   cp.AdjustmentTime,
				Height: cp.AdjustmentHeight,
				Target: bigint.FromBytesBE(cp.PoolTarget[:]),
			}, cfg.TargetTimeMs, cfg.DiffAdjustBlocks, targetLog)
			log.WithField("height", cp.Height).Info("obsidiand: warm-started PPLNS window and target from checkpoint")
		}
	}

	fc := fetcher.NewClient(cfg.RPCURL, cfg.RPCCookiePath)

	handler := newPoolHandler(log)

	p2p := p2pfacade.New(blocks, targets, window, handler, collector, checkpoints, log.WithField("component", "p2pfacade"))

	jobs, err := jobmanager.New(fc, log.WithField("component", "jobmanager"))
	if err != nil {
		log.Fatalf("obsidiand: failed to fetch initial job: %v", err)
	}
	// Seed the base-tip mirror from the placeholder job so the first
	// submitted shares pass their mainnet-linkage check before the
	// poller's first tick.
	if initial := jobs.Last(); initial != nil {
		p2p.NotifyNewBlock(initial.Height, initial.Block)
	}
	handler.p2p = p2p
	handler.net = netParams

	stratumCfg := stratum.Config{Network: netParams, DefaultDiffUnits: cfg.DefaultDiffUnits}
	v1 := stratum.New(stratumCfg, jobs, p2p, fc, collector, log.WithField("component", "stratum"))

	rpcServer, err := rpcjson.Listen(cfg.BindAddress, v1, log.WithField("component", "rpcjson"))
	if err != nil {
		log.Fatalf("obsidiand: failed to bind %s: %v", cfg.BindAddress, err)
	}
	handler.rpcServerRef = func() *rpcjson.Server { return rpcServer }
	go func() {
		if err := rpcServer.Serve(); err != nil {
			log.WithError(err).Warn("obsidiand: stratum listener stopped")
		}
	}()
	log.WithField("addr", cfg.BindAddress).Info("obsidiand: stratum listening")

	stopPoller := make(chan struct{})
	var pollerWg sync.WaitGroup
	pollerWg.Add(1)
	go runJobPoller(cfg, v1, p2p, donationAddr, log, stopPoller, &pollerWg)

	if cfg.AdminAddr != "" {
		admin := api.New(handler, collector)
		go func() {
			if err := admin.ListenAndServe(cfg.AdminAddr); err != nil {
				log.WithError(err).Warn("obsidiand: admin server stopped")
			}
		}()
		log.WithField("addr", cfg.AdminAddr).Info("obsidiand: admin surface listening")
	}

	waitForShutdown(log)

	close(stopPoller)
	pollerWg.Wait()
	rpcServer.Close()
	log.Info("obsidiand: shutdown complete")
}

// restoreTip replays the on-disk share log and, if any shares exist,
// installs the last one as the in-memory tip.
func restoreTip(blocks *sharechain.BlockManager, log *logrus.Entry) {
	shares, err := blocks.LoadShares()
	if err != nil {
		log.Fatalf("obsidiand: failed to replay share log: %v", err)
	}
	if len(shares) > 0 {
		blocks.RestoreTip(shares[len(shares)-1])
		log.WithField("count", len(shares)).Info("obsidiand: replayed share-chain from disk")
	}
}

// runJobPoller is the background job poller: every
// cfg.JobPollIntervalMs it asks the Stratum protocol to fetch a fresh
// template and broadcast mining.notify to subscribed sessions.
func runJobPoller(cfg *config.Config, v1 *stratum.V1, p2p *p2pfacade.ProtocolP2P, donationAddr address.Address, log *logrus.Entry, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := time.Duration(cfg.JobPollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	voutFn := buildVoutFn(p2p, donationAddr)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v1.FetchNewJob(voutFn)
		}
	}
}

// buildVoutFn renders the payout outputs a freshly learned block
// reward should carry, read from the live PPLNS window under the P2P
// facade's lock: the window is the source of truth for coinbase
// outputs in every mined candidate.
func buildVoutFn(p2p *p2pfacade.ProtocolP2P, donationAddr address.Address) jobmanager.VoutBuilder {
	return func(reward uint64) []jobmanager.Vout {
		var vouts []jobmanager.Vout
		p2p.WithWindow(func(w *pplns.Window) {
			outputs, residual := w.SnapshotOutputs(reward)
			vouts = make([]jobmanager.Vout, 0, len(outputs)+1)
			for _, o := range outputs {
				vouts = append(vouts, jobmanager.Vout{Script: o.Script, Value: o.Value})
			}
			if residual > 0 && donationAddr != nil {
				vouts = append(vouts, jobmanager.Vout{Script: donationAddr.ToScript(), Value: residual})
			}
		})
		return vouts
	}
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("obsidiand: shutdown signal received")
}

func newLogger(cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logger.SetOutput(f)
		} else {
			logger.WithError(err).Warn("obsidiand: failed to open log file, logging to stderr")
		}
	}
	return logrus.NewEntry(logger)
}

// poolHandler bridges accepted shares and new base-chain templates
// into the bookkeeping the admin surface reports. Its p2p field is a
// back-handle used only for reads; the facade stays the root owner.
type poolHandler struct {
	log *logrus.Entry
	p2p *p2pfacade.ProtocolP2P
	net *chaincfg.NetworkParams

	mu           sync.Mutex
	shareCounts  map[string]uint64
	lastHeight   uint32
	rpcServerRef func() *rpcjson.Server
}

func newPoolHandler(log *logrus.Entry) *poolHandler {
	return &poolHandler{
		log:         log,
		shareCounts: make(map[string]uint64),
	}
}

func (h *poolHandler) OnValidShare(addr address.Address, block sharechain.Block, diff bigint.Uint256) {
	h.mu.Lock()
	h.shareCounts[addr.String()]++
	h.mu.Unlock()
}

func (h *poolHandler) OnNewBlock(height uint32, block sharechain.Block) {
	h.mu.Lock()
	h.lastHeight = height
	h.mu.Unlock()
	h.log.WithField("height", height).Info("obsidiand: new base-chain template observed")
}

func (h *poolHandler) PoolStats() api.PoolStats {
	connected := 0
	if h.rpcServerRef != nil {
		if srv := h.rpcServerRef(); srv != nil {
			connected = srv.ClientCount()
		}
	}
	var stats api.PoolStats
	stats.ConnectedMiners = connected
	if h.p2p != nil {
		height, diff, _, total := h.p2p.Stats()
		stats.ShareChainHeight = height
		stats.PoolDifficulty = diff
		stats.TotalSharesInWindow = total
	}
	return stats
}

func (h *poolHandler) MinerStats(addr string) (api.MinerStats, bool) {
	h.mu.Lock()
	count, known := h.shareCounts[addr]
	h.mu.Unlock()

	var score uint64
	if h.p2p != nil && h.net != nil {
		if parsed, err := address.Parse(h.net, addr); err == nil {
			h.p2p.WithWindow(func(w *pplns.Window) {
				score, _ = w.ScoreForAddress(parsed.Bytes())
			})
		}
	}

	if !known && score == 0 {
		return api.MinerStats{}, false
	}
	return api.MinerStats{Address: addr, ScoreInWindow: score, SharesSubmitted: count}, true
}
