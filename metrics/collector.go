// Package metrics exports the pool's Prometheus telemetry: share
// classification counters, share-chain gauges, and job-fetch latency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every series this pool node exports. A nil
// *Collector is valid and every method becomes a no-op, so metrics
// can be wired in optionally without branching at every call site.
type Collector struct {
	SharesAccepted   *prometheus.CounterVec
	SharesRejected   *prometheus.CounterVec
	BlocksFound      prometheus.Counter
	CurrentHeight    prometheus.Gauge
	PoolDifficulty   prometheus.Gauge
	JobFetchDuration prometheus.Histogram
	ConnectedMiners  prometheus.Gauge
	PplnsWindowSize  prometheus.Gauge
	PplnsWindowTotal prometheus.Gauge
}

// New constructs and registers a Collector against reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		SharesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_shares_accepted_total",
			Help: "Accepted shares, labeled by outcome (valid, block).",
		}, []string{"outcome"}),
		SharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_shares_rejected_total",
			Help: "Rejected shares, labeled by reason.",
		}, []string{"reason"}),
		BlocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_blocks_found_total",
			Help: "Base-chain blocks found by this pool.",
		}),
		CurrentHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_share_chain_height",
			Help: "Current share-chain height.",
		}),
		PoolDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_difficulty",
			Help: "Current share-chain difficulty.",
		}),
		JobFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_job_fetch_duration_seconds",
			Help:    "Time spent fetching a block template from the base node.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectedMiners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_connected_miners",
			Help: "Currently connected Stratum sessions.",
		}),
		PplnsWindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_pplns_window_size",
			Help: "Number of FIFO entries currently held in the PPLNS window.",
		}),
		PplnsWindowTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_pplns_window_total_score",
			Help: "Sum of per-address scores currently in the PPLNS window, in SUI.",
		}),
	}

	reg.MustRegister(c.SharesAccepted, c.SharesRejected, c.BlocksFound, c.CurrentHeight, c.PoolDifficulty, c.JobFetchDuration, c.ConnectedMiners, c.PplnsWindowSize, c.PplnsWindowTotal)
	return c
}

func (c *Collector) ShareAccepted(outcome string) {
	if c == nil {
		return
	}
	c.SharesAccepted.WithLabelValues(outcome).Inc()
}

func (c *Collector) ShareRejected(reason string) {
	if c == nil {
		return
	}
	c.SharesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) BlockFound() {
	if c == nil {
		return
	}
	c.BlocksFound.Inc()
}

func (c *Collector) SetHeight(height uint32) {
	if c == nil {
		return
	}
	c.CurrentHeight.Set(float64(height))
}

func (c *Collector) SetDifficulty(diff float64) {
	if c == nil {
		return
	}
	c.PoolDifficulty.Set(diff)
}

func (c *Collector) ObserveJobFetch(seconds float64) {
	if c == nil {
		return
	}
	c.JobFetchDuration.Observe(seconds)
}

func (c *Collector) SetConnectedMiners(n int) {
	if c == nil {
		return
	}
	c.ConnectedMiners.Set(float64(n))
}

func (c *Collector) SetWindowStats(entries int, totalScore uint64) {
	if c == nil {
		return
	}
	c.PplnsWindowSize.Set(float64(entries))
	c.PplnsWindowTotal.Set(float64(totalScore))
}
