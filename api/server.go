// Package api implements the read-only stats/admin HTTP surface:
// pool-wide stats, per-miner stats, health, and Prometheus exposition.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/obsidian-pool/poolcore/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the subset of pool state the admin surface reads. It
// never mutates anything it is handed.
type StatsSource interface {
	PoolStats() PoolStats
	MinerStats(address string) (MinerStats, bool)
}

// PoolStats is the pool-wide summary returned by GET /stats.
type PoolStats struct {
	ConnectedMiners int     `json:"connected_miners"`
	ShareChainHeight uint32  `json:"share_chain_height"`
	PoolDifficulty  float64 `json:"pool_difficulty"`
	TotalSharesInWindow uint64 `json:"total_shares_in_window"`
}

// MinerStats is the per-address breakdown returned by GET /miners/:address.
type MinerStats struct {
	Address      string `json:"address"`
	ScoreInWindow uint64 `json:"score_in_window"`
	SharesSubmitted uint64 `json:"shares_submitted"`
}

// Server is the gin-based read-only stats server.
type Server struct {
	engine *gin.Engine
	source StatsSource
}

// New builds the router. Passing a nil Collector disables /metrics.
func New(source StatsSource, collector *metrics.Collector) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, source: source}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/stats", s.handleStats)
	engine.GET("/miners/:address", s.handleMinerStats)
	if collector != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return s
}

// ListenAndServe blocks serving the admin surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.PoolStats())
}

func (s *Server) handleMinerStats(c *gin.Context) {
	addr := c.Param("address")
	stats, ok := s.source.MinerStats(addr)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or inactive address"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
