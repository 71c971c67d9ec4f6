package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/migadu/sift/logger"
)

// EngineStats holds aggregate counts collected across all loaded accounts.
type EngineStats struct {
	Accounts        int64 `json:"accounts"`
	TotalFilters    int64 `json:"total_filters"`
	EnabledFilters  int64 `json:"enabled_filters"`
	ForwardingRules int64 `json:"forwarding_rules"`
}

// StatsProvider supplies the aggregate counts the collector publishes.
type StatsProvider interface {
	EngineStats(ctx context.Context) (*EngineStats, error)
}

// PoolStatser reports database connection pool occupancy.
type PoolStatser interface {
	PoolStats() (total, idle, inUse int32)
}

var (
	accountsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_accounts_loaded",
			Help: "Accounts with rule collections currently loaded",
		},
	)

	filtersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_filters_total",
			Help: "Filters across all loaded accounts",
		},
	)

	filtersEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_filters_enabled",
			Help: "Enabled filters across all loaded accounts",
		},
	)

	forwardingRulesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_forwarding_rules_total",
			Help: "Forwarding rules across all loaded accounts",
		},
	)
)

// Collector periodically publishes engine-wide gauges.
type Collector struct {
	provider StatsProvider
	pool     PoolStatser
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. A zero interval defaults to one minute.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// TrackPool adds database pool gauges to each collection cycle. Call
// before Start.
func (c *Collector) TrackPool(pool PoolStatser) {
	c.pool = pool
}

// Start begins collection in the background until Stop or context cancel.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.collect(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(ctx)
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.pool != nil {
		total, idle, inUse := c.pool.PoolStats()
		DBPoolTotalConns.Set(float64(total))
		DBPoolIdleConns.Set(float64(idle))
		DBPoolInUseConns.Set(float64(inUse))
	}

	stats, err := c.provider.EngineStats(ctx)
	if err != nil {
		logger.Warn("metrics: failed to collect engine stats", "error", err)
		return
	}
	accountsLoaded.Set(float64(stats.Accounts))
	filtersTotal.Set(float64(stats.TotalFilters))
	filtersEnabled.Set(float64(stats.EnabledFilters))
	forwardingRulesTotal.Set(float64(stats.ForwardingRules))
}
