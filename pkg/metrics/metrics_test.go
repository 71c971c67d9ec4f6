package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCountersRegistered(t *testing.T) {
	FiltersMatchedTotal.WithLabelValues("match").Add(2)
	DocumentSavesTotal.WithLabelValues("filters", "success").Inc()

	mf := findMetric(t, "sift_document_saves_total")
	require.NotNil(t, mf)
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())

	found := false
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "kind" && l.GetValue() == "filters" {
				found = true
				assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
			}
		}
	}
	assert.True(t, found)
}

type staticPool struct{}

func (staticPool) PoolStats() (int32, int32, int32) { return 5, 3, 2 }

func TestCollectorTracksPool(t *testing.T) {
	provider := &staticStats{}
	c := NewCollector(provider, time.Hour)
	c.TrackPool(staticPool{})
	c.collect(context.Background())

	mf := findMetric(t, "sift_db_pool_total_conns")
	require.NotNil(t, mf)
	assert.Equal(t, 5.0, mf.GetMetric()[0].GetGauge().GetValue())
	mf = findMetric(t, "sift_db_pool_idle_conns")
	require.NotNil(t, mf)
	assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
}

type staticStats struct {
	stats EngineStats
}

func (s *staticStats) EngineStats(_ context.Context) (*EngineStats, error) {
	return &s.stats, nil
}

func TestCollectorPublishesGauges(t *testing.T) {
	provider := &staticStats{stats: EngineStats{
		Accounts:        3,
		TotalFilters:    12,
		EnabledFilters:  9,
		ForwardingRules: 4,
	}}

	c := NewCollector(provider, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		mf := findMetric(t, "sift_filters_total")
		return mf != nil && len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge().GetValue() == 12
	}, time.Second, 10*time.Millisecond)

	mf := findMetric(t, "sift_accounts_loaded")
	require.NotNil(t, mf)
	assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
}
