package analytics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/realtime/pkg/wire"
)

type stubSender struct {
	mu     sync.Mutex
	topics []string
}

func (s *stubSender) Send(msg wire.Message) error { return nil }

func (s *stubSender) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

func (s *stubSender) Unsubscribe(topic string) error { return nil }

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Options{
		Transport: &stubSender{},
		Clock:     func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
}

func TestFlushComputesDeltasAndTrend(t *testing.T) {
	svc := newTestService(t)

	svc.Ingest(wire.MetricUpdate{ID: "views", Name: "Page Views", Value: 100, Category: wire.CategoryEngagement})
	svc.Flush()

	m, ok := svc.Metric("views")
	require.True(t, ok)
	require.Equal(t, 100.0, m.Value)
	require.Equal(t, 0.0, m.PreviousValue)
	// first sample has no baseline, so percent change stays zero
	require.Equal(t, 0.0, m.ChangePercent)
	require.Equal(t, TrendStable, m.Trend)

	svc.Ingest(wire.MetricUpdate{ID: "views", Value: 110})
	svc.Flush()

	m, _ = svc.Metric("views")
	require.Equal(t, 110.0, m.Value)
	require.Equal(t, 100.0, m.PreviousValue)
	require.Equal(t, 10.0, m.Change)
	require.InDelta(t, 10.0, m.ChangePercent, 1e-9)
	require.Equal(t, TrendUp, m.Trend)
	require.Equal(t, "Page Views", m.Name)
}

func TestTrendThresholds(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		next float64
		want Trend
	}{
		{104, TrendStable}, // +4%
		{109.3, TrendUp},   // just over +5%
		{103.7, TrendDown}, // just under -5%
		{103.7, TrendStable},
	}

	svc.Ingest(wire.MetricUpdate{ID: "m", Value: 100})
	svc.Flush()
	for _, tc := range cases {
		svc.Ingest(wire.MetricUpdate{ID: "m", Value: tc.next})
		svc.Flush()
		m, _ := svc.Metric("m")
		require.Equal(t, tc.want, m.Trend, "value %v", tc.next)
		// non-positive window reports the last flush direction
		require.Equal(t, tc.want, svc.MetricTrend("m", 0))
	}
	require.Equal(t, TrendStable, svc.MetricTrend("missing", time.Hour))
}

func TestMetricTrendOverWindow(t *testing.T) {
	base := int64(1_700_000_000_000)
	now := time.UnixMilli(base + 20*time.Minute.Milliseconds())
	svc := NewService(Options{
		Transport: &stubSender{},
		Clock:     func() time.Time { return now },
	})
	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "dash", MetricIDs: []string{"m"}}))

	for _, sample := range []struct {
		value float64
		atMin int64
	}{
		{100, 0},
		{120, 10},
		{118, 20},
	} {
		svc.Ingest(wire.MetricUpdate{ID: "m", Value: sample.value, Timestamp: base + sample.atMin*time.Minute.Milliseconds()})
		svc.Flush()
	}

	// last flush moved 120 -> 118, under the threshold
	require.Equal(t, TrendStable, svc.MetricTrend("m", 0))
	// the full hour spans 100 -> 118
	require.Equal(t, TrendUp, svc.MetricTrend("m", time.Hour))
	// a 15m window only sees 120 -> 118
	require.Equal(t, TrendStable, svc.MetricTrend("m", 15*time.Minute))

	// uncharted metrics have no samples and fall back to the flush direction
	svc.Ingest(wire.MetricUpdate{ID: "raw", Value: 10, Timestamp: base})
	svc.Flush()
	svc.Ingest(wire.MetricUpdate{ID: "raw", Value: 20, Timestamp: base + time.Minute.Milliseconds()})
	svc.Flush()
	require.Equal(t, TrendUp, svc.MetricTrend("raw", time.Hour))
}

func TestThresholdForcesFlush(t *testing.T) {
	svc := NewService(Options{
		Transport:      &stubSender{},
		FlushThreshold: 3,
		FlushInterval:  time.Hour,
	})

	var mu sync.Mutex
	flushes := 0
	svc.OnFlush(func(changed []Metric) {
		mu.Lock()
		flushes++
		mu.Unlock()
	})

	svc.Ingest(wire.MetricUpdate{ID: "a", Value: 1})
	svc.Ingest(wire.MetricUpdate{ID: "b", Value: 2})
	mu.Lock()
	require.Equal(t, 0, flushes)
	mu.Unlock()

	svc.Ingest(wire.MetricUpdate{ID: "c", Value: 3})
	mu.Lock()
	require.Equal(t, 1, flushes)
	mu.Unlock()
}

func TestLastUpdateWinsWithinFlush(t *testing.T) {
	svc := newTestService(t)

	var mu sync.Mutex
	var changed []Metric
	svc.OnFlush(func(ms []Metric) {
		mu.Lock()
		changed = ms
		mu.Unlock()
	})

	svc.Ingest(wire.MetricUpdate{ID: "m", Value: 5})
	svc.Ingest(wire.MetricUpdate{ID: "m", Value: 9})
	svc.Flush()

	mu.Lock()
	require.Len(t, changed, 1)
	mu.Unlock()
	m, _ := svc.Metric("m")
	require.Equal(t, 9.0, m.Value)
}

func TestHandleMessageBatch(t *testing.T) {
	svc := newTestService(t)

	msg, err := wire.NewMessage(wire.TypeAnalyticsBatch, wire.TopicAnalytics, "hub", wire.AnalyticsBatchPayload{
		Updates: []wire.MetricUpdate{
			{ID: "views", Value: 10},
			{ID: "revenue", Value: 99.5, Category: wire.CategoryRevenue},
		},
	})
	require.NoError(t, err)
	svc.HandleMessage(msg)
	svc.Flush()

	require.Len(t, svc.Metrics(""), 2)
	require.Len(t, svc.Metrics(wire.CategoryRevenue), 1)
}

func TestCreateChartValidatesAndStoresConfig(t *testing.T) {
	svc := newTestService(t)

	require.Error(t, svc.CreateChart(wire.ChartConfig{MetricIDs: []string{"views"}}))
	require.Error(t, svc.CreateChart(wire.ChartConfig{ID: "dash"}))
	require.Error(t, svc.CreateChart(wire.ChartConfig{ID: "dash", Type: "sparkline", MetricIDs: []string{"views"}}))

	require.NoError(t, svc.CreateChart(wire.ChartConfig{
		ID:        "dash",
		Title:     "Engagement",
		Type:      wire.ChartArea,
		MetricIDs: []string{"views", "clicks"},
		RangeMs:   time.Hour.Milliseconds(),
	}))

	cfg, ok := svc.Chart("dash")
	require.True(t, ok)
	require.Equal(t, "Engagement", cfg.Title)
	require.Equal(t, wire.ChartArea, cfg.Type)
	require.Equal(t, []string{"views", "clicks"}, cfg.MetricIDs)
	require.Equal(t, int64(1_700_000_000_000), cfg.UpdatedMs)

	// type defaults to line when omitted
	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "plain", MetricIDs: []string{"views"}}))
	plain, _ := svc.Chart("plain")
	require.Equal(t, wire.ChartLine, plain.Type)

	_, ok = svc.Chart("missing")
	require.False(t, ok)
}

func TestChartRetainsCappedSeries(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "dash", MetricIDs: []string{"views"}}))

	for i := 0; i < chartPointCap+25; i++ {
		svc.Ingest(wire.MetricUpdate{ID: "views", Value: float64(i), Timestamp: int64(i)})
		svc.Flush()
	}

	data := svc.ChartData("dash")
	require.Len(t, data["views"], chartPointCap)
	last := data["views"][chartPointCap-1]
	require.Equal(t, float64(chartPointCap+24), last.Value)
}

func TestUnchartedMetricsKeepNoSeries(t *testing.T) {
	svc := newTestService(t)

	svc.Ingest(wire.MetricUpdate{ID: "views", Value: 1})
	svc.Flush()

	require.Nil(t, svc.ChartData("nope"))
}

func TestRemoveChartReleasesUnreferencedSeries(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "a", MetricIDs: []string{"views", "clicks"}}))
	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "b", MetricIDs: []string{"views"}}))

	svc.Ingest(wire.MetricUpdate{ID: "views", Value: 1})
	svc.Ingest(wire.MetricUpdate{ID: "clicks", Value: 2})
	svc.Flush()

	svc.RemoveChart("a")

	// views still referenced by chart b, clicks released
	data := svc.ChartData("b")
	require.Len(t, data["views"], 1)

	require.NoError(t, svc.CreateChart(wire.ChartConfig{ID: "c", MetricIDs: []string{"clicks"}}))
	require.Empty(t, svc.ChartData("c")["clicks"])
}
