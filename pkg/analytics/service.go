package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

const (
	chartPointCap = 100
	// trend threshold in percent: smaller swings read as stable
	trendThreshold = 5.0
)

// Sender is the narrow transport surface the service needs.
type Sender interface {
	Send(wire.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Trend classifies a metric's most recent movement.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Metric is one cached live metric with its computed deltas.
type Metric struct {
	ID            string
	Name          string
	Value         float64
	PreviousValue float64
	Change        float64
	ChangePercent float64
	Unit          string
	Category      wire.MetricCategory
	Trend         Trend
	UpdatedMs     int64
}

// chartState pairs a chart's config with the metric set it references.
type chartState struct {
	cfg     wire.ChartConfig
	metrics map[string]bool
}

// Options configures a Service.
type Options struct {
	Transport Sender
	Clock     func() time.Time

	FlushInterval  time.Duration // default 1s
	FlushThreshold int           // buffered updates that force a flush, default 10
}

// Service maintains the live-analytics metric cache. Incoming updates are
// buffered and applied in batches so bursts coalesce into one recompute and
// one listener notification.
type Service struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	metrics   map[string]*Metric
	buffer    []wire.MetricUpdate
	charts    map[string]*chartState
	series    map[string][]wire.ChartPoint // metric id -> samples, charted metrics only
	listeners map[int64]func([]Metric)
	nextID    int64
	running   bool
}

// NewService builds an analytics service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 10
	}
	return &Service{
		opts:      opts,
		logger:    log.With().Str("component", "analytics").Logger(),
		metrics:   map[string]*Metric{},
		charts:    map[string]*chartState{},
		series:    map[string][]wire.ChartPoint{},
		listeners: map[int64]func([]Metric){},
	}
}

// Subscribe registers interest in the analytics topic on the transport.
func (s *Service) Subscribe() error {
	return s.opts.Transport.Subscribe(wire.TopicAnalytics)
}

// Ingest buffers one metric update. The buffer flushes on the interval tick
// or as soon as it reaches the flush threshold.
func (s *Service) Ingest(update wire.MetricUpdate) {
	if update.ID == "" {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, update)
	full := len(s.buffer) >= s.opts.FlushThreshold
	s.mu.Unlock()
	if full {
		s.Flush()
	}
}

// HandleMessage ingests analytics.batch frames. Batches arrive pre-coalesced
// from the hub, so each update goes through the same buffered path.
func (s *Service) HandleMessage(msg wire.Message) {
	if msg.Type != wire.TypeAnalyticsBatch {
		return
	}
	var payload wire.AnalyticsBatchPayload
	if err := msg.Decode(&payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad analytics.batch payload")
		return
	}
	for _, update := range payload.Updates {
		s.Ingest(update)
	}
}

// Flush applies all buffered updates and notifies listeners once with the
// changed metrics. Later updates for the same metric id within one flush win.
func (s *Service) Flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.buffer
	s.buffer = nil

	changedSet := map[string]bool{}
	for _, update := range pending {
		s.applyLocked(update)
		changedSet[update.ID] = true
	}
	changed := make([]Metric, 0, len(changedSet))
	for id := range changedSet {
		changed = append(changed, *s.metrics[id])
	}
	fns := make([]func([]Metric), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(changed)
	}
}

func (s *Service) applyLocked(update wire.MetricUpdate) {
	m := s.metrics[update.ID]
	if m == nil {
		m = &Metric{ID: update.ID}
		s.metrics[update.ID] = m
	}
	if update.Name != "" {
		m.Name = update.Name
	}
	if update.Unit != "" {
		m.Unit = update.Unit
	}
	if update.Category != "" {
		m.Category = update.Category
	}

	m.PreviousValue = m.Value
	m.Value = update.Value
	m.Change = m.Value - m.PreviousValue
	if m.PreviousValue != 0 {
		m.ChangePercent = m.Change / m.PreviousValue * 100
	} else {
		m.ChangePercent = 0
	}
	switch {
	case m.ChangePercent > trendThreshold:
		m.Trend = TrendUp
	case m.ChangePercent < -trendThreshold:
		m.Trend = TrendDown
	default:
		m.Trend = TrendStable
	}

	ts := update.Timestamp
	if ts == 0 {
		ts = s.opts.Clock().UnixMilli()
	}
	m.UpdatedMs = ts

	if _, charted := s.series[update.ID]; charted {
		points := append(s.series[update.ID], wire.ChartPoint{TsMs: ts, Value: update.Value, Label: m.Name})
		if len(points) > chartPointCap {
			points = points[len(points)-chartPointCap:]
		}
		s.series[update.ID] = points
		for _, st := range s.charts {
			if st.metrics[update.ID] {
				st.cfg.UpdatedMs = ts
			}
		}
	}
}

// CreateChart registers a chart and starts retaining samples for the metrics
// it references. Re-creating a chart replaces its config and metric set. An
// empty chart type defaults to line.
func (s *Service) CreateChart(cfg wire.ChartConfig) error {
	if cfg.ID == "" {
		return errors.New("chart id is required")
	}
	if len(cfg.MetricIDs) == 0 {
		return errors.New("chart needs at least one metric")
	}
	if cfg.Type == "" {
		cfg.Type = wire.ChartLine
	}
	if !cfg.Type.Valid() {
		return errors.Errorf("unknown chart type %q", cfg.Type)
	}
	cfg.UpdatedMs = s.opts.Clock().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(cfg.MetricIDs))
	for _, id := range cfg.MetricIDs {
		set[id] = true
		if _, ok := s.series[id]; !ok {
			s.series[id] = []wire.ChartPoint{}
		}
	}
	s.charts[cfg.ID] = &chartState{cfg: cfg, metrics: set}
	s.pruneSeriesLocked()
	return nil
}

// RemoveChart drops a chart. Samples for metrics no other chart references
// are released.
func (s *Service) RemoveChart(chartID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.charts, chartID)
	s.pruneSeriesLocked()
}

// pruneSeriesLocked drops series no chart references anymore.
func (s *Service) pruneSeriesLocked() {
	for metricID := range s.series {
		referenced := false
		for _, st := range s.charts {
			if st.metrics[metricID] {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(s.series, metricID)
		}
	}
}

// Chart returns a copy of one chart's config.
func (s *Service) Chart(chartID string) (wire.ChartConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.charts[chartID]
	if !ok {
		return wire.ChartConfig{}, false
	}
	cfg := st.cfg
	cfg.MetricIDs = append([]string(nil), st.cfg.MetricIDs...)
	return cfg, true
}

// Metric returns a copy of one cached metric.
func (s *Service) Metric(id string) (Metric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// MetricTrend classifies a metric's movement over the window ending now,
// comparing the newest retained sample against the oldest one inside the
// window with the same ±5% threshold as per-flush trends. Without at least
// two retained samples in the window (or with a non-positive window) it
// falls back to the direction of the last flush. Unknown metrics are stable.
func (s *Service) MetricTrend(id string, window time.Duration) Trend {
	now := s.opts.Clock().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return TrendStable
	}
	if window > 0 {
		cutoff := now - window.Milliseconds()
		var inWindow []wire.ChartPoint
		for _, p := range s.series[id] {
			if p.TsMs >= cutoff {
				inWindow = append(inWindow, p)
			}
		}
		if len(inWindow) >= 2 {
			return classify(inWindow[0].Value, inWindow[len(inWindow)-1].Value)
		}
	}
	return m.Trend
}

// classify applies the trend threshold to a first/last value pair.
func classify(first, last float64) Trend {
	if first == 0 {
		return TrendStable
	}
	pct := (last - first) / first * 100
	switch {
	case pct > trendThreshold:
		return TrendUp
	case pct < -trendThreshold:
		return TrendDown
	}
	return TrendStable
}

// Metrics returns copies of cached metrics, optionally filtered by category.
func (s *Service) Metrics(category wire.MetricCategory) []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// ChartData returns the retained samples per metric for one chart, oldest
// first.
func (s *Service) ChartData(chartID string) map[string][]wire.ChartPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.charts[chartID]
	if !ok {
		return nil
	}
	out := make(map[string][]wire.ChartPoint, len(st.metrics))
	for metricID := range st.metrics {
		out[metricID] = append([]wire.ChartPoint(nil), s.series[metricID]...)
	}
	return out
}

// OnFlush registers a listener invoked with the metrics changed by each
// flush.
func (s *Service) OnFlush(fn func([]Metric)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Start launches the periodic flush loop until ctx is cancelled. A final
// flush drains the buffer on shutdown.
func (s *Service) Start(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Flush()
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-ticker.C:
				s.Flush()
			}
		}
	}()
}
