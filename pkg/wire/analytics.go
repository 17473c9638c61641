package wire

// MetricCategory groups metrics for query surfaces.
type MetricCategory string

const (
	CategoryEngagement  MetricCategory = "engagement"
	CategoryPerformance MetricCategory = "performance"
	CategoryRevenue     MetricCategory = "revenue"
	CategoryUsage       MetricCategory = "usage"
	CategorySystem      MetricCategory = "system"
)

// MetricUpdate is one incoming measurement. Deltas against the previous
// cached value are computed client-side on flush, not on the wire.
type MetricUpdate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Value     float64        `json:"value"`
	Unit      string         `json:"unit,omitempty"`
	Category  MetricCategory `json:"category,omitempty"`
	Timestamp int64          `json:"ts,omitempty"`
}

// AnalyticsBatchPayload coalesces metric updates into one frame.
type AnalyticsBatchPayload struct {
	Updates []MetricUpdate `json:"updates"`
}

// ChartType selects how a chart renders its series.
type ChartType string

const (
	ChartLine  ChartType = "line"
	ChartBar   ChartType = "bar"
	ChartPie   ChartType = "pie"
	ChartArea  ChartType = "area"
	ChartGauge ChartType = "gauge"
)

// Valid reports whether t is a known chart type.
func (t ChartType) Valid() bool {
	switch t {
	case ChartLine, ChartBar, ChartPie, ChartArea, ChartGauge:
		return true
	}
	return false
}

// ChartConfig describes one dashboard chart over a set of metrics.
type ChartConfig struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Type      ChartType `json:"type"`
	MetricIDs []string  `json:"metric_ids"`
	RangeMs   int64     `json:"range_ms,omitempty"`
	UpdatedMs int64     `json:"updated_ms,omitempty"`
}

// ChartPoint is one sample on a chart series.
type ChartPoint struct {
	TsMs  int64   `json:"ts"`
	Value float64 `json:"value"`
	Label string  `json:"label,omitempty"`
}
