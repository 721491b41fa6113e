// Package monitor aggregates per-unit execution records into rolling
// statistics, a derived system health, and optimization recommendations.
// One Monitor instance serves the whole process; writes are serialized,
// reads return point-in-time snapshots.
package monitor

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Health is the derived system classification.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Thresholds configure the health derivation; they are configuration, not
// hard-coded policy.
type Thresholds struct {
	WarnErrorRate         float64 `json:"warn_error_rate"`
	CriticalErrorRate     float64 `json:"critical_error_rate"`
	WarnP95LatencyMs      float64 `json:"warn_p95_latency_ms"`
	CriticalP95LatencyMs  float64 `json:"critical_p95_latency_ms"`
	LowSuccessRate        float64 `json:"low_success_rate"`
	LowAverageConfidence  float64 `json:"low_average_confidence"`
}

// Config configures the monitor.
type Config struct {
	WindowSize      int        `json:"window_size"` // per-unit raw record cap
	CostPer1KTokens float64    `json:"cost_per_1k_tokens"`
	Thresholds      Thresholds `json:"thresholds"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      500,
		CostPer1KTokens: 0.003,
		Thresholds: Thresholds{
			WarnErrorRate:        0.05,
			CriticalErrorRate:    0.15,
			WarnP95LatencyMs:     5000,
			CriticalP95LatencyMs: 15000,
			LowSuccessRate:       0.8,
			LowAverageConfidence: 0.5,
		},
	}
}

// UnitExecution is one raw per-unit execution record.
type UnitExecution struct {
	Unit       string    `json:"unit"`
	LatencyMs  int64     `json:"latency_ms"`
	Tokens     int       `json:"tokens"`
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	CacheHit   bool      `json:"cache_hit"`
	At         time.Time `json:"at"`
}

// UnitStats are rolling aggregates computed on demand from the raw window;
// they are derived, never directly mutated.
type UnitStats struct {
	Unit          string  `json:"unit"`
	Count         int     `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	AvgConfidence float64 `json:"avg_confidence"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// SystemStats aggregate across all units.
type SystemStats struct {
	Count         int     `json:"count"`
	ErrorRate     float64 `json:"error_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	Health        Health  `json:"health"`
}

// Recommendation is one remediation suggestion derived from the aggregates.
type Recommendation struct {
	Priority   int    `json:"priority"`
	Unit       string `json:"unit,omitempty"` // empty for system-wide
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
}

// Monitor is the process-wide metrics sink.
type Monitor struct {
	cfg     Config
	mu      sync.RWMutex
	windows map[string][]UnitExecution
	logger  *zap.Logger
}

// New creates a monitor with the given configuration.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Monitor{
		cfg:     cfg,
		windows: make(map[string][]UnitExecution),
		logger:  logger,
	}
}

// Thresholds returns the configured health thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.cfg.Thresholds
}

// Record ingests one execution record, evicting the oldest entry once the
// unit's window is full.
func (m *Monitor) Record(rec UnitExecution) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := append(m.windows[rec.Unit], rec)
	if len(w) > m.cfg.WindowSize {
		w = w[len(w)-m.cfg.WindowSize:]
	}
	m.windows[rec.Unit] = w
}

// UnitStats computes rolling aggregates for one unit.
func (m *Monitor) UnitStats(unit string) (UnitStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[unit]
	if !ok || len(w) == 0 {
		return UnitStats{}, false
	}
	return m.computeStats(unit, w), true
}

// Stats computes aggregates for every unit with recorded executions.
func (m *Monitor) Stats() map[string]UnitStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]UnitStats, len(m.windows))
	for unit, w := range m.windows {
		if len(w) == 0 {
			continue
		}
		out[unit] = m.computeStats(unit, w)
	}
	return out
}

// SystemStats aggregates across all units and derives the health
// classification.
func (m *Monitor) SystemStats() SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		all       []int64
		failures  int
		totalLat  int64
		tokens    int
		count     int
	)
	for _, w := range m.windows {
		for _, rec := range w {
			count++
			all = append(all, rec.LatencyMs)
			totalLat += rec.LatencyMs
			tokens += rec.Tokens
			if !rec.Success {
				failures++
			}
		}
	}

	stats := SystemStats{Count: count, TotalTokens: tokens, Health: HealthHealthy}
	if count == 0 {
		return stats
	}
	stats.ErrorRate = float64(failures) / float64(count)
	stats.MeanLatencyMs = float64(totalLat) / float64(count)
	stats.P95LatencyMs = percentile(all, 0.95)
	stats.EstimatedCost = float64(tokens) / 1000 * m.cfg.CostPer1KTokens

	t := m.cfg.Thresholds
	switch {
	case stats.ErrorRate >= t.CriticalErrorRate || stats.P95LatencyMs >= t.CriticalP95LatencyMs:
		stats.Health = HealthCritical
	case stats.ErrorRate >= t.WarnErrorRate || stats.P95LatencyMs >= t.WarnP95LatencyMs:
		stats.Health = HealthDegraded
	}
	return stats
}

// Health returns the current derived classification.
func (m *Monitor) Health() Health {
	return m.SystemStats().Health
}

// Recommendations scans the aggregates against fixed rules. Priorities are
// assigned in firing order, system-wide issues first.
func (m *Monitor) Recommendations() []Recommendation {
	sys := m.SystemStats()
	stats := m.Stats()
	t := m.cfg.Thresholds

	var recs []Recommendation
	priority := 0
	add := func(unit, issue, suggestion string) {
		priority++
		recs = append(recs, Recommendation{Priority: priority, Unit: unit, Issue: issue, Suggestion: suggestion})
	}

	if sys.ErrorRate >= t.CriticalErrorRate {
		add("", "system error rate above critical threshold", "check provider availability and consider pausing rollout")
	}
	if sys.P95LatencyMs >= t.CriticalP95LatencyMs {
		add("", "system p95 latency above critical threshold", "reduce parallel pool pressure or switch to a faster model")
	}

	units := make([]string, 0, len(stats))
	for unit := range stats {
		units = append(units, unit)
	}
	sort.Strings(units)

	for _, unit := range units {
		s := stats[unit]
		if s.P95LatencyMs >= t.CriticalP95LatencyMs {
			add(unit, "p95 latency above critical threshold", "reduce prompt size or extraction complexity")
		}
		if s.SuccessRate < t.LowSuccessRate {
			add(unit, "success rate below threshold", "review retry policy and error handling")
		}
		if s.Count >= 20 && s.AvgConfidence > 0 && s.AvgConfidence < t.LowAverageConfidence {
			add(unit, "average confidence low", "tighten the output schema or prompt examples")
		}
	}
	return recs
}

func (m *Monitor) computeStats(unit string, w []UnitExecution) UnitStats {
	var (
		latencies  = make([]int64, 0, len(w))
		successes  int
		totalLat   int64
		confSum    float64
		confCount  int
		cacheHits  int
		tokens     int
	)
	for _, rec := range w {
		latencies = append(latencies, rec.LatencyMs)
		totalLat += rec.LatencyMs
		tokens += rec.Tokens
		if rec.Success {
			successes++
		}
		if rec.Confidence > 0 {
			confSum += rec.Confidence
			confCount++
		}
		if rec.CacheHit {
			cacheHits++
		}
	}

	stats := UnitStats{
		Unit:          unit,
		Count:         len(w),
		SuccessRate:   float64(successes) / float64(len(w)),
		MeanLatencyMs: float64(totalLat) / float64(len(w)),
		P95LatencyMs:  percentile(latencies, 0.95),
		P99LatencyMs:  percentile(latencies, 0.99),
		CacheHitRate:  float64(cacheHits) / float64(len(w)),
		TotalTokens:   tokens,
		EstimatedCost: float64(tokens) / 1000 * m.cfg.CostPer1KTokens,
	}
	if confCount > 0 {
		stats.AvgConfidence = confSum / float64(confCount)
	}
	return stats
}

// percentile computes the q-th percentile over a copy of the samples.
func percentile(samples []int64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted))*q+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}
