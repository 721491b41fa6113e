package monitor

import (
	"testing"

	"go.uber.org/zap"
)

func record(m *Monitor, unit string, latency int64, tokens int, success bool, confidence float64) {
	m.Record(UnitExecution{Unit: unit, LatencyMs: latency, Tokens: tokens, Success: success, Confidence: confidence})
}

func TestWindowEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	m := New(cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		record(m, "rates", int64(100+i), 10, true, 0.9)
	}

	stats, ok := m.UnitStats("rates")
	if !ok {
		t.Fatal("expected stats")
	}
	if stats.Count != 3 {
		t.Errorf("got count %d, want 3", stats.Count)
	}
	// Only the last three latencies (102, 103, 104) remain.
	if stats.MeanLatencyMs != 103 {
		t.Errorf("got mean %f, want 103", stats.MeanLatencyMs)
	}
	if stats.TotalTokens != 30 {
		t.Errorf("got tokens %d, want 30", stats.TotalTokens)
	}
}

func TestUnitStatsAggregates(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())

	for i := 0; i < 99; i++ {
		record(m, "load_details", 100, 50, true, 0.8)
	}
	record(m, "load_details", 10000, 50, false, 0)
	m.Record(UnitExecution{Unit: "load_details", LatencyMs: 1, Success: true, CacheHit: true})

	stats, _ := m.UnitStats("load_details")
	if stats.Count != 101 {
		t.Fatalf("got count %d, want 101", stats.Count)
	}
	if stats.SuccessRate < 0.98 || stats.SuccessRate > 1.0 {
		t.Errorf("got success rate %f", stats.SuccessRate)
	}
	if stats.P99LatencyMs < 100 {
		t.Errorf("got p99 %f, want at least 100", stats.P99LatencyMs)
	}
	if stats.P95LatencyMs > stats.P99LatencyMs {
		t.Errorf("p95 %f exceeds p99 %f", stats.P95LatencyMs, stats.P99LatencyMs)
	}
	if stats.CacheHitRate == 0 {
		t.Error("cache hit rate should be non-zero")
	}
	// Failed and cache-hit records carry no confidence; the average must
	// come from the scored ones only.
	if stats.AvgConfidence < 0.79 || stats.AvgConfidence > 0.81 {
		t.Errorf("got avg confidence %f, want ~0.8", stats.AvgConfidence)
	}
}

func TestEstimatedCost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostPer1KTokens = 0.01
	m := New(cfg, zap.NewNop())

	record(m, "summary", 100, 2000, true, 0.9)

	stats, _ := m.UnitStats("summary")
	if stats.EstimatedCost != 0.02 {
		t.Errorf("got cost %f, want 0.02", stats.EstimatedCost)
	}
}

func TestHealthTransitions(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())
	if got := m.Health(); got != HealthHealthy {
		t.Errorf("empty monitor: got %s, want healthy", got)
	}

	for i := 0; i < 100; i++ {
		record(m, "rates", 100, 10, true, 0.9)
	}
	if got := m.Health(); got != HealthHealthy {
		t.Errorf("got %s, want healthy", got)
	}

	// Push the error rate past the degraded threshold (0.05) but below
	// critical (0.15).
	for i := 0; i < 10; i++ {
		record(m, "rates", 100, 10, false, 0)
	}
	if got := m.Health(); got != HealthDegraded {
		t.Errorf("got %s, want degraded", got)
	}

	for i := 0; i < 20; i++ {
		record(m, "rates", 100, 10, false, 0)
	}
	if got := m.Health(); got != HealthCritical {
		t.Errorf("got %s, want critical", got)
	}
}

func TestRecommendationsPriorityOrder(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())

	// System-wide critical error rate plus one unit with low success.
	for i := 0; i < 70; i++ {
		record(m, "rates", 100, 10, true, 0.9)
	}
	for i := 0; i < 30; i++ {
		record(m, "rates", 100, 10, false, 0)
	}

	recs := m.Recommendations()
	if len(recs) == 0 {
		t.Fatal("expected recommendations")
	}
	if recs[0].Unit != "" {
		t.Errorf("first recommendation should be system-wide, got unit %q", recs[0].Unit)
	}
	for i, r := range recs {
		if r.Priority != i+1 {
			t.Errorf("recs[%d].Priority = %d, want %d", i, r.Priority, i+1)
		}
	}

	var unitFlagged bool
	for _, r := range recs {
		if r.Unit == "rates" {
			unitFlagged = true
		}
	}
	if !unitFlagged {
		t.Error("rates should be flagged for low success rate")
	}
}

func TestRecommendationsQuietWhenHealthy(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())
	for i := 0; i < 100; i++ {
		record(m, "rates", 100, 10, true, 0.9)
	}
	if recs := m.Recommendations(); len(recs) != 0 {
		t.Errorf("healthy system should yield no recommendations, got %v", recs)
	}
}

func TestUnknownUnitStats(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())
	if _, ok := m.UnitStats("ghost"); ok {
		t.Error("unknown unit should report absent")
	}
}
