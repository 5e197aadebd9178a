package reputation

import (
	"testing"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCalculateIdempotent(t *testing.T) {
	signals := Signals{
		InstallCount:     1234,
		ExecutionCount:   500,
		ErrorCount:       13,
		RatingSum:        240,
		RatingCount:      60,
		PublisherTrusted: true,
		PublishedAt:      testNow.AddDate(0, -8, 0),
		Scans: []store.ScanRecord{
			{At: testNow.AddDate(0, 0, -2), Clean: true, Score: 100},
			{At: testNow.AddDate(0, -3, 0), Clean: false, Score: 40},
		},
		Now: testNow,
	}

	first := Calculate(signals)
	for i := 0; i < 10; i++ {
		if got := Calculate(signals); got != first {
			t.Fatalf("identical snapshots produced different scores: %+v vs %+v", first, got)
		}
	}
}

func TestCalculateCaps(t *testing.T) {
	// Saturate every signal: each sub-score must stay at its cap and the
	// total must not exceed 100.
	sc := Calculate(Signals{
		InstallCount:     10_000_000,
		ExecutionCount:   1_000_000,
		ErrorCount:       0,
		RatingSum:        5_000_000,
		RatingCount:      1_000_000,
		PublisherTrusted: true,
		PublishedAt:      testNow.AddDate(-10, 0, 0),
		Scans: []store.ScanRecord{
			{At: testNow, Clean: true, Score: 100},
		},
		Now: testNow,
	})

	if sc.Popularity != 25 {
		t.Errorf("popularity cap: got %v", sc.Popularity)
	}
	if sc.Reliability != 15 {
		t.Errorf("reliability cap: got %v", sc.Reliability)
	}
	if sc.Rating != 10 {
		t.Errorf("rating cap: got %v", sc.Rating)
	}
	if sc.ScanHistory != 15 {
		t.Errorf("scan history cap: got %v", sc.ScanHistory)
	}
	if sc.Publisher != 10 {
		t.Errorf("publisher cap: got %v", sc.Publisher)
	}
	if sc.Maturity != 25 {
		t.Errorf("maturity cap: got %v", sc.Maturity)
	}
	if sc.Total != 100 {
		t.Errorf("total: got %v", sc.Total)
	}
}

func TestCalculateZeroSignals(t *testing.T) {
	sc := Calculate(Signals{Now: testNow})

	if sc.Popularity != 0 {
		t.Errorf("no installs should score 0 popularity, got %v", sc.Popularity)
	}
	// No execution history and no ratings fall to midpoints, not extremes.
	if sc.Reliability != 7.5 {
		t.Errorf("expected reliability midpoint 7.5, got %v", sc.Reliability)
	}
	if sc.Rating != 5 {
		t.Errorf("expected rating midpoint 5, got %v", sc.Rating)
	}
	if sc.ScanHistory != 0 {
		t.Errorf("no scans is no evidence, got %v", sc.ScanHistory)
	}
	if sc.Publisher != 2 {
		t.Errorf("untrusted publisher floor: got %v", sc.Publisher)
	}
	if sc.Maturity != 0 {
		t.Errorf("unknown age: got %v", sc.Maturity)
	}
}

func TestReliabilityDecaysWithErrorRate(t *testing.T) {
	base := Signals{ExecutionCount: 1000, Now: testNow}

	clean := Calculate(base)
	base.ErrorCount = 100
	some := Calculate(base)
	base.ErrorCount = 500
	many := Calculate(base)

	if !(clean.Reliability > some.Reliability && some.Reliability > many.Reliability) {
		t.Errorf("reliability not monotonic: %v, %v, %v", clean.Reliability, some.Reliability, many.Reliability)
	}
	// Quadratic decay: a 50% error rate costs more than half the cap.
	if many.Reliability >= capReliability/2 {
		t.Errorf("expected quadratic penalty, got %v", many.Reliability)
	}
}

func TestRecentScansOutweighStale(t *testing.T) {
	recentClean := Calculate(Signals{
		Scans: []store.ScanRecord{
			{At: testNow.AddDate(0, 0, -1), Clean: true},
			{At: testNow.AddDate(0, -6, 0), Clean: false},
		},
		Now: testNow,
	})
	recentDirty := Calculate(Signals{
		Scans: []store.ScanRecord{
			{At: testNow.AddDate(0, 0, -1), Clean: false},
			{At: testNow.AddDate(0, -6, 0), Clean: true},
		},
		Now: testNow,
	})

	if recentClean.ScanHistory <= recentDirty.ScanHistory {
		t.Errorf("recent clean scan should outweigh stale one: %v vs %v",
			recentClean.ScanHistory, recentDirty.ScanHistory)
	}
}

func TestMaturityMonotonic(t *testing.T) {
	published := testNow.AddDate(0, -6, 0)
	younger := Calculate(Signals{PublishedAt: published, Now: testNow})
	older := Calculate(Signals{PublishedAt: published, Now: testNow.AddDate(0, 3, 0)})

	if older.Maturity < younger.Maturity {
		t.Errorf("maturity decreased with age: %v -> %v", younger.Maturity, older.Maturity)
	}
}

func TestLevelMapping(t *testing.T) {
	tests := []struct {
		score float64
		level string
	}{
		{95, LevelVerified},
		{90, LevelVerified},
		{89.99, LevelTrusted},
		{70, LevelTrusted},
		{69, LevelReliable},
		{50, LevelReliable},
		{49, LevelNew},
		{30, LevelNew},
		{29.5, LevelUntrusted},
		{0, LevelUntrusted},
	}
	for _, tt := range tests {
		if got := Level(tt.score); got != tt.level {
			t.Errorf("Level(%v): expected %s, got %s", tt.score, tt.level, got)
		}
	}
}
