// Package reputation aggregates install volume, error rate, ratings, scan
// history, publisher trust and age into a 0-100 trust score per plugin.
// The calculation is a pure function over a signal snapshot; all updates go
// through the single writer path in Tracker so the capped-sub-score and
// idempotence invariants are enforced in one place.
package reputation

import (
	"math"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Sub-score caps.
const (
	capPopularity  = 25.0
	capReliability = 15.0
	capRating      = 10.0
	capScanHistory = 15.0
	capPublisher   = 10.0
	capMaturity    = 25.0
)

// Display levels derived from the final score. Pure mapping, never stored.
const (
	LevelVerified  = "verified"  // >= 90
	LevelTrusted   = "trusted"   // >= 70
	LevelReliable  = "reliable"  // >= 50
	LevelNew       = "new"       // >= 30
	LevelUntrusted = "untrusted" // below
)

// Signals is one immutable snapshot of everything the score derives from.
// Now is part of the snapshot so recomputing with an identical snapshot
// yields an identical score.
type Signals struct {
	InstallCount     int64
	ExecutionCount   int64
	ErrorCount       int64
	RatingSum        float64
	RatingCount      int64
	Scans            []store.ScanRecord
	PublisherTrusted bool
	PublishedAt      time.Time
	Now              time.Time
}

// Score is the computed trust value with its six sub-scores.
type Score struct {
	Total       float64 `json:"total"`
	Popularity  float64 `json:"popularity"`
	Reliability float64 `json:"reliability"`
	Rating      float64 `json:"rating"`
	ScanHistory float64 `json:"scan_history"`
	Publisher   float64 `json:"publisher"`
	Maturity    float64 `json:"maturity"`
}

// Level maps a total score to its display level.
func Level(total float64) string {
	switch {
	case total >= 90:
		return LevelVerified
	case total >= 70:
		return LevelTrusted
	case total >= 50:
		return LevelReliable
	case total >= 30:
		return LevelNew
	default:
		return LevelUntrusted
	}
}

// Calculate computes the score from a signal snapshot. Pure and idempotent:
// identical snapshots always produce identical scores.
func Calculate(s Signals) Score {
	sc := Score{
		Popularity:  popularity(s.InstallCount),
		Reliability: reliability(s.ErrorCount, s.ExecutionCount),
		Rating:      rating(s.RatingSum, s.RatingCount),
		ScanHistory: scanHistory(s.Scans, s.Now),
		Publisher:   publisher(s.PublisherTrusted),
		Maturity:    maturity(s.PublishedAt, s.Now),
	}
	sc.Total = round2(sc.Popularity + sc.Reliability + sc.Rating + sc.ScanHistory + sc.Publisher + sc.Maturity)
	if sc.Total > 100 {
		sc.Total = 100
	}
	if sc.Total < 0 {
		sc.Total = 0
	}
	return sc
}

// popularity grows logarithmically with install count: 10 installs score
// about 8, 1000 about 24, then the cap flattens everything beyond.
func popularity(installs int64) float64 {
	if installs <= 0 {
		return 0
	}
	return round2(math.Min(capPopularity, 8*math.Log10(float64(installs)+1)))
}

// reliability decays quadratically with the error rate so early failures
// cost more than the linear share they represent.
func reliability(errors, executions int64) float64 {
	if executions <= 0 {
		// No execution history yet: full reliability would overstate
		// trust, zero would punish new plugins. Midpoint.
		return round2(capReliability / 2)
	}
	rate := float64(errors) / float64(executions)
	if rate > 1 {
		rate = 1
	}
	healthy := 1 - rate
	return round2(capReliability * healthy * healthy)
}

func rating(sum float64, count int64) float64 {
	if count <= 0 {
		return round2(capRating / 2)
	}
	avg := sum / float64(count)
	if avg < 0 {
		avg = 0
	}
	if avg > 5 {
		avg = 5
	}
	return round2(capRating * avg / 5)
}

// scanHistory weighs each scan by exp(-age/30d) so recent clean scans
// dominate stale ones. No scans at all score zero: an unscanned plugin has
// no evidence in its favor.
func scanHistory(scans []store.ScanRecord, now time.Time) float64 {
	if len(scans) == 0 {
		return 0
	}
	var weighted, total float64
	for _, scan := range scans {
		ageDays := now.Sub(scan.At).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		w := math.Exp(-ageDays / 30)
		total += w
		if scan.Clean {
			weighted += w
		}
	}
	if total == 0 {
		return 0
	}
	return round2(capScanHistory * weighted / total)
}

func publisher(trusted bool) float64 {
	if trusted {
		return capPublisher
	}
	return 2
}

// maturity grows linearly with calendar age up to its cap at one year, then
// plateaus. Monotonic: an age tick can only raise it.
func maturity(publishedAt, now time.Time) float64 {
	if publishedAt.IsZero() || !publishedAt.Before(now) {
		return 0
	}
	ageDays := now.Sub(publishedAt).Hours() / 24
	return round2(math.Min(capMaturity, capMaturity*ageDays/365))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
