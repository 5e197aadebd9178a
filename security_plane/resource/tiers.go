package resource

import "fmt"

// Tier names.
const (
	TierLow  = "low"
	TierMid  = "mid"
	TierHigh = "high"
)

// Limits is the quota set applied to one plugin instance. DiskWriteBytes is
// absent on purpose: the execution filesystem is read-only in every tier and
// any observed disk write is a violation regardless of tier.
type Limits struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryBytes      int64   `json:"memory_bytes"`
	ExecutionSeconds float64 `json:"execution_seconds"`
	NetworkBytes     int64   `json:"network_bytes"`
}

// tierTable holds the illustrative defaults for the three tiers.
var tierTable = map[string]Limits{
	TierLow: {
		CPUPercent:       25,
		MemoryBytes:      128 << 20,
		ExecutionSeconds: 30,
		NetworkBytes:     10 << 20,
	},
	TierMid: {
		CPUPercent:       50,
		MemoryBytes:      256 << 20,
		ExecutionSeconds: 60,
		NetworkBytes:     50 << 20,
	},
	TierHigh: {
		CPUPercent:       80,
		MemoryBytes:      512 << 20,
		ExecutionSeconds: 120,
		NetworkBytes:     200 << 20,
	},
}

// LimitsForTier returns the quota set for a tier name.
func LimitsForTier(tier string) (Limits, error) {
	l, ok := tierTable[tier]
	if !ok {
		return Limits{}, fmt.Errorf("unknown resource tier %q", tier)
	}
	return l, nil
}
