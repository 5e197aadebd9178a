// Package resource tracks and enforces per-instance CPU, memory, time, disk
// and network quotas. CheckUsage is a pure comparison; RecordUsage is the
// only mutating operation and accumulates atomically under concurrent
// callers for the same instance and time bucket.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Usage is one observed snapshot of a running execution context.
type Usage struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryBytes      int64   `json:"memory_bytes"`
	ExecutionSeconds float64 `json:"execution_seconds"`
	DiskWriteBytes   int64   `json:"disk_write_bytes"`
	NetworkBytes     int64   `json:"network_bytes"`
}

// Violation carries enough detail to reconstruct the breach and compute a
// cost externally: the resource name, the limit and the observed value.
type Violation struct {
	Resource string  `json:"resource"`
	Limit    float64 `json:"limit"`
	Observed float64 `json:"observed"`
}

// CheckResult is the outcome of one quota comparison.
type CheckResult struct {
	WithinLimits bool        `json:"within_limits"`
	Violations   []Violation `json:"violations,omitempty"`
}

// CheckUsage compares an observed snapshot against the limits. Pure
// function: no side effects, no store access. Any non-zero disk write is a
// violation in every tier; plugins never persist to the host filesystem.
func CheckUsage(current Usage, limits Limits) CheckResult {
	var violations []Violation

	if current.CPUPercent > limits.CPUPercent {
		violations = append(violations, Violation{"cpu-percent", limits.CPUPercent, current.CPUPercent})
	}
	if current.MemoryBytes > limits.MemoryBytes {
		violations = append(violations, Violation{"memory-bytes", float64(limits.MemoryBytes), float64(current.MemoryBytes)})
	}
	if current.ExecutionSeconds > limits.ExecutionSeconds {
		violations = append(violations, Violation{"execution-seconds", limits.ExecutionSeconds, current.ExecutionSeconds})
	}
	if current.DiskWriteBytes > 0 {
		violations = append(violations, Violation{"disk-write-bytes", 0, float64(current.DiskWriteBytes)})
	}
	if current.NetworkBytes > limits.NetworkBytes {
		violations = append(violations, Violation{"network-bytes", float64(limits.NetworkBytes), float64(current.NetworkBytes)})
	}

	return CheckResult{WithinLimits: len(violations) == 0, Violations: violations}
}

// Limiter persists usage accumulation and records violations to the audit
// trail.
type Limiter struct {
	store store.Store
}

// NewLimiter creates a Limiter over the given store.
func NewLimiter(s store.Store) *Limiter {
	return &Limiter{store: s}
}

// RecordUsage folds a delta into the instance's current hourly bucket.
// Safe under concurrent increments: sums accumulate atomically in the store
// and the memory peak folds in as a maximum, so no update is lost.
func (l *Limiter) RecordUsage(ctx context.Context, tenantID, instanceID string, delta store.UsageDelta) error {
	return l.store.AccumulateUsage(ctx, tenantID, instanceID, time.Now().UTC(), delta)
}

// BucketUsage returns the accumulated record for the bucket containing t.
func (l *Limiter) BucketUsage(ctx context.Context, tenantID, instanceID string, t time.Time) (*store.UsageRecord, error) {
	return l.store.GetUsage(ctx, tenantID, instanceID, t)
}

// ViolationMetadata renders violations into audit entry metadata.
func ViolationMetadata(violations []Violation) map[string]string {
	meta := make(map[string]string, len(violations))
	for _, v := range violations {
		meta[v.Resource] = fmt.Sprintf("observed=%.2f limit=%.2f", v.Observed, v.Limit)
		observability.ResourceViolations.WithLabelValues(v.Resource).Inc()
	}
	return meta
}
