package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed lookup misses.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses to an existing row,
// such as appending a grant while an active grant for the same resource
// exists.
var ErrConflict = errors.New("conflict")

// Store defines the methods required for the durable storage backend.
// It covers the five persisted collections of the security core: plugin
// instances with their permissions, allowlist and usage records, plus the
// plugin-level reputation row and the append-only audit log.
type Store interface {
	// Instance operations.
	UpsertInstance(ctx context.Context, tenantID string, inst *PluginInstance) error
	GetInstance(ctx context.Context, tenantID string, instanceID string) (*PluginInstance, error)
	ListInstances(ctx context.Context, tenantID string) ([]*PluginInstance, error)
	UpdateInstanceStatus(ctx context.Context, tenantID string, instanceID string, status string) error
	// DeleteInstance removes the instance and its owned permissions,
	// allowlist entries and usage records. Audit entries are retained.
	DeleteInstance(ctx context.Context, tenantID string, instanceID string) error

	// Permission operations. History is append-only; RevokePermission marks
	// the active record revoked rather than deleting it. Appending a grant is
	// conditional: when an active grant for the same resource already exists
	// the append is refused with ErrConflict, so concurrent grants cannot
	// produce two active records.
	AppendPermission(ctx context.Context, tenantID string, rec *PermissionRecord) error
	RevokePermission(ctx context.Context, tenantID string, instanceID string, resource string, revokedBy string, at time.Time) error
	GetActivePermission(ctx context.Context, tenantID string, instanceID string, resource string) (*PermissionRecord, error)
	ListPermissions(ctx context.Context, tenantID string, instanceID string) ([]*PermissionRecord, error)

	// Allowlist operations.
	UpsertAllowlistEntry(ctx context.Context, tenantID string, entry *AllowlistEntry) error
	GetAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) (*AllowlistEntry, error)
	ListAllowlist(ctx context.Context, tenantID string, instanceID string) ([]*AllowlistEntry, error)
	DeleteAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) error
	// BumpAllowlistCounter atomically increments the request counter and
	// updates the last-request timestamp. A domain with no row gets a
	// counter-only row (IsRule false); bumping never creates or changes a
	// rule.
	BumpAllowlistCounter(ctx context.Context, tenantID string, instanceID string, domain string, at time.Time) error

	// Usage operations. AccumulateUsage must not lose updates under
	// concurrent calls for the same instance and period: sums are added
	// atomically and the memory peak is folded in as a maximum.
	AccumulateUsage(ctx context.Context, tenantID string, instanceID string, period time.Time, delta UsageDelta) error
	GetUsage(ctx context.Context, tenantID string, instanceID string, period time.Time) (*UsageRecord, error)
	ListUsage(ctx context.Context, tenantID string, instanceID string, from, to time.Time) ([]*UsageRecord, error)

	// Reputation operations. Single current row per plugin.
	UpsertReputation(ctx context.Context, rec *ReputationRecord) error
	GetReputation(ctx context.Context, pluginID string) (*ReputationRecord, error)
	// ListReputationPluginIDs enumerates every plugin with reputation state,
	// for the periodic maturity recomputation.
	ListReputationPluginIDs(ctx context.Context) ([]string, error)

	// Audit operations. AppendAudit assigns and returns a monotonically
	// increasing sequence number; entries are never mutated afterwards.
	AppendAudit(ctx context.Context, entry *AuditEntry) (int64, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Coordinator defines the shared coordination backend used for cross-node
// concerns: install deduplication locks, distributed sliding rate-limit
// windows and idempotency replay records. Redis in production, the memory
// store in tests and single-node operation.
type Coordinator interface {
	// AcquireLock attempts SET key owner NX EX ttl semantics.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	// ReleaseLock releases the lock only if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// SlideWindow records one event at time at, drops events older than
	// window and returns the resulting count plus the oldest surviving
	// event time (zero when the window is empty).
	SlideWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int64, time.Time, error)

	// Idempotency replay records.
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
