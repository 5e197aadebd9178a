package store

import (
	"time"
)

// Instance lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// PluginInstance is one tenant's installation of a specific plugin version.
// It is the aggregate root: permissions, allowlist entries and usage records
// are scoped to exactly one instance and removed with it. Audit history is
// retained independently.
type PluginInstance struct {
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	PluginID    string    `json:"plugin_id" db:"plugin_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Version     string    `json:"version" db:"version"`
	Category    string    `json:"category" db:"category"`
	Tier        string    `json:"tier" db:"tier"` // "low", "mid", "high"
	Status      string    `json:"status" db:"status"`
	ChecksumHex string    `json:"checksum_hex" db:"checksum_hex"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// PermissionRecord is one capability grant or revocation. Records are
// append-only: revoking writes the revoker onto the active record but the
// row itself is never deleted, preserving the full grant history.
type PermissionRecord struct {
	RecordID   string     `json:"record_id" db:"record_id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	InstanceID string     `json:"instance_id" db:"instance_id"`
	Resource   string     `json:"resource" db:"resource"`
	Granted    bool       `json:"granted" db:"granted"`
	GrantedBy  string     `json:"granted_by" db:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at" db:"granted_at"`
	RevokedBy  string     `json:"revoked_by,omitempty" db:"revoked_by"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Active reports whether the record is a live grant.
func (p *PermissionRecord) Active() bool {
	return p.Granted && p.RevokedAt == nil
}

// AllowlistEntry is one outbound-domain row for one plugin instance.
// Domain may be exact ("api.example.com") or a wildcard ("*.example.com").
// Rows with IsRule false are counter-only: they track attempt volume for
// domains without an exact rule and carry no allow/deny meaning.
type AllowlistEntry struct {
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	InstanceID    string    `json:"instance_id" db:"instance_id"`
	Domain        string    `json:"domain" db:"domain"`
	Allowed       bool      `json:"allowed" db:"allowed"`
	IsRule        bool      `json:"is_rule" db:"is_rule"`
	RequestCount  int64     `json:"request_count" db:"request_count"`
	LastRequestAt time.Time `json:"last_request_at" db:"last_request_at"`
}

// UsageRecord accumulates resource consumption for one instance within one
// fixed time bucket. Period is the bucket start truncated to the hour.
type UsageRecord struct {
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	InstanceID        string    `json:"instance_id" db:"instance_id"`
	Period            time.Time `json:"period" db:"period"`
	CPUPercentSeconds float64   `json:"cpu_percent_seconds" db:"cpu_percent_seconds"`
	MemoryPeakBytes   int64     `json:"memory_peak_bytes" db:"memory_peak_bytes"`
	ExecutionSeconds  float64   `json:"execution_seconds" db:"execution_seconds"`
	DiskWriteBytes    int64     `json:"disk_write_bytes" db:"disk_write_bytes"`
	NetworkBytes      int64     `json:"network_bytes" db:"network_bytes"`
}

// UsageDelta is one increment applied to a usage bucket. MemoryPeakBytes is
// folded in as a maximum, everything else is summed.
type UsageDelta struct {
	CPUPercentSeconds float64
	MemoryPeakBytes   int64
	ExecutionSeconds  float64
	DiskWriteBytes    int64
	NetworkBytes      int64
}

// ScanRecord is one completed security scan kept in the reputation signal
// history. Recent clean scans weigh more than stale ones.
type ScanRecord struct {
	At    time.Time `json:"at"`
	Clean bool      `json:"clean"`
	Score float64   `json:"score"`
}

// ReputationRecord is the single current reputation row per plugin: the raw
// signal accumulators plus the last computed score. Global to the plugin,
// not per instance.
type ReputationRecord struct {
	PluginID         string       `json:"plugin_id" db:"plugin_id"`
	InstallCount     int64        `json:"install_count" db:"install_count"`
	ExecutionCount   int64        `json:"execution_count" db:"execution_count"`
	ErrorCount       int64        `json:"error_count" db:"error_count"`
	RatingSum        float64      `json:"rating_sum" db:"rating_sum"`
	RatingCount      int64        `json:"rating_count" db:"rating_count"`
	Scans            []ScanRecord `json:"scans" db:"scans"` // JSONB in Postgres
	PublisherTrusted bool         `json:"publisher_trusted" db:"publisher_trusted"`
	PublishedAt      time.Time    `json:"published_at" db:"published_at"`

	Score        float64   `json:"score" db:"score"`
	Popularity   float64   `json:"popularity" db:"popularity"`
	Reliability  float64   `json:"reliability" db:"reliability"`
	Rating       float64   `json:"rating" db:"rating"`
	ScanHistory  float64   `json:"scan_history" db:"scan_history"`
	Publisher    float64   `json:"publisher" db:"publisher"`
	Maturity     float64   `json:"maturity" db:"maturity"`
	CalculatedAt time.Time `json:"calculated_at" db:"calculated_at"`
}

// Audit categories.
const (
	AuditCodeAnalysis    = "code-analysis"
	AuditPermissionCheck = "permission-check"
	AuditNetworkBlock    = "network-block"
	AuditResourceLimit   = "resource-limit"
	AuditSignatureVerify = "signature-verify"
	AuditInstall         = "install"
	AuditExecution       = "execution"
)

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// AuditEntry is one append-only log row. Seq is assigned by the store at
// write time, monotonically increasing and never reused; entries are never
// updated or deleted.
type AuditEntry struct {
	Seq        int64             `json:"seq" db:"seq"`
	EntryID    string            `json:"entry_id" db:"entry_id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	InstanceID string            `json:"instance_id,omitempty" db:"instance_id"` // empty for plugin-level entries
	PluginID   string            `json:"plugin_id,omitempty" db:"plugin_id"`
	Category   string            `json:"category" db:"category"`
	Severity   string            `json:"severity" db:"severity"`
	Message    string            `json:"message" db:"message"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"` // JSONB in Postgres
	Timestamp  time.Time         `json:"timestamp" db:"timestamp"`
}

// AuditFilter selects audit entries for the read-only query surface.
// Zero values mean "no constraint". Results are returned in per-instance
// chronological (sequence) order.
type AuditFilter struct {
	TenantID   string
	InstanceID string
	PluginID   string
	Category   string
	Severity   string
	From       time.Time
	To         time.Time
	AfterSeq   int64 // pagination cursor: entries with Seq > AfterSeq
	Limit      int
}
