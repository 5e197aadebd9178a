package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend. It is the
// durable home of the five security collections; the audit table uses a
// BIGSERIAL sequence so concurrent writers can never observe reused or
// reordered sequence numbers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Instance Operations ---

func (s *PostgresStore) UpsertInstance(ctx context.Context, tenantID string, inst *PluginInstance) error {
	inst.TenantID = tenantID
	query := `
		INSERT INTO plugin_instances (instance_id, tenant_id, plugin_id, version, category, tier, status, checksum_hex, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			version = EXCLUDED.version,
			category = EXCLUDED.category,
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			checksum_hex = EXCLUDED.checksum_hex,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		inst.InstanceID, inst.TenantID, inst.PluginID, inst.Version,
		inst.Category, inst.Tier, inst.Status, inst.ChecksumHex,
	)
	return err
}

func (s *PostgresStore) GetInstance(ctx context.Context, tenantID string, instanceID string) (*PluginInstance, error) {
	query := `
		SELECT instance_id, tenant_id, plugin_id, version, category, tier, status, checksum_hex, created_at, updated_at
		FROM plugin_instances WHERE instance_id = $1 AND tenant_id = $2
	`
	var inst PluginInstance
	err := s.pool.QueryRow(ctx, query, instanceID, tenantID).Scan(
		&inst.InstanceID, &inst.TenantID, &inst.PluginID, &inst.Version,
		&inst.Category, &inst.Tier, &inst.Status, &inst.ChecksumHex,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, tenantID string) ([]*PluginInstance, error) {
	query := `
		SELECT instance_id, tenant_id, plugin_id, version, category, tier, status, checksum_hex, created_at, updated_at
		FROM plugin_instances WHERE tenant_id = $1 ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*PluginInstance
	for rows.Next() {
		var inst PluginInstance
		if err := rows.Scan(
			&inst.InstanceID, &inst.TenantID, &inst.PluginID, &inst.Version,
			&inst.Category, &inst.Tier, &inst.Status, &inst.ChecksumHex,
			&inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, tenantID string, instanceID string, status string) error {
	query := `UPDATE plugin_instances SET status = $1, updated_at = NOW() WHERE instance_id = $2 AND tenant_id = $3`
	tag, err := s.pool.Exec(ctx, query, status, instanceID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, tenantID string, instanceID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Owned records cascade; audit_entries deliberately do not.
	for _, q := range []string{
		`DELETE FROM permission_records WHERE instance_id = $1 AND tenant_id = $2`,
		`DELETE FROM allowlist_entries WHERE instance_id = $1 AND tenant_id = $2`,
		`DELETE FROM usage_records WHERE instance_id = $1 AND tenant_id = $2`,
	} {
		if _, err := tx.Exec(ctx, q, instanceID, tenantID); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM plugin_instances WHERE instance_id = $1 AND tenant_id = $2`, instanceID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// --- Permission Operations ---

func (s *PostgresStore) AppendPermission(ctx context.Context, tenantID string, rec *PermissionRecord) error {
	rec.TenantID = tenantID
	// The partial unique index
	//   UNIQUE (tenant_id, instance_id, resource) WHERE revoked_at IS NULL
	// makes the insert conditional: a racing grant for the same resource
	// inserts nothing and surfaces ErrConflict.
	query := `
		INSERT INTO permission_records (record_id, tenant_id, instance_id, resource, granted, granted_by, granted_at, revoked_by, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, instance_id, resource) WHERE revoked_at IS NULL DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		rec.RecordID, rec.TenantID, rec.InstanceID, rec.Resource,
		rec.Granted, rec.GrantedBy, rec.GrantedAt, rec.RevokedBy, rec.RevokedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) RevokePermission(ctx context.Context, tenantID string, instanceID string, resource string, revokedBy string, at time.Time) error {
	query := `
		UPDATE permission_records
		SET revoked_by = $1, revoked_at = $2
		WHERE tenant_id = $3 AND instance_id = $4 AND resource = $5 AND granted AND revoked_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, revokedBy, at, tenantID, instanceID, resource)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetActivePermission(ctx context.Context, tenantID string, instanceID string, resource string) (*PermissionRecord, error) {
	// The partial unique index backing AppendPermission keeps this O(1)
	// relative to grant history and guarantees at most one matching row.
	query := `
		SELECT record_id, tenant_id, instance_id, resource, granted, granted_by, granted_at, revoked_by, revoked_at
		FROM permission_records
		WHERE tenant_id = $1 AND instance_id = $2 AND resource = $3 AND granted AND revoked_at IS NULL
		ORDER BY granted_at DESC LIMIT 1
	`
	var rec PermissionRecord
	err := s.pool.QueryRow(ctx, query, tenantID, instanceID, resource).Scan(
		&rec.RecordID, &rec.TenantID, &rec.InstanceID, &rec.Resource,
		&rec.Granted, &rec.GrantedBy, &rec.GrantedAt, &rec.RevokedBy, &rec.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) ListPermissions(ctx context.Context, tenantID string, instanceID string) ([]*PermissionRecord, error) {
	query := `
		SELECT record_id, tenant_id, instance_id, resource, granted, granted_by, granted_at, revoked_by, revoked_at
		FROM permission_records WHERE tenant_id = $1 AND instance_id = $2 ORDER BY granted_at
	`
	rows, err := s.pool.Query(ctx, query, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*PermissionRecord
	for rows.Next() {
		var rec PermissionRecord
		if err := rows.Scan(
			&rec.RecordID, &rec.TenantID, &rec.InstanceID, &rec.Resource,
			&rec.Granted, &rec.GrantedBy, &rec.GrantedAt, &rec.RevokedBy, &rec.RevokedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// --- Allowlist Operations ---

func (s *PostgresStore) UpsertAllowlistEntry(ctx context.Context, tenantID string, entry *AllowlistEntry) error {
	entry.TenantID = tenantID
	entry.IsRule = true
	// Writing a rule over a counter-only row promotes it, keeping the counters.
	query := `
		INSERT INTO allowlist_entries (tenant_id, instance_id, domain, allowed, is_rule, request_count, last_request_at)
		VALUES ($1, $2, lower($3), $4, true, 0, to_timestamp(0))
		ON CONFLICT (tenant_id, instance_id, domain) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			is_rule = true
	`
	_, err := s.pool.Exec(ctx, query, entry.TenantID, entry.InstanceID, entry.Domain, entry.Allowed)
	return err
}

func (s *PostgresStore) GetAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) (*AllowlistEntry, error) {
	query := `
		SELECT tenant_id, instance_id, domain, allowed, is_rule, request_count, last_request_at
		FROM allowlist_entries WHERE tenant_id = $1 AND instance_id = $2 AND domain = lower($3)
	`
	var e AllowlistEntry
	err := s.pool.QueryRow(ctx, query, tenantID, instanceID, domain).Scan(
		&e.TenantID, &e.InstanceID, &e.Domain, &e.Allowed, &e.IsRule, &e.RequestCount, &e.LastRequestAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) ListAllowlist(ctx context.Context, tenantID string, instanceID string) ([]*AllowlistEntry, error) {
	query := `
		SELECT tenant_id, instance_id, domain, allowed, is_rule, request_count, last_request_at
		FROM allowlist_entries WHERE tenant_id = $1 AND instance_id = $2 ORDER BY domain
	`
	rows, err := s.pool.Query(ctx, query, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AllowlistEntry
	for rows.Next() {
		var e AllowlistEntry
		if err := rows.Scan(&e.TenantID, &e.InstanceID, &e.Domain, &e.Allowed, &e.IsRule, &e.RequestCount, &e.LastRequestAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) error {
	query := `DELETE FROM allowlist_entries WHERE tenant_id = $1 AND instance_id = $2 AND domain = lower($3)`
	tag, err := s.pool.Exec(ctx, query, tenantID, instanceID, domain)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) BumpAllowlistCounter(ctx context.Context, tenantID string, instanceID string, domain string, at time.Time) error {
	// Counter rows exist even for denied domains so attempt volume is
	// visible to the dashboard. They insert with is_rule false and the
	// conflict arm never touches is_rule, so bumping cannot create or
	// alter a rule.
	query := `
		INSERT INTO allowlist_entries (tenant_id, instance_id, domain, allowed, is_rule, request_count, last_request_at)
		VALUES ($1, $2, lower($3), false, false, 1, $4)
		ON CONFLICT (tenant_id, instance_id, domain) DO UPDATE SET
			request_count = allowlist_entries.request_count + 1,
			last_request_at = EXCLUDED.last_request_at
	`
	_, err := s.pool.Exec(ctx, query, tenantID, instanceID, domain, at)
	return err
}

// --- Usage Operations ---

func (s *PostgresStore) AccumulateUsage(ctx context.Context, tenantID string, instanceID string, period time.Time, delta UsageDelta) error {
	period = period.UTC().Truncate(time.Hour)
	// Single-statement upsert keeps concurrent increments atomic; the memory
	// peak folds in as GREATEST rather than a sum.
	query := `
		INSERT INTO usage_records (tenant_id, instance_id, period, cpu_percent_seconds, memory_peak_bytes, execution_seconds, disk_write_bytes, network_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, instance_id, period) DO UPDATE SET
			cpu_percent_seconds = usage_records.cpu_percent_seconds + EXCLUDED.cpu_percent_seconds,
			memory_peak_bytes = GREATEST(usage_records.memory_peak_bytes, EXCLUDED.memory_peak_bytes),
			execution_seconds = usage_records.execution_seconds + EXCLUDED.execution_seconds,
			disk_write_bytes = usage_records.disk_write_bytes + EXCLUDED.disk_write_bytes,
			network_bytes = usage_records.network_bytes + EXCLUDED.network_bytes
	`
	_, err := s.pool.Exec(ctx, query,
		tenantID, instanceID, period,
		delta.CPUPercentSeconds, delta.MemoryPeakBytes, delta.ExecutionSeconds,
		delta.DiskWriteBytes, delta.NetworkBytes,
	)
	return err
}

func (s *PostgresStore) GetUsage(ctx context.Context, tenantID string, instanceID string, period time.Time) (*UsageRecord, error) {
	period = period.UTC().Truncate(time.Hour)
	query := `
		SELECT tenant_id, instance_id, period, cpu_percent_seconds, memory_peak_bytes, execution_seconds, disk_write_bytes, network_bytes
		FROM usage_records WHERE tenant_id = $1 AND instance_id = $2 AND period = $3
	`
	var rec UsageRecord
	err := s.pool.QueryRow(ctx, query, tenantID, instanceID, period).Scan(
		&rec.TenantID, &rec.InstanceID, &rec.Period,
		&rec.CPUPercentSeconds, &rec.MemoryPeakBytes, &rec.ExecutionSeconds,
		&rec.DiskWriteBytes, &rec.NetworkBytes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, tenantID string, instanceID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT tenant_id, instance_id, period, cpu_percent_seconds, memory_peak_bytes, execution_seconds, disk_write_bytes, network_bytes
		FROM usage_records
		WHERE tenant_id = $1 AND instance_id = $2
		  AND ($3::timestamptz IS NULL OR period >= $3)
		  AND ($4::timestamptz IS NULL OR period <= $4)
		ORDER BY period
	`
	var fromArg, toArg interface{}
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := s.pool.Query(ctx, query, tenantID, instanceID, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(
			&rec.TenantID, &rec.InstanceID, &rec.Period,
			&rec.CPUPercentSeconds, &rec.MemoryPeakBytes, &rec.ExecutionSeconds,
			&rec.DiskWriteBytes, &rec.NetworkBytes,
		); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// --- Reputation Operations ---

func (s *PostgresStore) UpsertReputation(ctx context.Context, rec *ReputationRecord) error {
	scans, err := json.Marshal(rec.Scans)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO reputation (plugin_id, install_count, execution_count, error_count, rating_sum, rating_count, scans, publisher_trusted, published_at,
			score, popularity, reliability, rating, scan_history, publisher, maturity, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (plugin_id) DO UPDATE SET
			install_count = EXCLUDED.install_count,
			execution_count = EXCLUDED.execution_count,
			error_count = EXCLUDED.error_count,
			rating_sum = EXCLUDED.rating_sum,
			rating_count = EXCLUDED.rating_count,
			scans = EXCLUDED.scans,
			publisher_trusted = EXCLUDED.publisher_trusted,
			published_at = EXCLUDED.published_at,
			score = EXCLUDED.score,
			popularity = EXCLUDED.popularity,
			reliability = EXCLUDED.reliability,
			rating = EXCLUDED.rating,
			scan_history = EXCLUDED.scan_history,
			publisher = EXCLUDED.publisher,
			maturity = EXCLUDED.maturity,
			calculated_at = EXCLUDED.calculated_at
	`
	_, err = s.pool.Exec(ctx, query,
		rec.PluginID, rec.InstallCount, rec.ExecutionCount, rec.ErrorCount,
		rec.RatingSum, rec.RatingCount, scans, rec.PublisherTrusted, rec.PublishedAt,
		rec.Score, rec.Popularity, rec.Reliability, rec.Rating, rec.ScanHistory,
		rec.Publisher, rec.Maturity, rec.CalculatedAt,
	)
	return err
}

func (s *PostgresStore) GetReputation(ctx context.Context, pluginID string) (*ReputationRecord, error) {
	query := `
		SELECT plugin_id, install_count, execution_count, error_count, rating_sum, rating_count, scans, publisher_trusted, published_at,
			score, popularity, reliability, rating, scan_history, publisher, maturity, calculated_at
		FROM reputation WHERE plugin_id = $1
	`
	var rec ReputationRecord
	var scans []byte
	err := s.pool.QueryRow(ctx, query, pluginID).Scan(
		&rec.PluginID, &rec.InstallCount, &rec.ExecutionCount, &rec.ErrorCount,
		&rec.RatingSum, &rec.RatingCount, &scans, &rec.PublisherTrusted, &rec.PublishedAt,
		&rec.Score, &rec.Popularity, &rec.Reliability, &rec.Rating, &rec.ScanHistory,
		&rec.Publisher, &rec.Maturity, &rec.CalculatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(scans) > 0 {
		if err := json.Unmarshal(scans, &rec.Scans); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *PostgresStore) ListReputationPluginIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT plugin_id FROM reputation ORDER BY plugin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Audit Operations ---

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO audit_entries (entry_id, tenant_id, instance_id, plugin_id, category, severity, message, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`
	err := s.pool.QueryRow(ctx, query,
		entry.EntryID, entry.TenantID, entry.InstanceID, entry.PluginID,
		entry.Category, entry.Severity, entry.Message, entry.Metadata, entry.Timestamp,
	).Scan(&entry.Seq)
	if err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

func (s *PostgresStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT seq, entry_id, tenant_id, instance_id, plugin_id, category, severity, message, metadata, timestamp
		FROM audit_entries
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR instance_id = $2)
		  AND ($3 = '' OR plugin_id = $3)
		  AND ($4 = '' OR category = $4)
		  AND ($5 = '' OR severity = $5)
		  AND ($6::timestamptz IS NULL OR timestamp >= $6)
		  AND ($7::timestamptz IS NULL OR timestamp <= $7)
		  AND seq > $8
		ORDER BY seq
		LIMIT $9
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var fromArg, toArg interface{}
	if !filter.From.IsZero() {
		fromArg = filter.From
	}
	if !filter.To.IsZero() {
		toArg = filter.To
	}
	rows, err := s.pool.Query(ctx, query,
		filter.TenantID, filter.InstanceID, filter.PluginID,
		filter.Category, filter.Severity, fromArg, toArg, filter.AfterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.Seq, &e.EntryID, &e.TenantID, &e.InstanceID, &e.PluginID,
			&e.Category, &e.Severity, &e.Message, &e.Metadata, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
