package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the in-memory state of the five collections plus the
// coordination primitives. It implements both Store and Coordinator and is
// used for tests and single-node operation.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*PluginInstance
	permissions map[string][]*PermissionRecord // keyed by instance key, append-only
	allowlist   map[string]*AllowlistEntry     // keyed by instance key + ":" + domain
	usage       map[string]*UsageRecord        // keyed by instance key + ":" + period
	reputation  map[string]*ReputationRecord

	auditSeq int64
	audit    []*AuditEntry

	locks   map[string]memLock
	windows map[string][]time.Time
	idem    map[string]idemRecord
}

type memLock struct {
	owner   string
	expires time.Time
}

type idemRecord struct {
	value   string
	expires time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*PluginInstance),
		permissions: make(map[string][]*PermissionRecord),
		allowlist:   make(map[string]*AllowlistEntry),
		usage:       make(map[string]*UsageRecord),
		reputation:  make(map[string]*ReputationRecord),
		locks:       make(map[string]memLock),
		windows:     make(map[string][]time.Time),
		idem:        make(map[string]idemRecord),
	}
}

// --- Instance Operations ---

func (s *MemoryStore) UpsertInstance(ctx context.Context, tenantID string, inst *PluginInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.TenantID = tenantID
	cp := *inst
	s.instances[TenantKey(tenantID, ResourceInstance, inst.InstanceID)] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, tenantID string, instanceID string) (*PluginInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[TenantKey(tenantID, ResourceInstance, instanceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, tenantID string) ([]*PluginInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := TenantPrefix(tenantID, ResourceInstance)
	result := make([]*PluginInstance, 0)
	for key, inst := range s.instances {
		if strings.HasPrefix(key, prefix) {
			cp := *inst
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateInstanceStatus(ctx context.Context, tenantID string, instanceID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[TenantKey(tenantID, ResourceInstance, instanceID)]
	if !ok {
		return ErrNotFound
	}
	inst.Status = status
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, tenantID string, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TenantKey(tenantID, ResourceInstance, instanceID)
	if _, ok := s.instances[key]; !ok {
		return ErrNotFound
	}
	delete(s.instances, key)
	// Owned records go with the instance. Audit history stays.
	instKey := TenantKey(tenantID, ResourcePermission, instanceID)
	delete(s.permissions, instKey)
	allowPrefix := TenantKey(tenantID, ResourceAllowlist, instanceID) + ":"
	for k := range s.allowlist {
		if strings.HasPrefix(k, allowPrefix) {
			delete(s.allowlist, k)
		}
	}
	usagePrefix := TenantKey(tenantID, ResourceUsage, instanceID) + ":"
	for k := range s.usage {
		if strings.HasPrefix(k, usagePrefix) {
			delete(s.usage, k)
		}
	}
	return nil
}

// --- Permission Operations ---

func (s *MemoryStore) AppendPermission(ctx context.Context, tenantID string, rec *PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.TenantID = tenantID
	key := TenantKey(tenantID, ResourcePermission, rec.InstanceID)
	// Check-and-insert under one lock: two racing grants for the same
	// resource resolve to exactly one active record.
	if rec.Active() {
		for _, existing := range s.permissions[key] {
			if existing.Resource == rec.Resource && existing.Active() {
				return ErrConflict
			}
		}
	}
	cp := *rec
	s.permissions[key] = append(s.permissions[key], &cp)
	return nil
}

func (s *MemoryStore) RevokePermission(ctx context.Context, tenantID string, instanceID string, resource string, revokedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TenantKey(tenantID, ResourcePermission, instanceID)
	for _, rec := range s.permissions[key] {
		if rec.Resource == resource && rec.Active() {
			t := at
			rec.RevokedAt = &t
			rec.RevokedBy = revokedBy
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetActivePermission(ctx context.Context, tenantID string, instanceID string, resource string) (*PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := TenantKey(tenantID, ResourcePermission, instanceID)
	// Scan backwards: the active record, if any, is the most recent grant.
	recs := s.permissions[key]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Resource == resource && recs[i].Active() {
			cp := *recs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPermissions(ctx context.Context, tenantID string, instanceID string) ([]*PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := TenantKey(tenantID, ResourcePermission, instanceID)
	result := make([]*PermissionRecord, 0, len(s.permissions[key]))
	for _, rec := range s.permissions[key] {
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

// --- Allowlist Operations ---

func allowKey(tenantID, instanceID, domain string) string {
	return TenantKey(tenantID, ResourceAllowlist, instanceID) + ":" + strings.ToLower(domain)
}

func (s *MemoryStore) UpsertAllowlistEntry(ctx context.Context, tenantID string, entry *AllowlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.TenantID = tenantID
	entry.Domain = strings.ToLower(entry.Domain)
	entry.IsRule = true
	key := allowKey(tenantID, entry.InstanceID, entry.Domain)
	if existing, ok := s.allowlist[key]; ok {
		// Preserve observability counters across rule updates; a counter-only
		// row is promoted to a rule here.
		entry.RequestCount = existing.RequestCount
		entry.LastRequestAt = existing.LastRequestAt
	}
	cp := *entry
	s.allowlist[key] = &cp
	return nil
}

func (s *MemoryStore) GetAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) (*AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.allowlist[allowKey(tenantID, instanceID, domain)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) ListAllowlist(ctx context.Context, tenantID string, instanceID string) ([]*AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := TenantKey(tenantID, ResourceAllowlist, instanceID) + ":"
	result := make([]*AllowlistEntry, 0)
	for key, entry := range s.allowlist {
		if strings.HasPrefix(key, prefix) {
			cp := *entry
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Domain < result[j].Domain })
	return result, nil
}

func (s *MemoryStore) DeleteAllowlistEntry(ctx context.Context, tenantID string, instanceID string, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allowKey(tenantID, instanceID, domain)
	if _, ok := s.allowlist[key]; !ok {
		return ErrNotFound
	}
	delete(s.allowlist, key)
	return nil
}

func (s *MemoryStore) BumpAllowlistCounter(ctx context.Context, tenantID string, instanceID string, domain string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allowKey(tenantID, instanceID, domain)
	entry, ok := s.allowlist[key]
	if !ok {
		// First contact through a wildcard rule or a denied domain: track it
		// anyway so the dashboard sees the attempt volume. IsRule stays false
		// so the row never participates in allowlist matching.
		entry = &AllowlistEntry{
			TenantID:   tenantID,
			InstanceID: instanceID,
			Domain:     strings.ToLower(domain),
			Allowed:    false,
		}
		s.allowlist[key] = entry
	}
	entry.RequestCount++
	entry.LastRequestAt = at
	return nil
}

// --- Usage Operations ---

func usageKey(tenantID, instanceID string, period time.Time) string {
	return TenantKey(tenantID, ResourceUsage, instanceID) + ":" + period.UTC().Format(time.RFC3339)
}

func (s *MemoryStore) AccumulateUsage(ctx context.Context, tenantID string, instanceID string, period time.Time, delta UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	period = period.UTC().Truncate(time.Hour)
	key := usageKey(tenantID, instanceID, period)
	rec, ok := s.usage[key]
	if !ok {
		rec = &UsageRecord{TenantID: tenantID, InstanceID: instanceID, Period: period}
		s.usage[key] = rec
	}
	rec.CPUPercentSeconds += delta.CPUPercentSeconds
	rec.ExecutionSeconds += delta.ExecutionSeconds
	rec.DiskWriteBytes += delta.DiskWriteBytes
	rec.NetworkBytes += delta.NetworkBytes
	if delta.MemoryPeakBytes > rec.MemoryPeakBytes {
		rec.MemoryPeakBytes = delta.MemoryPeakBytes
	}
	return nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, tenantID string, instanceID string, period time.Time) (*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	period = period.UTC().Truncate(time.Hour)
	rec, ok := s.usage[usageKey(tenantID, instanceID, period)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListUsage(ctx context.Context, tenantID string, instanceID string, from, to time.Time) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := TenantKey(tenantID, ResourceUsage, instanceID) + ":"
	result := make([]*UsageRecord, 0)
	for key, rec := range s.usage {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !from.IsZero() && rec.Period.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Period.After(to) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Period.Before(result[j].Period) })
	return result, nil
}

// --- Reputation Operations ---

func (s *MemoryStore) UpsertReputation(ctx context.Context, rec *ReputationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Scans = append([]ScanRecord(nil), rec.Scans...)
	s.reputation[rec.PluginID] = &cp
	return nil
}

func (s *MemoryStore) GetReputation(ctx context.Context, pluginID string) (*ReputationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reputation[pluginID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Scans = append([]ScanRecord(nil), rec.Scans...)
	return &cp, nil
}

func (s *MemoryStore) ListReputationPluginIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.reputation))
	for id := range s.reputation {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Audit Operations ---

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	entry.Seq = s.auditSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	if entry.Metadata != nil {
		cp.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.audit = append(s.audit, &cp)
	return entry.Seq, nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, e := range s.audit {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.InstanceID != "" && e.InstanceID != filter.InstanceID {
			continue
		}
		if filter.PluginID != "" && e.PluginID != filter.PluginID {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
			continue
		}
		if e.Seq <= filter.AfterSeq {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// --- Coordinator Operations ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.locks[key]; ok && l.expires.After(now) && l.owner != ownerID {
		return false, nil
	}
	s.locks[key] = memLock{owner: ownerID, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.owner == ownerID {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) SlideWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := at.Add(-window)
	events := s.windows[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	s.windows[key] = kept
	return int64(len(kept)), kept[0], nil
}

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[key]
	if !ok || rec.expires.Before(time.Now()) {
		return "", ErrNotFound
	}
	return rec.value, nil
}

func (s *MemoryStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idem[key]; ok && rec.expires.After(time.Now()) {
		return false, nil
	}
	s.idem[key] = idemRecord{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}
