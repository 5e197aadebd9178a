package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedInstance(t *testing.T, s *MemoryStore, tenantID, instanceID string) {
	t.Helper()
	err := s.UpsertInstance(context.Background(), tenantID, &PluginInstance{
		InstanceID: instanceID,
		PluginID:   "price-feed",
		Version:    "1.0.0",
		Tier:       "low",
		Status:     StatusActive,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedInstance(t, s, "t1", "inst-1")

	inst, err := s.GetInstance(ctx, "t1", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.TenantID != "t1" || inst.Status != StatusActive {
		t.Errorf("unexpected instance: %+v", inst)
	}

	if err := s.UpdateInstanceStatus(ctx, "t1", "inst-1", StatusSuspended); err != nil {
		t.Fatal(err)
	}
	inst, _ = s.GetInstance(ctx, "t1", "inst-1")
	if inst.Status != StatusSuspended {
		t.Errorf("status not updated: %s", inst.Status)
	}

	if _, err := s.GetInstance(ctx, "t2", "inst-1"); !errors.Is(err, ErrNotFound) {
		t.Error("instance visible across tenants")
	}
	if err := s.UpdateInstanceStatus(ctx, "t1", "ghost", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteInstanceCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedInstance(t, s, "t1", "inst-1")
	seedInstance(t, s, "t1", "inst-2")

	if err := s.AppendPermission(ctx, "t1", &PermissionRecord{
		RecordID:   "rec-1",
		InstanceID: "inst-1",
		Resource:   "outbound-network",
		Granted:    true,
		GrantedAt:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAllowlistEntry(ctx, "t1", &AllowlistEntry{
		InstanceID: "inst-1",
		Domain:     "api.example.com",
		Allowed:    true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AccumulateUsage(ctx, "t1", "inst-1", time.Now(), UsageDelta{ExecutionSeconds: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendAudit(ctx, &AuditEntry{
		EntryID:    "e-1",
		TenantID:   "t1",
		InstanceID: "inst-1",
		Category:   AuditInstall,
		Severity:   SeverityInfo,
		Message:    "installed",
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteInstance(ctx, "t1", "inst-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetInstance(ctx, "t1", "inst-1"); !errors.Is(err, ErrNotFound) {
		t.Error("instance survived delete")
	}
	perms, _ := s.ListPermissions(ctx, "t1", "inst-1")
	if len(perms) != 0 {
		t.Error("permissions survived delete")
	}
	allow, _ := s.ListAllowlist(ctx, "t1", "inst-1")
	if len(allow) != 0 {
		t.Error("allowlist survived delete")
	}
	usage, _ := s.ListUsage(ctx, "t1", "inst-1", time.Time{}, time.Time{})
	if len(usage) != 0 {
		t.Error("usage survived delete")
	}

	// Audit history is retained; the other instance is untouched.
	audit, _ := s.QueryAudit(ctx, AuditFilter{TenantID: "t1", InstanceID: "inst-1"})
	if len(audit) != 1 {
		t.Error("audit history must survive instance deletion")
	}
	if _, err := s.GetInstance(ctx, "t1", "inst-2"); err != nil {
		t.Error("unrelated instance removed by cascade")
	}
}

func TestActivePermissionResolution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	grant := func(id string) {
		t.Helper()
		if err := s.AppendPermission(ctx, "t1", &PermissionRecord{
			RecordID:   id,
			InstanceID: "inst-1",
			Resource:   "storage-read",
			Granted:    true,
			GrantedAt:  now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	grant("rec-1")
	if err := s.RevokePermission(ctx, "t1", "inst-1", "storage-read", "admin", now); err != nil {
		t.Fatal(err)
	}
	grant("rec-2")

	active, err := s.GetActivePermission(ctx, "t1", "inst-1", "storage-read")
	if err != nil {
		t.Fatal(err)
	}
	if active.RecordID != "rec-2" {
		t.Errorf("expected the re-grant to be active, got %s", active.RecordID)
	}

	recs, _ := s.ListPermissions(ctx, "t1", "inst-1")
	if len(recs) != 2 {
		t.Fatalf("append-only history broken: %d records", len(recs))
	}

	if err := s.RevokePermission(ctx, "t1", "inst-1", "storage-read", "admin", now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetActivePermission(ctx, "t1", "inst-1", "storage-read"); !errors.Is(err, ErrNotFound) {
		t.Error("revoked permission still resolves as active")
	}
	if err := s.RevokePermission(ctx, "t1", "inst-1", "storage-read", "admin", now); !errors.Is(err, ErrNotFound) {
		t.Error("revoking with no active grant should be ErrNotFound")
	}
}

func TestAppendPermissionRefusesSecondActiveGrant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	grant := func(id string) error {
		return s.AppendPermission(ctx, "t1", &PermissionRecord{
			RecordID:   id,
			InstanceID: "inst-1",
			Resource:   "storage-write",
			Granted:    true,
			GrantedAt:  now,
		})
	}

	if err := grant("rec-1"); err != nil {
		t.Fatal(err)
	}
	if err := grant("rec-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.RevokePermission(ctx, "t1", "inst-1", "storage-write", "admin", now); err != nil {
		t.Fatal(err)
	}
	if err := grant("rec-3"); err != nil {
		t.Fatalf("append after revoke failed: %v", err)
	}

	recs, _ := s.ListPermissions(ctx, "t1", "inst-1")
	if len(recs) != 2 {
		t.Errorf("a refused append must not leave a record: %d records", len(recs))
	}
}

func TestAllowlistCounterSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// Bumping an unknown domain creates a counter-only row, never a rule.
	if err := s.BumpAllowlistCounter(ctx, "t1", "inst-1", "Ghost.Example.COM", now); err != nil {
		t.Fatal(err)
	}
	entry, err := s.GetAllowlistEntry(ctx, "t1", "inst-1", "ghost.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Allowed || entry.IsRule {
		t.Errorf("counter row must not carry rule semantics: %+v", entry)
	}
	if entry.RequestCount != 1 {
		t.Errorf("count: got %d", entry.RequestCount)
	}

	// Writing a rule promotes the row and keeps the counters.
	if err := s.UpsertAllowlistEntry(ctx, "t1", &AllowlistEntry{
		InstanceID: "inst-1",
		Domain:     "ghost.example.com",
		Allowed:    true,
	}); err != nil {
		t.Fatal(err)
	}
	entry, _ = s.GetAllowlistEntry(ctx, "t1", "inst-1", "ghost.example.com")
	if !entry.Allowed || !entry.IsRule || entry.RequestCount != 1 {
		t.Errorf("counters lost across rule promotion: %+v", entry)
	}

	if err := s.DeleteAllowlistEntry(ctx, "t1", "inst-1", "ghost.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAllowlistEntry(ctx, "t1", "inst-1", "ghost.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUsageBuckets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	h1 := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	h2 := time.Date(2025, 6, 1, 11, 45, 0, 0, time.UTC)

	for _, at := range []time.Time{h1, h1.Add(20 * time.Minute), h2} {
		if err := s.AccumulateUsage(ctx, "t1", "inst-1", at, UsageDelta{ExecutionSeconds: 10, MemoryPeakBytes: 100}); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := s.GetUsage(ctx, "t1", "inst-1", h1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExecutionSeconds != 20 {
		t.Errorf("same-hour deltas not merged: %v", rec.ExecutionSeconds)
	}

	all, err := s.ListUsage(ctx, "t1", "inst-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 hourly buckets, got %d", len(all))
	}
	if !all[0].Period.Before(all[1].Period) {
		t.Error("buckets not in chronological order")
	}

	ranged, err := s.ListUsage(ctx, "t1", "inst-1", h2.Truncate(time.Hour), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 {
		t.Errorf("range filter wrong: %d buckets", len(ranged))
	}
}

func TestLockOwnership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	acquired, err := s.AcquireLock(ctx, "k", "node-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("first acquire: %v %t", err, acquired)
	}
	if acquired, _ := s.AcquireLock(ctx, "k", "node-b", time.Minute); acquired {
		t.Fatal("lock acquired by second owner")
	}
	// Re-entrant for the same owner.
	if acquired, _ := s.AcquireLock(ctx, "k", "node-a", time.Minute); !acquired {
		t.Fatal("owner could not refresh its own lock")
	}

	// Release by a non-owner is a no-op.
	if err := s.ReleaseLock(ctx, "k", "node-b"); err != nil {
		t.Fatal(err)
	}
	if acquired, _ := s.AcquireLock(ctx, "k", "node-b", time.Minute); acquired {
		t.Fatal("non-owner release freed the lock")
	}

	if err := s.ReleaseLock(ctx, "k", "node-a"); err != nil {
		t.Fatal(err)
	}
	if acquired, _ := s.AcquireLock(ctx, "k", "node-b", time.Minute); !acquired {
		t.Fatal("lock not available after owner release")
	}
}

func TestLockExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if acquired, _ := s.AcquireLock(ctx, "k", "node-a", 10*time.Millisecond); !acquired {
		t.Fatal("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)
	if acquired, _ := s.AcquireLock(ctx, "k", "node-b", time.Minute); !acquired {
		t.Fatal("expired lock not reclaimable")
	}
}

func TestSlideWindowPrunes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		count, _, err := s.SlideWindow(ctx, "w", base.Add(time.Duration(i)*time.Second), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if count != int64(i+1) {
			t.Fatalf("event %d: expected count %d, got %d", i, i+1, count)
		}
	}

	// Two minutes later the old events have left the window.
	count, oldest, err := s.SlideWindow(ctx, "w", base.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("stale events not pruned: count %d", count)
	}
	if !oldest.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("oldest should be the new event, got %v", oldest)
	}
}

func TestIdempotencyRecordNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	set, err := s.SetIdempotencyRecordNX(ctx, "k", "first", time.Minute)
	if err != nil || !set {
		t.Fatalf("first set: %v %t", err, set)
	}
	if set, _ := s.SetIdempotencyRecordNX(ctx, "k", "second", time.Minute); set {
		t.Fatal("NX overwrote an existing record")
	}

	value, err := s.GetIdempotencyRecord(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if value != "first" {
		t.Errorf("expected first value, got %q", value)
	}

	if _, err := s.GetIdempotencyRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyRecordExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if set, _ := s.SetIdempotencyRecordNX(ctx, "k", "v", 10*time.Millisecond); !set {
		t.Fatal("set failed")
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := s.GetIdempotencyRecord(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("expired record still readable")
	}
	if set, _ := s.SetIdempotencyRecordNX(ctx, "k", "v2", time.Minute); !set {
		t.Error("slot not reusable after expiry")
	}
}
