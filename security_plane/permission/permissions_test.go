package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore, *audit.Log) {
	t.Helper()
	mem := store.NewMemoryStore()
	auditLog := audit.NewLog(mem)
	return NewService(mem, auditLog), mem, auditLog
}

func TestGrantCheckRevoke(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "t1", "inst-1", ResourceOutboundNetwork, "admin"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	allowed, err := svc.Check(ctx, "t1", "inst-1", ResourceOutboundNetwork, CheckContext{})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !allowed {
		t.Fatal("granted resource denied")
	}

	if err := svc.Revoke(ctx, "t1", "inst-1", ResourceOutboundNetwork, "admin"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	allowed, err = svc.Check(ctx, "t1", "inst-1", ResourceOutboundNetwork, CheckContext{})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if allowed {
		t.Fatal("revoked resource still allowed")
	}
}

func TestGrantRejectsDuplicateActiveGrant(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "t1", "inst-1", ResourceStorageRead, "admin"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := svc.Grant(ctx, "t1", "inst-1", ResourceStorageRead, "admin"); !errors.Is(err, ErrAlreadyGranted) {
		t.Fatalf("expected ErrAlreadyGranted, got %v", err)
	}
}

func TestConcurrentGrantsKeepSingleActiveRecord(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	const grants = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < grants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := svc.Grant(ctx, "t1", "inst-1", ResourceStorageWrite, "admin"); {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrAlreadyGranted):
			default:
				t.Errorf("unexpected grant error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("expected exactly one successful grant, got %d", got)
	}
	recs, err := mem.ListPermissions(ctx, "t1", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, rec := range recs {
		if rec.Active() {
			active++
		}
	}
	if len(recs) != 1 || active != 1 {
		t.Fatalf("expected a single active record, got %d records (%d active)", len(recs), active)
	}
}

func TestRevokePreservesHistory(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Grant(ctx, "t1", "inst-1", ResourceSecretAccess, "admin"); err != nil {
			t.Fatalf("grant %d failed: %v", i, err)
		}
		if err := svc.Revoke(ctx, "t1", "inst-1", ResourceSecretAccess, "admin"); err != nil {
			t.Fatalf("revoke %d failed: %v", i, err)
		}
	}

	history, err := svc.ListHistory(ctx, "t1", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(history))
	}
	for _, rec := range history {
		if rec.Active() {
			t.Errorf("record %s should be revoked", rec.RecordID)
		}
		if rec.RevokedBy != "admin" || rec.RevokedAt == nil {
			t.Errorf("revocation metadata missing on %s", rec.RecordID)
		}
	}
}

func TestCheckUnknownResourceDenied(t *testing.T) {
	svc, _, _ := newService(t)

	allowed, err := svc.Check(context.Background(), "t1", "inst-1", "root-shell", CheckContext{})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if allowed {
		t.Fatal("unknown resource kind must be denied")
	}
}

func TestGrantUnknownResourceRejected(t *testing.T) {
	svc, _, _ := newService(t)

	if err := svc.Grant(context.Background(), "t1", "inst-1", "root-shell", "admin"); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
}

func TestDenialIsAudited(t *testing.T) {
	svc, _, auditLog := newService(t)
	ctx := context.Background()

	allowed, err := svc.Check(ctx, "t1", "inst-1", ResourceEventPublish, CheckContext{Domain: "events.example.com"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if allowed {
		t.Fatal("ungranted resource allowed")
	}

	entries, err := auditLog.Query(ctx, store.AuditFilter{
		TenantID: "t1",
		Category: store.AuditPermissionCheck,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Metadata["resource"] != ResourceEventPublish {
		t.Errorf("audit entry missing resource: %+v", entries[0].Metadata)
	}
	if entries[0].Metadata["domain"] != "events.example.com" {
		t.Errorf("audit entry missing check context: %+v", entries[0].Metadata)
	}
}

func TestAllowedCheckNotAudited(t *testing.T) {
	svc, _, auditLog := newService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "t1", "inst-1", ResourceKnowledgeQuery, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Check(ctx, "t1", "inst-1", ResourceKnowledgeQuery, CheckContext{}); err != nil {
		t.Fatal(err)
	}

	entries, err := auditLog.Query(ctx, store.AuditFilter{TenantID: "t1", Category: store.AuditPermissionCheck})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("allowed checks must not generate audit entries, got %d", len(entries))
	}
}

func TestEnforceMinimumSet(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	policy := LoadPolicy()

	// Pre-grant one resource to check idempotence against existing grants.
	required, err := policy.MinimumSet("defi")
	if err != nil {
		t.Fatal(err)
	}
	if len(required) == 0 {
		t.Fatal("defi category should require capabilities")
	}
	if err := svc.Grant(ctx, "t1", "inst-1", required[0], "admin"); err != nil {
		t.Fatal(err)
	}

	if err := svc.EnforceMinimumSet(ctx, policy, "t1", "inst-1", "defi", "system:install"); err != nil {
		t.Fatalf("enforce failed: %v", err)
	}

	for _, resource := range required {
		allowed, err := svc.Check(ctx, "t1", "inst-1", resource, CheckContext{})
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Errorf("required resource %s not granted", resource)
		}
	}
}

func TestEnforceMinimumSetUnknownCategory(t *testing.T) {
	svc, _, _ := newService(t)
	policy := LoadPolicy()

	if err := svc.EnforceMinimumSet(context.Background(), policy, "t1", "inst-1", "surveillance", "system"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
