package audit

import (
	"context"
	"testing"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/store"
)

func record(t *testing.T, l *Log, tenantID, category, severity, message string) *store.AuditEntry {
	t.Helper()
	entry := &store.AuditEntry{
		TenantID: tenantID,
		Category: category,
		Severity: severity,
		Message:  message,
	}
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestRecordAssignsMonotonicSeq(t *testing.T) {
	l := NewLog(store.NewMemoryStore())

	var prev int64
	for i := 0; i < 10; i++ {
		entry := record(t, l, "t1", store.AuditExecution, store.SeverityInfo, "run")
		if entry.Seq <= prev {
			t.Fatalf("seq not monotonic: %d after %d", entry.Seq, prev)
		}
		if entry.EntryID == "" {
			t.Fatal("entry id not assigned")
		}
		prev = entry.Seq
	}
}

func TestQueryFilters(t *testing.T) {
	l := NewLog(store.NewMemoryStore())
	ctx := context.Background()

	record(t, l, "t1", store.AuditPermissionCheck, store.SeverityWarning, "denied")
	record(t, l, "t1", store.AuditNetworkBlock, store.SeverityWarning, "blocked")
	record(t, l, "t2", store.AuditPermissionCheck, store.SeverityWarning, "denied")
	record(t, l, "t1", store.AuditPermissionCheck, store.SeverityInfo, "granted")

	tests := []struct {
		name   string
		filter store.AuditFilter
		want   int
	}{
		{"by tenant", store.AuditFilter{TenantID: "t1"}, 3},
		{"by category", store.AuditFilter{TenantID: "t1", Category: store.AuditPermissionCheck}, 2},
		{"by severity", store.AuditFilter{TenantID: "t1", Severity: store.SeverityInfo}, 1},
		{"tenant isolation", store.AuditFilter{TenantID: "t2"}, 1},
		{"no match", store.AuditFilter{TenantID: "t3"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(entries))
			}
		})
	}
}

func TestQueryCursorPagination(t *testing.T) {
	l := NewLog(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		record(t, l, "t1", store.AuditExecution, store.SeverityInfo, "run")
	}

	var cursor int64
	var total int
	for {
		page, err := l.Query(ctx, store.AuditFilter{TenantID: "t1", AfterSeq: cursor, Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.Seq <= cursor {
				t.Fatalf("page crossed the cursor: seq %d after cursor %d", e.Seq, cursor)
			}
			cursor = e.Seq
		}
		total += len(page)
		if len(page) > 10 {
			t.Fatalf("page exceeds limit: %d", len(page))
		}
	}
	if total != 25 {
		t.Errorf("pagination lost entries: got %d of 25", total)
	}
}

func TestQueryTimeRange(t *testing.T) {
	mem := store.NewMemoryStore()
	l := NewLog(mem)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := &store.AuditEntry{
			TenantID:  "t1",
			Category:  store.AuditExecution,
			Severity:  store.SeverityInfo,
			Message:   "run",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
		if err := l.Record(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Query(ctx, store.AuditFilter{
		TenantID: "t1",
		From:     base.Add(30 * time.Minute),
		To:       base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry in range, got %d", len(entries))
	}
	if !entries[0].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("wrong entry in range: %v", entries[0].Timestamp)
	}
}

func TestSubscribersReceiveCommittedEntries(t *testing.T) {
	l := NewLog(store.NewMemoryStore())

	received := make([]store.AuditEntry, 0)
	l.Subscribe(func(entry store.AuditEntry) {
		received = append(received, entry)
	})

	first := record(t, l, "t1", store.AuditNetworkBlock, store.SeverityWarning, "blocked")
	record(t, l, "t2", store.AuditExecution, store.SeverityInfo, "run")

	if len(received) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(received))
	}
	// The subscriber sees the committed entry, sequence number included.
	if received[0].Seq != first.Seq || received[0].TenantID != "t1" {
		t.Errorf("notification does not match committed entry: %+v", received[0])
	}
}

func TestRecordKeepsCallerTimestamp(t *testing.T) {
	l := NewLog(store.NewMemoryStore())
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry := &store.AuditEntry{
		TenantID:  "t1",
		Category:  store.AuditInstall,
		Severity:  store.SeverityInfo,
		Message:   "installed",
		Timestamp: ts,
	}
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Query(context.Background(), store.AuditFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if !entries[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp rewritten: %v", entries[0].Timestamp)
	}
}

func TestMetadataIsolatedFromCaller(t *testing.T) {
	l := NewLog(store.NewMemoryStore())
	ctx := context.Background()

	meta := map[string]string{"resource": "outbound-network"}
	entry := &store.AuditEntry{
		TenantID: "t1",
		Category: store.AuditPermissionCheck,
		Severity: store.SeverityWarning,
		Message:  "denied",
		Metadata: meta,
	}
	if err := l.Record(ctx, entry); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's map after the write must not change the record.
	meta["resource"] = "tampered"

	entries, err := l.Query(ctx, store.AuditFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Metadata["resource"] != "outbound-network" {
		t.Errorf("stored metadata aliased caller map: %+v", entries[0].Metadata)
	}
}
