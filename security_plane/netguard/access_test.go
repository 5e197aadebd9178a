package netguard

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// fakeResolver maps hostnames to fixed addresses.
func fakeResolver(hosts map[string][]string) Resolver {
	return func(ctx context.Context, host string) ([]net.IP, error) {
		addrs, ok := hosts[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, net.ParseIP(a))
		}
		return ips, nil
	}
}

func newController(t *testing.T, resolver Resolver, limit int) (*Controller, *store.MemoryStore, *audit.Log) {
	t.Helper()
	mem := store.NewMemoryStore()
	auditLog := audit.NewLog(mem)
	return NewController(mem, mem, auditLog, resolver, limit, time.Minute), mem, auditLog
}

func allow(t *testing.T, mem *store.MemoryStore, tenantID, instanceID, domain string) {
	t.Helper()
	err := mem.UpsertAllowlistEntry(context.Background(), tenantID, &store.AllowlistEntry{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Domain:     domain,
		Allowed:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBlockedIPClasses(t *testing.T) {
	tests := []struct {
		name   string
		domain string
	}{
		{"localhost name", "localhost"},
		{"loopback literal", "127.0.0.1"},
		{"private 10", "10.0.0.5"},
		{"private 192.168", "192.168.1.1"},
		{"private 172.16", "172.16.0.1"},
		{"link local metadata", "169.254.169.254"},
		{"multicast", "224.0.0.1"},
		{"broadcast", "255.255.255.255"},
		{"unspecified", "0.0.0.0"},
		{"resolves to private", "internal.example.com"},
	}

	resolver := fakeResolver(map[string][]string{
		"internal.example.com": {"10.1.2.3"},
	})
	ctrl, mem, _ := newController(t, resolver, 100)
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Allowlisting must not override IP-class blocking.
			allow(t, mem, "t1", "inst-1", tt.domain)

			d, err := ctrl.IsAllowed(ctx, "t1", "inst-1", tt.domain)
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed {
				t.Fatalf("%s should be blocked", tt.domain)
			}
			if d.Reason != ReasonBlockedIPClass {
				t.Errorf("expected reason %q, got %q", ReasonBlockedIPClass, d.Reason)
			}
		})
	}
}

func TestUnresolvableHostFailsClosed(t *testing.T) {
	ctrl, mem, _ := newController(t, fakeResolver(nil), 100)
	allow(t, mem, "t1", "inst-1", "ghost.example.com")

	d, err := ctrl.IsAllowed(context.Background(), "t1", "inst-1", "ghost.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("unresolvable host must be blocked")
	}
	if d.Reason != ReasonBlockedIPClass {
		t.Errorf("expected reason %q, got %q", ReasonBlockedIPClass, d.Reason)
	}
}

func TestAllowlistMatching(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"api.example.com":  {"93.184.216.34"},
		"sub.example.com":  {"93.184.216.34"},
		"example.com":      {"93.184.216.34"},
		"evilexample.com":  {"93.184.216.34"},
		"other.domain.net": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 100)
	ctx := context.Background()

	allow(t, mem, "t1", "inst-1", "api.example.com")
	allow(t, mem, "t1", "inst-2", "*.example.com")

	tests := []struct {
		name     string
		instance string
		domain   string
		allowed  bool
	}{
		{"exact match", "inst-1", "api.example.com", true},
		{"no entry", "inst-1", "other.domain.net", false},
		{"wildcard subdomain", "inst-2", "sub.example.com", true},
		{"wildcard excludes apex", "inst-2", "example.com", false},
		{"wildcard excludes lookalike", "inst-2", "evilexample.com", false},
		{"allowlist is per instance", "inst-2", "api.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ctrl.IsAllowed(ctx, "t1", tt.instance, tt.domain)
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed != tt.allowed {
				t.Fatalf("expected allowed=%t, got %+v", tt.allowed, d)
			}
			if !tt.allowed && d.Reason != ReasonNotAllowlisted {
				t.Errorf("expected reason %q, got %q", ReasonNotAllowlisted, d.Reason)
			}
		})
	}
}

func TestExplicitDenyOverridesWildcard(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"bad.example.com":  {"93.184.216.34"},
		"good.example.com": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 100)
	ctx := context.Background()

	allow(t, mem, "t1", "inst-1", "*.example.com")
	if err := mem.UpsertAllowlistEntry(ctx, "t1", &store.AllowlistEntry{
		TenantID:   "t1",
		InstanceID: "inst-1",
		Domain:     "bad.example.com",
		Allowed:    false,
	}); err != nil {
		t.Fatal(err)
	}

	d, err := ctrl.IsAllowed(ctx, "t1", "inst-1", "bad.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("explicit deny entry must override the wildcard allow")
	}

	d, err = ctrl.IsAllowed(ctx, "t1", "inst-1", "good.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("wildcard allow should still cover other subdomains")
	}
}

func TestSlidingWindowRateLimit(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"api.example.com": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 10)
	ctx := context.Background()
	allow(t, mem, "t1", "inst-1", "api.example.com")

	for i := 1; i <= 15; i++ {
		d, err := ctrl.IsAllowed(ctx, "t1", "inst-1", "api.example.com")
		if err != nil {
			t.Fatal(err)
		}
		if i <= 10 {
			if !d.Allowed {
				t.Fatalf("request %d should be allowed, got %+v", i, d)
			}
		} else {
			if d.Allowed {
				t.Fatalf("request %d should be rate limited", i)
			}
			if d.Reason != ReasonRateLimited {
				t.Errorf("request %d: expected reason %q, got %q", i, ReasonRateLimited, d.Reason)
			}
			if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
				t.Errorf("request %d: implausible retry-after %v", i, d.RetryAfter)
			}
		}
	}
}

func TestRateLimitIsPerDomain(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"a.example.com": {"93.184.216.34"},
		"b.example.com": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 2)
	ctx := context.Background()
	allow(t, mem, "t1", "inst-1", "a.example.com")
	allow(t, mem, "t1", "inst-1", "b.example.com")

	for i := 0; i < 2; i++ {
		if d, _ := ctrl.IsAllowed(ctx, "t1", "inst-1", "a.example.com"); !d.Allowed {
			t.Fatal("within limit for a.example.com")
		}
	}
	if d, _ := ctrl.IsAllowed(ctx, "t1", "inst-1", "a.example.com"); d.Allowed {
		t.Fatal("a.example.com should be exhausted")
	}
	if d, _ := ctrl.IsAllowed(ctx, "t1", "inst-1", "b.example.com"); !d.Allowed {
		t.Fatal("b.example.com has its own window")
	}
}

func TestCounterBumpedOnEveryAttempt(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"api.example.com": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 100)
	ctx := context.Background()

	// Three attempts against a domain with no allowlist entry: all rejected,
	// all counted.
	for i := 0; i < 3; i++ {
		if _, err := ctrl.IsAllowed(ctx, "t1", "inst-1", "api.example.com"); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := mem.GetAllowlistEntry(ctx, "t1", "inst-1", "api.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if entry.RequestCount != 3 {
		t.Errorf("expected request count 3, got %d", entry.RequestCount)
	}
	if entry.LastRequestAt.IsZero() {
		t.Error("last request timestamp not set")
	}
}

func TestWildcardAllowSurvivesCounterTracking(t *testing.T) {
	resolver := fakeResolver(map[string][]string{
		"sub.example.com": {"93.184.216.34"},
	})
	ctrl, mem, _ := newController(t, resolver, 100)
	ctx := context.Background()
	allow(t, mem, "t1", "inst-1", "*.example.com")

	// The very first request already writes a counter row for the concrete
	// domain; it must not read back as an explicit deny on that request or
	// any later one.
	for i := 1; i <= 3; i++ {
		d, err := ctrl.IsAllowed(ctx, "t1", "inst-1", "sub.example.com")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: wildcard-covered domain denied: %+v", i, d)
		}
	}

	entry, err := mem.GetAllowlistEntry(ctx, "t1", "inst-1", "sub.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if entry.IsRule {
		t.Error("counter tracking must not create a rule")
	}
	if entry.RequestCount != 3 {
		t.Errorf("expected request count 3, got %d", entry.RequestCount)
	}
}

func TestRejectionsAreAudited(t *testing.T) {
	ctrl, _, auditLog := newController(t, fakeResolver(nil), 10)
	ctx := context.Background()

	if _, err := ctrl.IsAllowed(ctx, "t1", "inst-1", "127.0.0.1"); err != nil {
		t.Fatal(err)
	}

	entries, err := auditLog.Query(ctx, store.AuditFilter{
		TenantID: "t1",
		Category: store.AuditNetworkBlock,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Metadata["reason"] != ReasonBlockedIPClass {
		t.Errorf("unexpected metadata: %+v", entries[0].Metadata)
	}
}
