package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// fakeRegistry scripts the collaborator responses and counts fetch calls so
// tests can assert that blocked installs never reach the fetch stage.
type fakeRegistry struct {
	exists     bool
	existsErr  error
	findings   []Finding
	auditErr   error
	artifact   []byte
	fetchErr   error
	fetchCalls atomic.Int64
}

func (f *fakeRegistry) Exists(ctx context.Context, name string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeRegistry) Fetch(ctx context.Context, name, version string) ([]byte, error) {
	f.fetchCalls.Add(1)
	return f.artifact, f.fetchErr
}

func (f *fakeRegistry) AuditVulnerabilities(ctx context.Context, name, version string) ([]Finding, error) {
	return f.findings, f.auditErr
}

func newInstaller(reg Registry) *Installer {
	return New(reg, store.NewMemoryStore())
}

func TestInstallSuccess(t *testing.T) {
	artifact := []byte("tarball bytes")
	reg := &fakeRegistry{exists: true, artifact: artifact}

	res, err := newInstaller(reg).Install(context.Background(), "price-feed", "1.2.3")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if res.Stage != StageComplete {
		t.Errorf("expected stage %s, got %s", StageComplete, res.Stage)
	}
	sum := sha256.Sum256(artifact)
	if res.ChecksumHex != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: %s", res.ChecksumHex)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if string(res.Artifact) != string(artifact) {
		t.Error("artifact not carried on the result")
	}
}

func TestInstallRejectsMalformedNames(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		version string
	}{
		{"path traversal", "../../../etc/passwd", "1.0.0"},
		{"uppercase", "PriceFeed", "1.0.0"},
		{"embedded space", "price feed", "1.0.0"},
		{"shell metacharacters", "pkg;rm -rf /", "1.0.0"},
		{"empty name", "", "1.0.0"},
		{"overlong name", strings.Repeat("a", 200), "1.0.0"},
		{"double scope", "@a/@b/pkg", "1.0.0"},
		{"bad version", "price-feed", "latest"},
		{"version injection", "price-feed", "1.0.0;curl evil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{exists: true, artifact: []byte("x")}
			_, err := newInstaller(reg).Install(context.Background(), tt.pkg, tt.version)

			var ierr *InstallError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected InstallError, got %v", err)
			}
			if ierr.Stage != StageValidateName {
				t.Errorf("expected stage %s, got %s", StageValidateName, ierr.Stage)
			}
			if reg.fetchCalls.Load() != 0 {
				t.Error("rejected name must never reach fetch")
			}
		})
	}
}

func TestInstallScopedNameAccepted(t *testing.T) {
	reg := &fakeRegistry{exists: true, artifact: []byte("x")}
	if _, err := newInstaller(reg).Install(context.Background(), "@acme/price-feed", "1.0.0-beta.1"); err != nil {
		t.Fatalf("scoped name rejected: %v", err)
	}
}

func TestInstallUnknownPackage(t *testing.T) {
	reg := &fakeRegistry{exists: false}
	_, err := newInstaller(reg).Install(context.Background(), "ghost-pkg", "1.0.0")

	var ierr *InstallError
	if !errors.As(err, &ierr) || ierr.Stage != StageCheckRegistry {
		t.Fatalf("expected failure at %s, got %v", StageCheckRegistry, err)
	}
	if reg.fetchCalls.Load() != 0 {
		t.Error("unknown package must never reach fetch")
	}
}

func TestInstallCriticalFindingBlocksBeforeFetch(t *testing.T) {
	reg := &fakeRegistry{
		exists:   true,
		artifact: []byte("x"),
		findings: []Finding{
			{ID: "CVE-2025-0001", Package: "left-pad", Severity: "moderate", Title: "prototype pollution"},
			{ID: "CVE-2025-0002", Package: "event-stream", Severity: "critical", Title: "embedded wallet stealer"},
		},
	}

	_, err := newInstaller(reg).Install(context.Background(), "price-feed", "1.0.0")
	var ierr *InstallError
	if !errors.As(err, &ierr) || ierr.Stage != StageAudit {
		t.Fatalf("expected failure at %s, got %v", StageAudit, err)
	}
	if !strings.Contains(ierr.Reason, "CVE-2025-0002") {
		t.Errorf("reason should name the finding: %s", ierr.Reason)
	}
	if reg.fetchCalls.Load() != 0 {
		t.Error("critical finding must block before fetch")
	}
}

func TestInstallLowerSeverityFindingsBecomeWarnings(t *testing.T) {
	reg := &fakeRegistry{
		exists:   true,
		artifact: []byte("x"),
		findings: []Finding{
			{ID: "CVE-2025-0003", Package: "lodash", Severity: "high", Title: "redos"},
			{ID: "CVE-2025-0004", Package: "minimist", Severity: "low", Title: "argument pollution"},
		},
	}

	res, err := newInstaller(reg).Install(context.Background(), "price-feed", "1.0.0")
	if err != nil {
		t.Fatalf("non-critical findings must not block: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "CVE-2025-0003") {
		t.Errorf("warning should name the finding: %s", res.Warnings[0])
	}
}

func TestInstallCollaboratorFailures(t *testing.T) {
	tests := []struct {
		name  string
		reg   *fakeRegistry
		stage string
	}{
		{"registry unreachable", &fakeRegistry{existsErr: errors.New("connection refused")}, StageCheckRegistry},
		{"audit unavailable", &fakeRegistry{exists: true, auditErr: errors.New("timeout")}, StageAudit},
		{"fetch failed", &fakeRegistry{exists: true, fetchErr: errors.New("connection reset")}, StageFetch},
		{"empty artifact", &fakeRegistry{exists: true, artifact: nil}, StageFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newInstaller(tt.reg).Install(context.Background(), "price-feed", "1.0.0")
			var ierr *InstallError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected InstallError, got %v", err)
			}
			if ierr.Stage != tt.stage {
				t.Errorf("expected stage %s, got %s", tt.stage, ierr.Stage)
			}
		})
	}
}

func TestInstallDedupLock(t *testing.T) {
	mem := store.NewMemoryStore()
	reg := &fakeRegistry{exists: true, artifact: []byte("x")}
	inst := New(reg, mem)
	ctx := context.Background()

	// Hold the lock as a concurrent install would.
	lockKey := store.InstallLockKey("price-feed", "1.0.0")
	acquired, err := mem.AcquireLock(ctx, lockKey, "other-node", inst.lockTTL)
	if err != nil || !acquired {
		t.Fatalf("setup lock: %v", err)
	}

	if _, err := inst.Install(ctx, "price-feed", "1.0.0"); !errors.Is(err, ErrInstallInProgress) {
		t.Fatalf("expected ErrInstallInProgress, got %v", err)
	}
	if reg.fetchCalls.Load() != 0 {
		t.Error("locked install must never reach fetch")
	}

	// A different version is not serialized against it.
	if _, err := inst.Install(ctx, "price-feed", "1.0.1"); err != nil {
		t.Fatalf("different version should not be blocked: %v", err)
	}

	// Release and retry the original.
	if err := mem.ReleaseLock(ctx, lockKey, "other-node"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Install(ctx, "price-feed", "1.0.0"); err != nil {
		t.Fatalf("install after release failed: %v", err)
	}
}

func TestInstallReleasesLockOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	reg := &fakeRegistry{exists: true, fetchErr: errors.New("boom")}
	inst := New(reg, mem)
	ctx := context.Background()

	if _, err := inst.Install(ctx, "price-feed", "1.0.0"); err == nil {
		t.Fatal("expected fetch failure")
	}

	// The lock must not leak from the failed attempt.
	reg.fetchErr = nil
	reg.artifact = []byte("x")
	if _, err := inst.Install(ctx, "price-feed", "1.0.0"); err != nil {
		t.Fatalf("retry after failure blocked: %v", err)
	}
}
