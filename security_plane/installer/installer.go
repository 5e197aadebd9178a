// Package installer orchestrates safe dependency installation: registry
// existence check, vulnerability audit, isolated fetch and checksum
// recording, as a strict state machine with a terminal failed state.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Install stages, in order.
const (
	StageValidateName  = "validate-name"
	StageCheckRegistry = "check-registry-exists"
	StageAudit         = "run-vulnerability-audit"
	StageFetch         = "fetch-in-isolation"
	StageChecksum      = "checksum-verify"
	StageComplete      = "complete"
	StageFailed        = "failed"
)

// ErrInstallInProgress is returned when another install of the same
// plugin+version holds the dedup lock.
var ErrInstallInProgress = errors.New("install already in progress for this plugin version")

// packageNamePattern is the shape of an acceptable package identifier:
// lowercase, no traversal, bounded length, optional single scope segment.
var packageNamePattern = regexp.MustCompile(`^(?:@[a-z0-9][a-z0-9._-]{0,63}/)?[a-z0-9][a-z0-9._-]{0,127}$`)

var versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+(?:[-+][0-9A-Za-z.-]+)?$`)

// InstallError is a terminal stage failure.
type InstallError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install failed at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("install failed at %s: %s", e.Stage, e.Reason)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Result is a completed install. Artifact holds the fetched bytes; callers
// that reject the plugin later must drop the Result so nothing
// partially-installed can ever be executed.
type Result struct {
	Package     string   `json:"package"`
	Version     string   `json:"version"`
	ChecksumHex string   `json:"checksum_hex"`
	Warnings    []string `json:"warnings,omitempty"`
	Stage       string   `json:"stage"`
	Artifact    []byte   `json:"-"`
}

// Installer runs the install state machine.
type Installer struct {
	registry Registry
	coord    store.Coordinator
	lockTTL  time.Duration
	log      *logrus.Entry
}

// New creates an Installer. The coordinator serializes installs of the same
// plugin+version across nodes; different packages install concurrently.
func New(registry Registry, coord store.Coordinator) *Installer {
	return &Installer{
		registry: registry,
		coord:    coord,
		lockTTL:  5 * time.Minute,
		log:      logrus.WithField("component", "installer"),
	}
}

// Install runs validate-name -> check-registry-exists ->
// run-vulnerability-audit -> fetch-in-isolation -> checksum-verify ->
// complete. Any stage failure is terminal; partially fetched artifacts are
// discarded with the failed attempt.
func (i *Installer) Install(ctx context.Context, packageName, version string) (*Result, error) {
	// Stage: validate-name.
	if !packageNamePattern.MatchString(packageName) {
		return nil, i.fail(StageValidateName, fmt.Sprintf("malformed package name %q", packageName), nil)
	}
	if !versionPattern.MatchString(version) {
		return nil, i.fail(StageValidateName, fmt.Sprintf("malformed version %q", version), nil)
	}
	observability.InstallStages.WithLabelValues(StageValidateName, "ok").Inc()

	// Same plugin+version installs must not race each other into duplicate
	// fetches; the lock dedups them across nodes.
	lockKey := store.InstallLockKey(packageName, version)
	owner := uuid.NewString()
	acquired, err := i.coord.AcquireLock(ctx, lockKey, owner, i.lockTTL)
	if err != nil {
		return nil, i.fail(StageCheckRegistry, "coordination backend unavailable", err)
	}
	if !acquired {
		return nil, ErrInstallInProgress
	}
	defer func() {
		if err := i.coord.ReleaseLock(context.WithoutCancel(ctx), lockKey, owner); err != nil {
			i.log.WithError(err).WithField("package", packageName).Warn("failed to release install lock")
		}
	}()

	// Stage: check-registry-exists.
	exists, err := i.registry.Exists(ctx, packageName)
	if err != nil {
		return nil, i.fail(StageCheckRegistry, "registry unreachable", err)
	}
	if !exists {
		return nil, i.fail(StageCheckRegistry, fmt.Sprintf("package %q not found in registry", packageName), nil)
	}
	observability.InstallStages.WithLabelValues(StageCheckRegistry, "ok").Inc()

	// Stage: run-vulnerability-audit. A critical finding fails the install
	// outright; everything below critical becomes a warning on the result.
	findings, err := i.registry.AuditVulnerabilities(ctx, packageName, version)
	if err != nil {
		return nil, i.fail(StageAudit, "vulnerability audit unavailable", err)
	}
	var warnings []string
	for _, f := range findings {
		if f.Severity == "critical" {
			return nil, i.fail(StageAudit, fmt.Sprintf("critical vulnerability %s in %s: %s", f.ID, f.Package, f.Title), nil)
		}
		warnings = append(warnings, fmt.Sprintf("%s vulnerability %s in %s: %s", f.Severity, f.ID, f.Package, f.Title))
	}
	observability.InstallStages.WithLabelValues(StageAudit, "ok").Inc()

	// Stage: fetch-in-isolation.
	artifact, err := i.registry.Fetch(ctx, packageName, version)
	if err != nil {
		return nil, i.fail(StageFetch, "fetch failed", err)
	}
	if len(artifact) == 0 {
		return nil, i.fail(StageFetch, "registry returned empty artifact", nil)
	}
	observability.InstallStages.WithLabelValues(StageFetch, "ok").Inc()

	// Stage: checksum-verify. The hash is recorded on the instance for
	// later tamper detection.
	sum := sha256.Sum256(artifact)
	observability.InstallStages.WithLabelValues(StageChecksum, "ok").Inc()

	observability.InstallStages.WithLabelValues(StageComplete, "ok").Inc()
	i.log.WithFields(logrus.Fields{
		"package":  packageName,
		"version":  version,
		"checksum": hex.EncodeToString(sum[:]),
		"warnings": len(warnings),
	}).Info("install complete")

	return &Result{
		Package:     packageName,
		Version:     version,
		ChecksumHex: hex.EncodeToString(sum[:]),
		Warnings:    warnings,
		Stage:       StageComplete,
		Artifact:    artifact,
	}, nil
}

func (i *Installer) fail(stage, reason string, err error) *InstallError {
	observability.InstallStages.WithLabelValues(stage, "failed").Inc()
	i.log.WithFields(logrus.Fields{"stage": stage, "reason": reason}).Warn("install failed")
	return &InstallError{Stage: stage, Reason: reason, Err: err}
}
