package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/analyzer"
	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/container"
	"github.com/plugsentry/PlugSentry/security_plane/installer"
	"github.com/plugsentry/PlugSentry/security_plane/netguard"
	"github.com/plugsentry/PlugSentry/security_plane/permission"
	"github.com/plugsentry/PlugSentry/security_plane/reputation"
	"github.com/plugsentry/PlugSentry/security_plane/resource"
	"github.com/plugsentry/PlugSentry/security_plane/signature"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Rejection is an install or execute refused by policy, as opposed to a
// backend fault. The API maps it to 422.
type Rejection struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected at %s: %s", r.Stage, r.Reason)
}

// Pipeline wires the security modules into the two platform flows: plugin
// install and plugin execution. Every gate decision it makes lands in the
// audit log before the caller sees the outcome.
type Pipeline struct {
	store      store.Store
	audit      *audit.Log
	analyzer   *analyzer.Analyzer
	verifier   *signature.Verifier
	policy     *permission.Policy
	perms      *permission.Service
	netguard   *netguard.Controller
	limiter    *resource.Limiter
	reputation *reputation.Tracker
	installer  *installer.Installer
	isolator   *container.Isolator
	log        *logrus.Entry
}

// NewPipeline assembles the pipeline from its modules.
func NewPipeline(
	s store.Store,
	auditLog *audit.Log,
	an *analyzer.Analyzer,
	ver *signature.Verifier,
	policy *permission.Policy,
	perms *permission.Service,
	ng *netguard.Controller,
	limiter *resource.Limiter,
	rep *reputation.Tracker,
	inst *installer.Installer,
	iso *container.Isolator,
) *Pipeline {
	return &Pipeline{
		store:      s,
		audit:      auditLog,
		analyzer:   an,
		verifier:   ver,
		policy:     policy,
		perms:      perms,
		netguard:   ng,
		limiter:    limiter,
		reputation: rep,
		installer:  inst,
		isolator:   iso,
		log:        logrus.WithField("component", "pipeline"),
	}
}

// InstallRequest is one plugin install submission.
type InstallRequest struct {
	PluginID     string    `json:"plugin_id"`
	Version      string    `json:"version"`
	Category     string    `json:"category"`
	Tier         string    `json:"tier"`
	Source       string    `json:"source"`
	Manifest     []byte    `json:"manifest,omitempty"`
	Signature    []byte    `json:"signature"`
	PublicKeyPEM []byte    `json:"public_key_pem"`
	Algorithm    string    `json:"algorithm"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
}

// InstallOutcome is a completed install with the evidence that admitted it.
type InstallOutcome struct {
	Instance     *store.PluginInstance  `json:"instance"`
	Analysis     analyzer.Result        `json:"analysis"`
	Verification signature.Verification `json:"verification"`
	Warnings     []string               `json:"warnings,omitempty"`
}

// Install runs the full admission pipeline: static analysis, signature
// verification, sandboxed install, instance creation and the category's
// minimum permission set. A rejection at any gate leaves nothing installed.
func (p *Pipeline) Install(ctx context.Context, tenantID string, req InstallRequest) (*InstallOutcome, error) {
	if req.PluginID == "" || req.Version == "" {
		return nil, &Rejection{Stage: "validate", Reason: "plugin_id and version are required"}
	}
	if !p.policy.KnownCategory(req.Category) {
		return nil, &Rejection{Stage: "validate", Reason: fmt.Sprintf("unknown category %q", req.Category)}
	}
	if _, err := resource.LimitsForTier(req.Tier); err != nil {
		return nil, &Rejection{Stage: "validate", Reason: err.Error()}
	}

	// Gate 1: static analysis.
	var manifest *analyzer.Manifest
	if len(req.Manifest) > 0 {
		var err error
		manifest, err = analyzer.ParseManifest(req.Manifest)
		if err != nil {
			return nil, &Rejection{Stage: "code-analysis", Reason: fmt.Sprintf("manifest unparsable: %v", err)}
		}
	}
	analysis := p.analyzer.Analyze(req.Source, manifest)
	if err := p.auditAnalysis(ctx, tenantID, req, analysis); err != nil {
		return nil, err
	}
	if err := p.reputation.OnScan(ctx, req.PluginID, analysis.Safe, float64(analysis.Score)); err != nil {
		p.log.WithError(err).Warn("failed to record scan signal")
	}
	if !analysis.Safe {
		return nil, &Rejection{Stage: "code-analysis", Reason: fmt.Sprintf("unsafe: score %d, %d threats", analysis.Score, len(analysis.Threats))}
	}

	// Gate 2: signature verification. A failed or missing signature blocks;
	// a valid signature from an unknown publisher passes with a warning and
	// no publisher trust credit.
	verification := p.verifier.Verify(req.PluginID, req.Version, []byte(req.Source), req.Signature, req.PublicKeyPEM, req.Algorithm)
	if err := p.auditVerification(ctx, tenantID, req, verification); err != nil {
		return nil, err
	}
	if !verification.Verified {
		return nil, &Rejection{Stage: "signature-verify", Reason: verification.Reason}
	}
	var warnings []string
	if !verification.TrustedPublisher {
		warnings = append(warnings, "signature valid but publisher is not in the trusted registry")
	}
	if manifest != nil {
		if w := p.verifier.PublisherMismatch(manifest.Publisher, verification); w != "" {
			warnings = append(warnings, w)
		}
	}

	// Gate 3: sandboxed install.
	result, err := p.installer.Install(ctx, req.PluginID, req.Version)
	if err != nil {
		var instErr *installer.InstallError
		if errors.As(err, &instErr) {
			p.auditInstallFailure(ctx, tenantID, req, instErr)
			return nil, &Rejection{Stage: instErr.Stage, Reason: instErr.Reason}
		}
		return nil, err
	}
	warnings = append(warnings, result.Warnings...)

	now := time.Now().UTC()
	inst := &store.PluginInstance{
		InstanceID:  uuid.NewString(),
		PluginID:    req.PluginID,
		TenantID:    tenantID,
		Version:     req.Version,
		Category:    req.Category,
		Tier:        req.Tier,
		Status:      store.StatusActive,
		ChecksumHex: result.ChecksumHex,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.UpsertInstance(ctx, tenantID, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	if err := p.perms.EnforceMinimumSet(ctx, p.policy, tenantID, inst.InstanceID, req.Category, "system:install"); err != nil {
		return nil, fmt.Errorf("enforce minimum permission set: %w", err)
	}

	if err := p.reputation.OnInstall(ctx, req.PluginID, verification.TrustedPublisher, req.PublishedAt); err != nil {
		p.log.WithError(err).Warn("failed to record install signal")
	}

	if err := p.audit.Record(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: inst.InstanceID,
		PluginID:   req.PluginID,
		Category:   store.AuditInstall,
		Severity:   store.SeverityInfo,
		Message:    fmt.Sprintf("installed %s@%s", req.PluginID, req.Version),
		Metadata: map[string]string{
			"checksum": result.ChecksumHex,
			"category": req.Category,
			"tier":     req.Tier,
		},
	}); err != nil {
		return nil, err
	}

	return &InstallOutcome{
		Instance:     inst,
		Analysis:     analysis,
		Verification: verification,
		Warnings:     warnings,
	}, nil
}

// ExecuteRequest is one plugin execution submission.
type ExecuteRequest struct {
	InstanceID string   `json:"instance_id"`
	Entrypoint string   `json:"entrypoint"`
	Args       []string `json:"args,omitempty"`
}

// Execute runs the plugin in a fresh isolated context. The network mode is
// derived from the instance's granted permissions: outbound-network grants
// egress through the access controller, otherwise the context has no
// network at all.
func (p *Pipeline) Execute(ctx context.Context, tenantID string, req ExecuteRequest) (*container.ExecResult, error) {
	inst, err := p.store.GetInstance(ctx, tenantID, req.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != store.StatusActive {
		return nil, &Rejection{Stage: "execute", Reason: fmt.Sprintf("instance is %s", inst.Status)}
	}

	networkMode := container.NetworkModeNone
	granted, err := p.perms.Check(ctx, tenantID, inst.InstanceID, permission.ResourceOutboundNetwork,
		permission.CheckContext{Actor: "execute"})
	if err != nil {
		return nil, err
	}
	if granted {
		networkMode = container.NetworkModeLimited
	}

	res, err := p.isolator.Execute(ctx, container.ExecRequest{
		TenantID:    tenantID,
		InstanceID:  inst.InstanceID,
		PluginID:    inst.PluginID,
		Tier:        inst.Tier,
		NetworkMode: networkMode,
		Entrypoint:  req.Entrypoint,
		Args:        req.Args,
	})

	failed := err != nil || (res != nil && res.Output.ExitCode != 0)
	if repErr := p.reputation.OnExecution(ctx, inst.PluginID, failed); repErr != nil {
		p.log.WithError(repErr).Warn("failed to record execution signal")
	}
	if err != nil {
		return nil, err
	}

	if err := p.audit.Record(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: inst.InstanceID,
		PluginID:   inst.PluginID,
		Category:   store.AuditExecution,
		Severity:   store.SeverityInfo,
		Message:    "execution completed",
		Metadata: map[string]string{
			"execution_id": res.ExecutionID,
			"exit_code":    fmt.Sprintf("%d", res.Output.ExitCode),
			"duration":     res.Duration.String(),
			"network_mode": networkMode,
		},
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// RevokePermission revokes a grant and terminates every live execution of
// the instance. A revocation takes effect immediately, not at the next
// permission check.
func (p *Pipeline) RevokePermission(ctx context.Context, tenantID, instanceID, resource, actor string) (int, error) {
	if err := p.perms.Revoke(ctx, tenantID, instanceID, resource, actor); err != nil {
		return 0, err
	}
	killed := p.isolator.Live().KillInstance(instanceID)
	if killed > 0 {
		if err := p.audit.Record(ctx, &store.AuditEntry{
			TenantID:   tenantID,
			InstanceID: instanceID,
			Category:   store.AuditPermissionCheck,
			Severity:   store.SeverityWarning,
			Message:    fmt.Sprintf("revocation of %s terminated %d live executions", resource, killed),
			Metadata:   map[string]string{"resource": resource, "actor": actor},
		}); err != nil {
			return killed, err
		}
	}
	return killed, nil
}

// Uninstall kills live executions, removes the instance and its owned
// records, and leaves the audit history in place.
func (p *Pipeline) Uninstall(ctx context.Context, tenantID, instanceID, actor string) error {
	inst, err := p.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	killed := p.isolator.Live().KillInstance(instanceID)
	if err := p.store.DeleteInstance(ctx, tenantID, instanceID); err != nil {
		return err
	}
	return p.audit.Record(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: instanceID,
		PluginID:   inst.PluginID,
		Category:   store.AuditInstall,
		Severity:   store.SeverityInfo,
		Message:    fmt.Sprintf("uninstalled %s@%s", inst.PluginID, inst.Version),
		Metadata: map[string]string{
			"actor":             actor,
			"killed_executions": fmt.Sprintf("%d", killed),
		},
	})
}

// SetInstanceStatus suspends or reactivates an instance. Suspension kills
// anything currently running.
func (p *Pipeline) SetInstanceStatus(ctx context.Context, tenantID, instanceID, status, actor string) error {
	switch status {
	case store.StatusActive, store.StatusSuspended, store.StatusRevoked:
	default:
		return &Rejection{Stage: "status", Reason: fmt.Sprintf("invalid status %q", status)}
	}
	if err := p.store.UpdateInstanceStatus(ctx, tenantID, instanceID, status); err != nil {
		return err
	}
	killed := 0
	if status != store.StatusActive {
		killed = p.isolator.Live().KillInstance(instanceID)
	}
	return p.audit.Record(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Category:   store.AuditExecution,
		Severity:   store.SeverityInfo,
		Message:    fmt.Sprintf("instance status set to %s", status),
		Metadata: map[string]string{
			"actor":             actor,
			"killed_executions": fmt.Sprintf("%d", killed),
		},
	})
}

func (p *Pipeline) auditAnalysis(ctx context.Context, tenantID string, req InstallRequest, res analyzer.Result) error {
	severity := store.SeverityInfo
	if !res.Safe {
		severity = store.SeverityCritical
	}
	return p.audit.Record(ctx, &store.AuditEntry{
		TenantID: tenantID,
		PluginID: req.PluginID,
		Category: store.AuditCodeAnalysis,
		Severity: severity,
		Message:  fmt.Sprintf("static analysis of %s@%s: score %d", req.PluginID, req.Version, res.Score),
		Metadata: map[string]string{
			"safe":     fmt.Sprintf("%t", res.Safe),
			"score":    fmt.Sprintf("%d", res.Score),
			"threats":  fmt.Sprintf("%d", len(res.Threats)),
			"warnings": fmt.Sprintf("%d", len(res.Warnings)),
		},
	})
}

func (p *Pipeline) auditVerification(ctx context.Context, tenantID string, req InstallRequest, v signature.Verification) error {
	severity := store.SeverityInfo
	if !v.Verified {
		severity = store.SeverityError
	}
	meta := map[string]string{
		"verified":  fmt.Sprintf("%t", v.Verified),
		"trusted":   fmt.Sprintf("%t", v.TrustedPublisher),
		"algorithm": v.Algorithm,
	}
	if v.Reason != "" {
		meta["reason"] = v.Reason
	}
	return p.audit.Record(ctx, &store.AuditEntry{
		TenantID: tenantID,
		PluginID: req.PluginID,
		Category: store.AuditSignatureVerify,
		Severity: severity,
		Message:  fmt.Sprintf("signature verification of %s@%s", req.PluginID, req.Version),
		Metadata: meta,
	})
}

func (p *Pipeline) auditInstallFailure(ctx context.Context, tenantID string, req InstallRequest, instErr *installer.InstallError) {
	if err := p.audit.Record(ctx, &store.AuditEntry{
		TenantID: tenantID,
		PluginID: req.PluginID,
		Category: store.AuditInstall,
		Severity: store.SeverityError,
		Message:  fmt.Sprintf("install of %s@%s failed at %s", req.PluginID, req.Version, instErr.Stage),
		Metadata: map[string]string{"stage": instErr.Stage, "reason": instErr.Reason},
	}); err != nil {
		p.log.WithError(err).Warn("failed to audit install failure")
	}
}
