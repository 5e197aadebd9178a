// Package permission implements the fine-grained capability store per
// plugin instance. Grants are append-only audit-preserving records: a
// resource kind has at most one active grant at a time, and revocation
// writes a new fact rather than deleting history.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// ErrUnknownResource is returned for resource kinds outside the closed set.
var ErrUnknownResource = errors.New("unknown permission resource")

// ErrAlreadyGranted is returned when granting a resource that already has an
// active record; the invariant is at most one active grant per kind.
var ErrAlreadyGranted = errors.New("permission already granted")

// CheckContext carries optional fine-grained context for a check. The
// underlying grant stays coarse (resource-kind level); context is recorded
// for the audit trail and, for the network case, enforced separately by the
// network access controller.
type CheckContext struct {
	Domain string
	Table  string
	Actor  string
}

// Service is the permission grant/revoke/check store.
type Service struct {
	store store.Store
	audit *audit.Log
	log   *logrus.Entry
}

// NewService creates the permission service.
func NewService(s store.Store, auditLog *audit.Log) *Service {
	return &Service{
		store: s,
		audit: auditLog,
		log:   logrus.WithField("component", "permission"),
	}
}

// Grant records a new active grant for the resource kind. Fails if the kind
// is unknown or an active grant already exists.
func (s *Service) Grant(ctx context.Context, tenantID, instanceID, resource, grantedBy string) error {
	if !ValidResource(resource) {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	rec := &store.PermissionRecord{
		RecordID:   uuid.NewString(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		Resource:   resource,
		Granted:    true,
		GrantedBy:  grantedBy,
		GrantedAt:  time.Now().UTC(),
	}
	// The store refuses the append when an active grant already exists, so
	// racing grants for the same resource resolve to exactly one record.
	if err := s.store.AppendPermission(ctx, tenantID, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyGranted
		}
		return err
	}
	s.log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"instance": instanceID,
		"resource": resource,
		"actor":    grantedBy,
	}).Info("permission granted")
	return nil
}

// Revoke marks the active grant revoked, preserving the record.
func (s *Service) Revoke(ctx context.Context, tenantID, instanceID, resource, revokedBy string) error {
	if !ValidResource(resource) {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	if err := s.store.RevokePermission(ctx, tenantID, instanceID, resource, revokedBy, time.Now().UTC()); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"instance": instanceID,
		"resource": resource,
		"actor":    revokedBy,
	}).Info("permission revoked")
	return nil
}

// Check is the hot-path decision invoked on every sensitive plugin call. It
// resolves against the single active record, O(1) relative to grant history,
// and never returns an error for a plain denial. Every denial is recorded as
// a permission-check audit entry before returning.
func (s *Service) Check(ctx context.Context, tenantID, instanceID, resource string, cc CheckContext) (bool, error) {
	if !ValidResource(resource) {
		// Unknown kinds are denied, not errored: a plugin probing the
		// boundary gets the same generic answer as any other denial.
		if err := s.recordDenial(ctx, tenantID, instanceID, resource, cc, "unknown resource kind"); err != nil {
			return false, err
		}
		return false, nil
	}

	_, err := s.store.GetActivePermission(ctx, tenantID, instanceID, resource)
	if err == nil {
		observability.PermissionChecks.WithLabelValues(resource, "allowed").Inc()
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		// Store unreachable is a fault, not a denial.
		return false, err
	}

	// The denial is committed to the audit log before it is returned;
	// a failed audit write is a fault, not a silent denial.
	if err := s.recordDenial(ctx, tenantID, instanceID, resource, cc, "no active grant"); err != nil {
		return false, err
	}
	return false, nil
}

// ListHistory returns the full grant history for the dashboard surface.
func (s *Service) ListHistory(ctx context.Context, tenantID, instanceID string) ([]*store.PermissionRecord, error) {
	return s.store.ListPermissions(ctx, tenantID, instanceID)
}

// EnforceMinimumSet grants every capability the category policy requires,
// skipping ones already active. Install-time only.
func (s *Service) EnforceMinimumSet(ctx context.Context, policy *Policy, tenantID, instanceID, category, grantedBy string) error {
	required, err := policy.MinimumSet(category)
	if err != nil {
		return err
	}
	for _, resource := range required {
		if err := s.Grant(ctx, tenantID, instanceID, resource, grantedBy); err != nil && !errors.Is(err, ErrAlreadyGranted) {
			return err
		}
	}
	return nil
}

func (s *Service) recordDenial(ctx context.Context, tenantID, instanceID, resource string, cc CheckContext, detail string) error {
	observability.PermissionChecks.WithLabelValues(resource, "denied").Inc()
	meta := map[string]string{"resource": resource, "detail": detail}
	if cc.Domain != "" {
		meta["domain"] = cc.Domain
	}
	if cc.Table != "" {
		meta["table"] = cc.Table
	}
	if cc.Actor != "" {
		meta["actor"] = cc.Actor
	}
	entry := &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Category:   store.AuditPermissionCheck,
		Severity:   store.SeverityWarning,
		Message:    fmt.Sprintf("permission denied: %s", resource),
		Metadata:   meta,
	}
	return s.audit.Record(ctx, entry)
}
