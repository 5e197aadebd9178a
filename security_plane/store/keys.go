package store

import (
	"fmt"
)

// Resource type for namespaced keys.
type Resource string

const (
	ResourceInstance   Resource = "instances"
	ResourcePermission Resource = "permissions"
	ResourceAllowlist  Resource = "allowlist"
	ResourceUsage      Resource = "usage"
)

// TenantKey constructs a fully qualified key for a tenant resource.
// Format: plugsentry:tenants:{tenantID}:{resource}:{id}
func TenantKey(tenantID string, resource Resource, id string) string {
	return fmt.Sprintf("plugsentry:tenants:%s:%s:%s", tenantID, resource, id)
}

// TenantPrefix constructs a search pattern prefix for a tenant resource.
func TenantPrefix(tenantID string, resource Resource) string {
	return fmt.Sprintf("plugsentry:tenants:%s:%s:", tenantID, resource)
}

// InstallLockKey names the dedup lock for one plugin+version install.
func InstallLockKey(pluginID, version string) string {
	return fmt.Sprintf("plugsentry:locks:install:%s@%s", pluginID, version)
}

// RateWindowKey names the sliding rate-limit window for one instance+domain.
func RateWindowKey(tenantID, instanceID, domain string) string {
	return fmt.Sprintf("plugsentry:ratewin:%s:%s:%s", tenantID, instanceID, domain)
}

// IdempotencyKey namespaces client-supplied idempotency keys per tenant.
func IdempotencyKey(tenantID, clientKey string) string {
	return fmt.Sprintf("plugsentry:idem:%s:%s", tenantID, clientKey)
}
