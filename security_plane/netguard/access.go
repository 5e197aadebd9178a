// Package netguard gates outbound plugin network calls: unconditional
// IP-class blocking, per-instance domain allowlists and sliding-window rate
// limiting. It is the fine-grained layer above the coarse outbound-network
// permission grant; both gates must pass independently.
package netguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Rejection reasons.
const (
	ReasonBlockedIPClass = "blocked-ip-class"
	ReasonNotAllowlisted = "not-allowlisted"
	ReasonRateLimited    = "rate-limited"
)

// DefaultRateLimit is the per-instance-per-domain request ceiling.
const DefaultRateLimit = 10

// DefaultRateWindow is the sliding window the ceiling applies to.
const DefaultRateWindow = time.Minute

// Decision is the structured outcome of one outbound access check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Controller evaluates outbound requests for plugin instances.
type Controller struct {
	store    store.Store
	coord    store.Coordinator
	audit    *audit.Log
	resolver Resolver
	limit    int
	window   time.Duration
	log      *logrus.Entry
}

// NewController creates a Controller. limit <= 0 and window <= 0 fall back
// to the defaults; resolver nil falls back to the system resolver.
func NewController(s store.Store, coord store.Coordinator, auditLog *audit.Log, resolver Resolver, limit int, window time.Duration) *Controller {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if resolver == nil {
		resolver = SystemResolver
	}
	return &Controller{
		store:    s,
		coord:    coord,
		audit:    auditLog,
		resolver: resolver,
		limit:    limit,
		window:   window,
		log:      logrus.WithField("component", "netguard"),
	}
}

// IsAllowed decides whether the instance may contact the domain. Checks run
// in order: IP-class blocking (unconditional, allowlist cannot override),
// allowlist match, then the sliding-window rate limit. Every attempt bumps
// the request counter and last-request timestamp regardless of outcome;
// every rejection is committed to the audit log before returning.
func (c *Controller) IsAllowed(ctx context.Context, tenantID, instanceID, domain string) (Decision, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	now := time.Now().UTC()

	// Attempt counters are observability state, kept even for rejected
	// requests.
	if err := c.store.BumpAllowlistCounter(ctx, tenantID, instanceID, domain, now); err != nil {
		return Decision{}, fmt.Errorf("bump request counter: %w", err)
	}

	// Stage 1: resolve-or-reject.
	if class := hostBlockedClass(ctx, c.resolver, domain); class != "" {
		d := Decision{Allowed: false, Reason: ReasonBlockedIPClass}
		if err := c.reject(ctx, tenantID, instanceID, domain, d, map[string]string{"ip_class": class}); err != nil {
			return Decision{}, err
		}
		return d, nil
	}

	// Stage 2: allowlist match.
	entries, err := c.store.ListAllowlist(ctx, tenantID, instanceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load allowlist: %w", err)
	}
	if !matchAllowlist(entries, domain) {
		d := Decision{Allowed: false, Reason: ReasonNotAllowlisted}
		if err := c.reject(ctx, tenantID, instanceID, domain, d, nil); err != nil {
			return Decision{}, err
		}
		return d, nil
	}

	// Stage 3: sliding-window rate limit.
	key := store.RateWindowKey(tenantID, instanceID, domain)
	count, oldest, err := c.coord.SlideWindow(ctx, key, now, c.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}
	if count > int64(c.limit) {
		retryAfter := c.window - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
		d := Decision{Allowed: false, Reason: ReasonRateLimited, RetryAfter: retryAfter}
		if err := c.reject(ctx, tenantID, instanceID, domain, d, map[string]string{
			"count": fmt.Sprintf("%d", count),
			"limit": fmt.Sprintf("%d", c.limit),
		}); err != nil {
			return Decision{}, err
		}
		return d, nil
	}

	observability.NetworkDecisions.WithLabelValues("allowed", "").Inc()
	return Decision{Allowed: true, Remaining: c.limit - int(count)}, nil
}

func (c *Controller) reject(ctx context.Context, tenantID, instanceID, domain string, d Decision, extra map[string]string) error {
	observability.NetworkDecisions.WithLabelValues("blocked", d.Reason).Inc()
	meta := map[string]string{"domain": domain, "reason": d.Reason}
	for k, v := range extra {
		meta[k] = v
	}
	c.log.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"instance": instanceID,
		"domain":   domain,
		"reason":   d.Reason,
	}).Warn("outbound request blocked")
	return c.audit.Record(ctx, &store.AuditEntry{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Category:   store.AuditNetworkBlock,
		Severity:   store.SeverityWarning,
		Message:    fmt.Sprintf("outbound request to %s blocked: %s", domain, d.Reason),
		Metadata:   meta,
	})
}
