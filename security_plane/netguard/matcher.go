package netguard

import (
	"strings"

	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// matchAllowlist checks a domain against the per-instance allowlist.
// Rules are exact domains or "*.suffix" wildcards; a rule with Allowed false
// is an explicit deny. Counter-only rows are skipped, so attempt tracking on
// a wildcard-covered domain cannot shadow the wildcard rule. Absence of any
// matching rule means denial.
func matchAllowlist(entries []*store.AllowlistEntry, domain string) bool {
	domain = strings.ToLower(domain)
	explicitDeny := false
	wildcardAllow := false

	for _, e := range entries {
		if !e.IsRule {
			continue
		}
		d := strings.ToLower(e.Domain)
		if strings.HasPrefix(d, "*.") {
			// "*.example.com" matches "api.example.com" but not
			// "example.com" itself and not "evilexample.com".
			suffix := d[1:] // ".example.com"
			if strings.HasSuffix(domain, suffix) && len(domain) > len(suffix) {
				if e.Allowed {
					wildcardAllow = true
				} else {
					explicitDeny = true
				}
			}
			continue
		}
		if d == domain {
			if !e.Allowed {
				return false
			}
			return true
		}
	}
	return wildcardAllow && !explicitDeny
}
