package permission

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Permission resource kinds. This is a closed enumeration: grants for
// anything outside it are rejected.
const (
	ResourceOutboundNetwork = "outbound-network"
	ResourceStorageRead     = "storage-read"
	ResourceStorageWrite    = "storage-write"
	ResourceSecretAccess    = "secret-access"
	ResourceEventPublish    = "event-publish"
	ResourceKnowledgeQuery  = "knowledge-query"
)

var validResources = map[string]bool{
	ResourceOutboundNetwork: true,
	ResourceStorageRead:     true,
	ResourceStorageWrite:    true,
	ResourceSecretAccess:    true,
	ResourceEventPublish:    true,
	ResourceKnowledgeQuery:  true,
}

// ValidResource reports whether the resource kind is in the closed set.
func ValidResource(resource string) bool {
	return validResources[resource]
}

//go:embed policy.yaml
var policyYAML []byte

type policyFile struct {
	Categories map[string][]string `yaml:"categories"`
}

// Policy maps plugin categories to their minimum capability sets. It is
// loaded once from the embedded table, never from plugin-supplied data, so
// a plugin cannot declare its own exemption.
type Policy struct {
	categories map[string][]string
}

// LoadPolicy parses the embedded policy table. It panics on a malformed
// table: that is a build defect, not runtime input.
func LoadPolicy() *Policy {
	var pf policyFile
	if err := yaml.Unmarshal(policyYAML, &pf); err != nil {
		panic(fmt.Sprintf("permission: embedded policy table invalid: %v", err))
	}
	for cat, resources := range pf.Categories {
		for _, r := range resources {
			if !validResources[r] {
				panic(fmt.Sprintf("permission: policy table category %q names unknown resource %q", cat, r))
			}
		}
	}
	return &Policy{categories: pf.Categories}
}

// MinimumSet returns the required capabilities for a category. Unknown
// categories return an error: the table is closed.
func (p *Policy) MinimumSet(category string) ([]string, error) {
	set, ok := p.categories[category]
	if !ok {
		return nil, fmt.Errorf("unknown plugin category %q", category)
	}
	out := make([]string, len(set))
	copy(out, set)
	return out, nil
}

// KnownCategory reports whether the category exists in the table.
func (p *Policy) KnownCategory(category string) bool {
	_, ok := p.categories[category]
	return ok
}
