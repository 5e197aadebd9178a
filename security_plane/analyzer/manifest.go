package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema is the closed shape a plugin manifest must satisfy.
// Category values mirror the permission policy table; a manifest cannot
// declare capabilities outside the enumerated resource kinds.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "version", "category"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]{0,127}$"},
		"version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+(?:[-+][0-9A-Za-z.-]+)?$"},
		"category": {"type": "string", "enum": ["blockchain", "knowledge", "client", "social", "defi", "automation", "analytics"]},
		"publisher": {"type": "string", "maxLength": 128},
		"entrypoint": {"type": "string", "maxLength": 256},
		"permissions": {
			"type": "array",
			"items": {"type": "string", "enum": ["outbound-network", "storage-read", "storage-write", "secret-access", "event-publish", "knowledge-query"]}
		},
		"dependencies": {
			"type": "object",
			"additionalProperties": {"type": "string", "maxLength": 64}
		}
	}
}`

var compiledManifestSchema = gojsonschema.NewStringLoader(manifestSchema)

// Manifest is the declared metadata of a plugin artifact.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Category     string            `json:"category"`
	Publisher    string            `json:"publisher,omitempty"`
	Entrypoint   string            `json:"entrypoint,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`

	schemaWarnings []Warning
}

// ParseManifest decodes and schema-checks raw manifest JSON. Schema
// violations are carried as Warnings on the returned manifest rather than
// failing the parse; a manifest that is not JSON at all returns an error.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}

	res, err := gojsonschema.Validate(compiledManifestSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		m.schemaWarnings = append(m.schemaWarnings, Warning{Message: "manifest schema validation unavailable: " + err.Error()})
		return &m, nil
	}
	for _, desc := range res.Errors() {
		m.schemaWarnings = append(m.schemaWarnings, Warning{Message: "manifest: " + desc.String()})
	}
	return &m, nil
}

// check cross-references declared dependencies against the denylist and
// returns accumulated warnings. Denylist hits are advisory here; the
// install-time vulnerability audit makes the blocking decision.
func (m *Manifest) check() []Warning {
	warnings := append([]Warning(nil), m.schemaWarnings...)
	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		for _, re := range depDenylist {
			if re.MatchString(dep) {
				warnings = append(warnings, Warning{
					Message: fmt.Sprintf("dependency %q matches known-malicious package pattern", dep),
				})
				break
			}
		}
	}
	return warnings
}
