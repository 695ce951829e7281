package egress

import (
	"strings"
)

// PrefixMapping translates an inbound prefix to an upstream base URL.
type PrefixMapping struct {
	Prefix string
	Target string
}

// absolute reports whether the prefix is matched against the full inbound URL rather than its path.
func (m PrefixMapping) absolute() bool {
	return strings.HasPrefix(m.Prefix, "http://") || strings.HasPrefix(m.Prefix, "https://")
}

// MappingTable is an ordered, immutable list of prefix mappings.
type MappingTable struct {
	mappings []PrefixMapping
}

func NewMappingTable(mappings []PrefixMapping) *MappingTable {
	return &MappingTable{
		mappings: append([]PrefixMapping(nil), mappings...),
	}
}

// Resolve returns the first mapping, in configuration order, whose prefix is a literal prefix of the inbound
// URL (scheme-qualified prefixes) or of its path (any other prefix).
func (t *MappingTable) Resolve(fullURL, path string) (PrefixMapping, bool) {
	for _, m := range t.mappings {
		subject := path
		if m.absolute() {
			subject = fullURL
		}

		if strings.HasPrefix(subject, m.Prefix) {
			return m, true
		}
	}

	return PrefixMapping{}, false
}

// Rewrite replaces the mapping prefix with its target.
func (m PrefixMapping) Rewrite(fullURL, path string) string {
	subject := path
	if m.absolute() {
		subject = fullURL
	}

	return m.Target + strings.TrimPrefix(subject, m.Prefix)
}

func (t *MappingTable) Prefixes() []string {
	prefixes := make([]string, 0, len(t.mappings))
	for _, m := range t.mappings {
		prefixes = append(prefixes, m.Prefix)
	}

	return prefixes
}

func (t *MappingTable) Mappings() []PrefixMapping {
	return append([]PrefixMapping(nil), t.mappings...)
}

func (t *MappingTable) Len() int {
	return len(t.mappings)
}
