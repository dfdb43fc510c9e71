package query

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hybrag/hybrag/engine/domain"
)

// Synonyms maps a normalized query to the terms embedded in its place.
type Synonyms map[string][]string

// DefaultSynonyms covers the common site equipment and materials.
func DefaultSynonyms() Synonyms {
	return Synonyms{
		"excavator": {"excavator", "digger", "backhoe", "construction excavator"},
		"bulldozer": {"bulldozer", "dozer"},
		"crane":     {"crane", "tower crane", "mobile crane"},
		"brick":     {"brick", "masonry"},
		"cable":     {"cable", "wire", "electrical cable"},
	}
}

// Expand returns the terms for q. Lookup is exact; a query without an entry
// expands to itself.
func (s Synonyms) Expand(q string) []string {
	if terms, ok := s[q]; ok && len(terms) > 0 {
		return terms
	}
	return []string{q}
}

// Words lists every word appearing in keys and terms.
func (s Synonyms) Words() []string {
	var out []string
	for k, terms := range s {
		out = append(out, strings.Fields(k)...)
		for _, t := range terms {
			out = append(out, strings.Fields(t)...)
		}
	}
	return out
}

// LoadSynonyms reads a YAML mapping of query to terms:
//
//	excavator: [excavator, digger]
//	crane: [crane, tower crane]
func LoadSynonyms(path string) (Synonyms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Configuration("query.synonyms_file", "read %s: %v", path, err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.Configuration("query.synonyms_file", "parse %s: %v", path, err)
	}
	out := make(Synonyms, len(raw))
	for k, terms := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		var cleaned []string
		for _, t := range terms {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				cleaned = append(cleaned, t)
			}
		}
		out[key] = cleaned
	}
	return out, nil
}
