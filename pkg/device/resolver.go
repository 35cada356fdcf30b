// Package device resolves user-facing device names ("iPhone 14 Pro") to the
// canonical hardware identifiers ("iPhone15,2") used by firmware archives and
// the symbol store.
package device

import (
	_ "embed"
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

//go:embed mappings.json
var defaultDataset []byte

// identifierRe matches canonical hardware identifiers such as "iPhone15,2".
var identifierRe = regexp.MustCompile(`^[a-zA-Z]+\d+,\d+$`)

// Mapping is one entry of the device dataset.
type Mapping struct {
	MarketingName string `json:"marketing_name"`
	Identifier    string `json:"identifier"`
	Family        string `json:"family,omitempty"`
}

// Resolver maps marketing names to hardware identifiers. It is built once at
// startup and is immutable afterwards, so lookups need no locking.
type Resolver struct {
	byName       map[string]string // normalized marketing name -> identifier
	byIdentifier map[string]string // identifier -> marketing name
	canonical    map[string]string // normalized identifier -> canonical spelling
}

// NewResolver builds a resolver from the given mappings. Several marketing
// names may map to the same identifier.
func NewResolver(mappings []Mapping) *Resolver {
	r := &Resolver{
		byName:       make(map[string]string, len(mappings)),
		byIdentifier: make(map[string]string, len(mappings)),
		canonical:    make(map[string]string, len(mappings)),
	}
	for _, m := range mappings {
		if m.MarketingName == "" || m.Identifier == "" {
			continue
		}
		r.byName[normalize(m.MarketingName)] = m.Identifier
		if _, ok := r.byIdentifier[m.Identifier]; !ok {
			r.byIdentifier[m.Identifier] = m.MarketingName
		}
		r.canonical[normalize(m.Identifier)] = m.Identifier
	}
	return r
}

// NewDefaultResolver builds a resolver from the dataset bundled with the
// binary.
func NewDefaultResolver() (*Resolver, error) {
	return parseDataset(defaultDataset)
}

// LoadResolver reads a JSON dataset from path. The file holds an array of
// mapping objects.
func LoadResolver(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read device dataset")
	}
	return parseDataset(data)
}

func parseDataset(data []byte) (*Resolver, error) {
	var mappings []Mapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, errors.Wrap(err, "parse device dataset")
	}
	return NewResolver(mappings), nil
}

// Resolve returns the hardware identifier for the given device input. The
// input is either a marketing name or already a canonical identifier;
// identifiers pass through. Matching is case-insensitive and ignores
// redundant whitespace.
func (r *Resolver) Resolve(input string) (string, error) {
	norm := normalize(input)
	if norm == "" {
		return "", UnknownDeviceError{Input: input}
	}
	if id, ok := r.byName[norm]; ok {
		return id, nil
	}
	if identifierRe.MatchString(norm) {
		if canon, ok := r.canonical[norm]; ok {
			return canon, nil
		}
		// Identifier-shaped input passes through even when the dataset
		// does not know it yet.
		return strings.Join(strings.Fields(input), ""), nil
	}
	return "", UnknownDeviceError{Input: input}
}

// MarketingName returns the primary marketing name for an identifier.
func (r *Resolver) MarketingName(identifier string) (string, bool) {
	name, ok := r.byIdentifier[identifier]
	return name, ok
}

// Len reports the number of known marketing names.
func (r *Resolver) Len() int { return len(r.byName) }

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
