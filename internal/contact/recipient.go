// Package contact holds the read-only recipient snapshot consumed by the
// template engine and the dispatch orchestrator.
package contact

import (
	"sort"
	"strings"
)

// Recipient is one destination of a bulk send.
//
// A Recipient is a value: batches keep their own copy so later directory
// edits never leak into an in-flight batch.
type Recipient struct {
	Name       string            `json:"name" yaml:"name"`
	Phone      string            `json:"phone" yaml:"phone"`
	Company    string            `json:"company,omitempty" yaml:"company,omitempty"`
	Email      string            `json:"email,omitempty" yaml:"email,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Builtin lists the variable names every recipient answers.
var Builtin = []string{"name", "first_name", "last_name", "phone", "address", "company", "email"}

// Address is the delivery destination handed to the transport.
func (r Recipient) Address() string { return strings.TrimSpace(r.Phone) }

// Clone returns a deep copy (attributes map included).
func (r Recipient) Clone() Recipient {
	cp := r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

// Lookup resolves a template variable against recipient data. Names match
// case-insensitively. A builtin with an empty value falls through to the
// attributes, and a miss leaves the caller free to try its own context.
func (r Recipient) Lookup(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if v := r.builtin(key); v != "" {
		return v, true
	}
	if v, ok := r.Attributes[key]; ok && v != "" {
		return v, true
	}
	for k, v := range r.Attributes {
		if strings.EqualFold(k, key) && v != "" {
			return v, true
		}
	}
	return "", false
}

func (r Recipient) builtin(key string) string {
	switch key {
	case "name":
		return strings.TrimSpace(r.Name)
	case "first_name", "firstname":
		first, _ := splitName(r.Name)
		return first
	case "last_name", "lastname":
		_, last := splitName(r.Name)
		return last
	case "phone", "address":
		return r.Address()
	case "company":
		return strings.TrimSpace(r.Company)
	case "email":
		return strings.TrimSpace(r.Email)
	}
	return ""
}

// AttributeKeys returns the lower-cased attribute names present on any of
// rs, sorted.
func AttributeKeys(rs []Recipient) []string {
	seen := map[string]bool{}
	for _, r := range rs {
		for k := range r.Attributes {
			seen[strings.ToLower(strings.TrimSpace(k))] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
