// Package scopes implements the permission algebra for API tokens: parsing
// scope strings, expanding self-referencing filters, and computing
// intersections when a token's requested scopes are capped by what its owner
// and client allow.
package scopes

import (
	"fmt"
	"sort"
	"strings"
)

// A Scope is a permission with an optional filter, written
// "base", "base!attr" (self-referencing), or "base!attr=value".
type Scope struct {
	Base string
	// Filter is the attribute name ("user", "server", "service", "group"),
	// empty for unfiltered scopes.
	Filter string
	// Value is the filter value; empty on a self-referencing filter until
	// ExpandSelf resolves it against a principal.
	Value string
}

// Filter attribute names.
const (
	FilterUser    = "user"
	FilterServer  = "server"
	FilterService = "service"
	FilterGroup   = "group"
)

var validFilters = map[string]bool{
	FilterUser:    true,
	FilterServer:  true,
	FilterService: true,
	FilterGroup:   true,
}

// Parse splits a scope string into base, filter attribute, and value.
func Parse(s string) (Scope, error) {
	base, filter, ok := strings.Cut(s, "!")
	if base == "" {
		return Scope{}, fmt.Errorf("empty scope")
	}
	if !ok {
		return Scope{Base: base}, nil
	}
	attr, value, _ := strings.Cut(filter, "=")
	if !validFilters[attr] {
		return Scope{}, fmt.Errorf("scope %q: unknown filter attribute %q", s, attr)
	}
	return Scope{Base: base, Filter: attr, Value: value}, nil
}

func (s Scope) String() string {
	if s.Filter == "" {
		return s.Base
	}
	if s.Value == "" {
		return s.Base + "!" + s.Filter
	}
	return s.Base + "!" + s.Filter + "=" + s.Value
}

// SelfReferencing reports whether the scope has a filter with no value yet,
// e.g. "access:servers!user".
func (s Scope) SelfReferencing() bool {
	return s.Filter != "" && s.Value == ""
}

// subScopes is the containment hierarchy: holding a key grants all listed
// scopes with the same filter.
var subScopes = map[string][]string{
	"admin:users":   {"users"},
	"users":         {"read:users", "users:activity"},
	"read:users":    {"read:users:name", "read:users:groups"},
	"admin:servers": {"servers"},
	"servers":       {"read:servers", "access:servers"},
	"tokens":        {"read:tokens"},
	"admin:groups":  {"groups"},
	"groups":        {"read:groups"},
}

// descendants returns base plus every scope it transitively contains.
func descendants(base string) []string {
	out := []string{base}
	seen := map[string]bool{base: true}
	for i := 0; i < len(out); i++ {
		for _, sub := range subScopes[out[i]] {
			if !seen[sub] {
				seen[sub] = true
				out = append(out, sub)
			}
		}
	}
	return out
}

// Identity is the principal scopes are resolved for.
type Identity struct {
	User string
	// Server is "user/name" when the principal is a single-user server's
	// own token.
	Server  string
	Service string
}

// A Set is a collection of scopes keyed by canonical string form. Sets are
// treated as immutable: every operation returns a new Set and never mutates
// its receiver or arguments.
type Set map[string]Scope

// NewSet parses the given scope strings into a Set. Invalid scopes are
// rejected rather than silently dropped.
func NewSet(raw ...string) (Set, error) {
	set := make(Set, len(raw))
	for _, r := range raw {
		s, err := Parse(r)
		if err != nil {
			return nil, err
		}
		set[s.String()] = s
	}
	return set, nil
}

// MustNewSet is NewSet for statically known scope lists.
func MustNewSet(raw ...string) Set {
	set, err := NewSet(raw...)
	if err != nil {
		panic(err)
	}
	return set
}

// Slice returns the sorted canonical scope strings.
func (set Set) Slice() []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Union returns a new Set holding every scope from both sets.
func (set Set) Union(other Set) Set {
	out := make(Set, len(set)+len(other))
	for k, v := range set {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ExpandSelf resolves self-referencing filters against an identity:
// "servers!user" becomes "servers!user=alice". Scopes whose filter attribute
// has no counterpart in the identity are dropped. The receiver is not
// modified.
func (set Set) ExpandSelf(id Identity) Set {
	out := make(Set, len(set))
	for _, s := range set {
		if !s.SelfReferencing() {
			out[s.String()] = s
			continue
		}
		expanded := s
		switch s.Filter {
		case FilterUser:
			if id.User == "" {
				continue
			}
			expanded.Value = id.User
		case FilterServer:
			if id.Server == "" {
				continue
			}
			expanded.Value = id.Server
		case FilterService:
			if id.Service == "" {
				continue
			}
			expanded.Value = id.Service
		default:
			continue
		}
		out[expanded.String()] = expanded
	}
	return out
}

// closure expands every scope to its full descendant set, carrying filters
// along. The result may contain the same base under several filters.
func (set Set) closure() Set {
	out := make(Set)
	for _, s := range set {
		for _, base := range descendants(s.Base) {
			d := Scope{Base: base, Filter: s.Filter, Value: s.Value}
			out[d.String()] = d
		}
	}
	return out
}

// filterMatch resolves the filter of an intersection pair: an unfiltered
// scope yields the other side's filter, equal filters yield themselves, and
// a user filter covers that user's servers.
func filterMatch(a, b Scope) (Scope, bool) {
	switch {
	case a.Filter == "":
		return b, true
	case b.Filter == "":
		return a, true
	case a.Filter == b.Filter && a.Value == b.Value:
		return a, true
	case a.Filter == FilterUser && b.Filter == FilterServer && serverOwner(b.Value) == a.Value:
		return b, true
	case b.Filter == FilterUser && a.Filter == FilterServer && serverOwner(a.Value) == b.Value:
		return a, true
	}
	return Scope{}, false
}

func serverOwner(server string) string {
	owner, _, _ := strings.Cut(server, "/")
	return owner
}

// Intersect returns the scopes granted by both sets. It is commutative and
// idempotent: Intersect(A, B) == Intersect(B, A) and Intersect(A, A) == A.
// Neither input is modified.
func (set Set) Intersect(other Set) Set {
	ca, cb := set.closure(), other.closure()

	byBase := make(map[string][]Scope)
	for _, s := range cb {
		byBase[s.Base] = append(byBase[s.Base], s)
	}

	matched := make(Set)
	for _, a := range ca {
		for _, b := range byBase[a.Base] {
			if m, ok := filterMatch(a, b); ok {
				matched[m.String()] = m
			}
		}
	}
	return matched.reduce()
}

// reduce drops scopes implied by another scope in the set, restoring the
// minimal form after closure expansion.
func (set Set) reduce() Set {
	out := make(Set)
	for k, s := range set {
		implied := false
		for k2, s2 := range set {
			if k == k2 {
				continue
			}
			if s2.implies(s) && !s.implies(s2) {
				implied = true
				break
			}
		}
		if !implied {
			out[k] = s
		}
	}
	return out
}

// implies reports whether holding s grants needed.
func (s Scope) implies(needed Scope) bool {
	baseOK := false
	for _, d := range descendants(s.Base) {
		if d == needed.Base {
			baseOK = true
			break
		}
	}
	if !baseOK {
		return false
	}
	switch {
	case s.Filter == "":
		return true
	case s.Filter == needed.Filter && s.Value == needed.Value:
		return true
	case s.Filter == FilterUser && needed.Filter == FilterServer && serverOwner(needed.Value) == s.Value:
		return true
	}
	return false
}

// Allows reports whether the set grants the concrete scope string needed.
func (set Set) Allows(needed string) bool {
	n, err := Parse(needed)
	if err != nil {
		return false
	}
	for _, s := range set {
		if s.implies(n) {
			return true
		}
	}
	return false
}
