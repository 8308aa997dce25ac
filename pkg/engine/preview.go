package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// DependenciesPath is the change path used when an entry's dependency list differs.
const DependenciesPath = "$dependencies"

// Preview is a structural diff of an entry's parameters. Counts cover the
// whole subtree; Nested breaks them down per sub-object.
type Preview struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`

	// Changes are the field changes directly at this level.
	Changes []Change `json:"changes,omitempty"`

	// Nested maps a sub-object key to its own preview.
	Nested map[string]*Preview `json:"nested,omitempty"`
}

// Total returns the number of changed fields.
func (p *Preview) Total() int {
	if p == nil {
		return 0
	}
	return p.Created + p.Updated + p.Removed
}

// AllChanges returns every change in the subtree, sorted by path.
func (p *Preview) AllChanges() []Change {
	if p == nil {
		return nil
	}
	out := append([]Change(nil), p.Changes...)
	for _, child := range p.Nested {
		out = append(out, child.AllChanges()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (p *Preview) add(c Change) {
	switch c.Action {
	case ChangeActionAdd:
		p.Created++
	case ChangeActionRemove:
		p.Removed++
	case ChangeActionModify:
		p.Updated++
	}
	p.Changes = append(p.Changes, c)
}

func (p *Preview) merge(key string, child *Preview) {
	if p.Nested == nil {
		p.Nested = make(map[string]*Preview)
	}
	p.Nested[key] = child
	p.Created += child.Created
	p.Updated += child.Updated
	p.Removed += child.Removed
}

// DiffEntries computes the preview between candidate and current
// parameters and dependency lists. Paths matched by ignore are skipped.
// It returns nil when nothing differs.
func DiffEntries(candidate, current *Entry, ignore ...string) *Preview {
	skip := pathMatcher(ignore)
	p := &Preview{}

	before := decodeJSON(current.Parameters)
	after := decodeJSON(candidate.Parameters)
	bm, bok := before.(map[string]interface{})
	am, aok := after.(map[string]interface{})
	switch {
	case bok && aok:
		if child := diffObjects("", bm, am, skip); child != nil {
			p = child
		}
	case !cmp.Equal(before, after):
		p.add(Change{Path: "", Before: before, After: after, Action: changeActionFor(before, after)})
	}

	if !skip(DependenciesPath) && !sameDependencies(candidate.Dependencies, current.Dependencies) {
		p.add(Change{
			Path:   DependenciesPath,
			Before: current.Dependencies,
			After:  candidate.Dependencies,
			Action: ChangeActionModify,
		})
	}

	if p.Total() == 0 {
		return nil
	}
	return p
}

func diffObjects(prefix string, before, after map[string]interface{}, skip func(string) bool) *Preview {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	p := &Preview{}
	for _, k := range sorted {
		path := joinPath(prefix, k)
		if skip(path) {
			continue
		}
		b, a := before[k], after[k]
		switch {
		case b == nil && a == nil:
			continue
		case b == nil:
			p.add(Change{Path: path, After: a, Action: ChangeActionAdd})
		case a == nil:
			p.add(Change{Path: path, Before: b, Action: ChangeActionRemove})
		default:
			bm, bok := b.(map[string]interface{})
			am, aok := a.(map[string]interface{})
			if bok && aok {
				if child := diffObjects(path, bm, am, skip); child != nil {
					p.merge(k, child)
				}
				continue
			}
			if !cmp.Equal(b, a) {
				p.add(Change{Path: path, Before: b, After: a, Action: ChangeActionModify})
			}
		}
	}
	if p.Total() == 0 {
		return nil
	}
	return p
}

func changeActionFor(before, after interface{}) ChangeAction {
	switch {
	case before == nil:
		return ChangeActionAdd
	case after == nil:
		return ChangeActionRemove
	default:
		return ChangeActionModify
	}
}

func decodeJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func sameDependencies(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return cmp.Equal(as, bs)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// pathMatcher reports whether a path equals or sits below one of paths.
func pathMatcher(paths []string) func(string) bool {
	return func(path string) bool {
		for _, p := range paths {
			if path == p || strings.HasPrefix(path, p+".") {
				return true
			}
		}
		return false
	}
}

// FieldPolicy is the per-resource-type rule set for diffing. Handlers embed
// it to get Equals, Preview and Classify.
type FieldPolicy struct {
	// Immutable lists dotted parameter paths whose change forces a replace.
	// DependenciesPath may be listed to replace on dependency changes.
	Immutable []string

	// Ignore lists paths excluded from the diff.
	Ignore []string
}

// Equals reports whether both entries carry identical parameters and dependencies.
func (p FieldPolicy) Equals(candidate, current *Entry) bool {
	return candidate.Type == current.Type &&
		sameDependencies(candidate.Dependencies, current.Dependencies) &&
		cmp.Equal(decodeJSON(candidate.Parameters), decodeJSON(current.Parameters))
}

// Preview diffs the entries, honouring Ignore.
func (p FieldPolicy) Preview(candidate, current *Entry) *Preview {
	return DiffEntries(candidate, current, p.Ignore...)
}

// Classify returns ChangeRequiresReplace when any changed path touches an
// immutable path, ChangeUpdate for other changes.
func (p FieldPolicy) Classify(candidate, current *Entry, preview *Preview) ChangeKind {
	if preview.Total() == 0 {
		return ChangeUnchanged
	}
	for _, c := range preview.AllChanges() {
		for _, imm := range p.Immutable {
			if c.Path == imm ||
				strings.HasPrefix(c.Path, imm+".") ||
				(c.Path != "" && strings.HasPrefix(imm, c.Path+".")) ||
				c.Path == "" {
				return ChangeRequiresReplace
			}
		}
	}
	return ChangeUpdate
}
