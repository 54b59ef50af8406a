package conflict

import (
	"sort"
	"strings"
)

// Step is one element of a FieldPath: a named field, or a wildcard that
// matches every field at that level.
type Step struct {
	Name     string
	Wildcard bool
}

// FieldPath addresses a field inside an entity.
type FieldPath struct {
	steps []Step
}

// Field returns the path a.b.c for Field("a", "b", "c").
func Field(names ...string) FieldPath {
	steps := make([]Step, len(names))
	for i, n := range names {
		steps[i] = Step{Name: n}
	}
	return FieldPath{steps: steps}
}

// AllFields matches every top-level field.
func AllFields() FieldPath {
	return FieldPath{}.All()
}

// All extends p with a wildcard: every field below p.
func (p FieldPath) All() FieldPath {
	steps := append(append([]Step(nil), p.steps...), Step{Wildcard: true})
	return FieldPath{steps: steps}
}

// Steps returns a copy of the path's steps.
func (p FieldPath) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// IsWildcard reports whether p ends in a wildcard.
func (p FieldPath) IsWildcard() bool {
	return len(p.steps) > 0 && p.steps[len(p.steps)-1].Wildcard
}

func (p FieldPath) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		if s.Wildcard {
			parts[i] = "*"
		} else {
			parts[i] = s.Name
		}
	}
	return strings.Join(parts, ".")
}

// Expand returns the concrete field paths p matches in any of docs, sorted.
// Named steps always produce a path, even when no document has the field.
func (p FieldPath) Expand(docs ...map[string]any) [][]string {
	prefixes := [][]string{{}}
	for _, step := range p.steps {
		var next [][]string
		for _, prefix := range prefixes {
			if !step.Wildcard {
				next = append(next, appendPath(prefix, step.Name))
				continue
			}
			keys := map[string]bool{}
			for _, doc := range docs {
				if m, ok := lookup(doc, prefix); ok {
					if obj, ok := m.(map[string]any); ok {
						for k := range obj {
							keys[k] = true
						}
					}
				}
			}
			sorted := make([]string, 0, len(keys))
			for k := range keys {
				sorted = append(sorted, k)
			}
			sort.Strings(sorted)
			for _, k := range sorted {
				next = append(next, appendPath(prefix, k))
			}
		}
		prefixes = next
	}
	return prefixes
}

func appendPath(prefix []string, name string) []string {
	out := make([]string, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = name
	return out
}

// lookup walks path through nested objects. The empty path returns doc.
func lookup(doc map[string]any, path []string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	var cur any = doc
	for _, name := range path {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[name]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign sets path in doc, creating intermediate objects as needed.
func assign(doc map[string]any, path []string, v any) {
	if len(path) == 0 {
		return
	}
	cur := doc
	for _, name := range path[:len(path)-1] {
		child, ok := asObject(cur[name])
		if !ok {
			child = map[string]any{}
		}
		cur[name] = child
		cur = child
	}
	cur[path[len(path)-1]] = v
}

// remove deletes path from doc if present.
func remove(doc map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	parent, ok := lookup(doc, path[:len(path)-1])
	if !ok {
		return
	}
	if obj, ok := asObject(parent); ok {
		delete(obj, path[len(path)-1])
	}
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	}
	return nil, false
}
