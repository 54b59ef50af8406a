package conflict

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LocalChangesMarker separates the remote and local prose when a
// conservative merge keeps both notes.
const LocalChangesMarker = "[Local changes]:"

type side struct {
	value   any
	present bool
}

// mergeField applies one strategy to a field's two sides. It returns
// present=false when the field should be absent from the result.
func mergeField(strategy MergeStrategy, local, remote side, remoteNewer bool) (any, bool) {
	if !local.present && !remote.present {
		return nil, false
	}
	if !remote.present {
		return local.value, true
	}
	if !local.present {
		return remote.value, true
	}

	switch strategy {
	case LastWriterWins:
		if remoteNewer {
			return remote.value, true
		}
		return local.value, true
	case PreferRemote:
		return remote.value, true
	case UserDecides:
		if reflect.DeepEqual(local.value, remote.value) {
			return local.value, true
		}
		return map[string]any{"_conflict": true, "local": local.value, "remote": remote.value}, true
	case MergeArrays:
		l, lok := local.value.([]any)
		r, rok := remote.value.([]any)
		if lok && rok {
			return unionArrays(l, r), true
		}
	case SumNumbers:
		if l, r, ok := bothNumbers(local.value, remote.value); ok {
			return l + r, true
		}
	case MinValue:
		if l, r, ok := bothNumbers(local.value, remote.value); ok {
			if r < l {
				return remote.value, true
			}
		}
	case MaxValue:
		if l, r, ok := bothNumbers(local.value, remote.value); ok {
			if r > l {
				return remote.value, true
			}
		}
	}
	// prefer-local, and the fallback when types do not fit the strategy
	return local.value, true
}

// unionArrays keeps local order and appends remote elements not already
// present.
func unionArrays(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	for _, v := range local {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	for _, v := range remote {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, existing := range list {
		if valuesEqual(existing, v) {
			return true
		}
	}
	return false
}

// valuesEqual compares JSON values, treating numbers by value.
func valuesEqual(a, b any) bool {
	if x, y, ok := bothNumbers(a, b); ok {
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func bothNumbers(a, b any) (float64, float64, bool) {
	x, ok := toNumber(a)
	if !ok {
		return 0, 0, false
	}
	y, ok := toNumber(b)
	if !ok {
		return 0, 0, false
	}
	return x, y, true
}

// applyRules runs rules in order over a copy of base.
func applyRules(base, local, remote map[string]any, rules []MergeRule, remoteNewer bool) map[string]any {
	merged := cloneMap(base)
	for _, rule := range rules {
		for _, path := range rule.Path.Expand(local, remote) {
			l, lok := lookup(local, path)
			r, rok := lookup(remote, path)
			v, present := mergeField(rule.Strategy, side{l, lok}, side{r, rok}, remoteNewer)
			if present {
				assign(merged, path, cloneValue(v))
			} else {
				remove(merged, path)
			}
		}
	}
	return merged
}

// conservativeMerge overlays local onto remote, unions arrays and keeps both
// notes when they differ. Nested objects merge recursively.
func conservativeMerge(local, remote map[string]any) map[string]any {
	merged := cloneMap(remote)
	for k, lv := range local {
		rv, ok := merged[k]
		if !ok {
			merged[k] = cloneValue(lv)
			continue
		}
		switch {
		case k == "notes":
			merged[k] = mergeNotes(lv, rv)
		default:
			lm, lok := asObject(lv)
			rm, rok := asObject(rv)
			if lok && rok {
				merged[k] = conservativeMerge(lm, rm)
				continue
			}
			la, laok := lv.([]any)
			ra, raok := rv.([]any)
			if laok && raok {
				merged[k] = unionArrays(la, ra)
				continue
			}
			merged[k] = cloneValue(lv)
		}
	}
	return merged
}

func mergeNotes(local, remote any) any {
	ls, lok := local.(string)
	rs, rok := remote.(string)
	if !lok || !rok {
		return cloneValue(local)
	}
	switch {
	case strings.TrimSpace(ls) == "":
		return rs
	case strings.TrimSpace(rs) == "" || ls == rs:
		return ls
	}
	return rs + "\n\n" + LocalChangesMarker + " " + ls
}

// hasUserDecision reports whether a merge left a user-decides wrapper.
func hasUserDecision(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		if flag, _ := t["_conflict"].(bool); flag {
			return true
		}
		for _, child := range t {
			if hasUserDecision(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if hasUserDecision(child) {
				return true
			}
		}
	}
	return false
}

// bookkeepingFields are never reported as dropped by a merge.
var bookkeepingFields = map[string]bool{"id": true, "lastModified": true}

// droppedFields lists, sorted, the top-level fields of from whose value
// merged no longer carries. Merged notes carry a side when they contain it.
func droppedFields(merged, from map[string]any) []string {
	var out []string
	for k, v := range from {
		if bookkeepingFields[k] {
			continue
		}
		mv, ok := merged[k]
		if ok && k == "notes" {
			ms, mok := mv.(string)
			vs, vok := v.(string)
			if mok && vok && strings.Contains(ms, vs) {
				continue
			}
		}
		if !ok || !retains(mv, v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// retains reports whether merged still holds every part of v: equal
// scalars, a superset of array elements, or every key of an object. A
// user-decides wrapper retains both of its sides.
func retains(merged, v any) bool {
	if m, ok := merged.(map[string]any); ok {
		if flag, _ := m["_conflict"].(bool); flag {
			return retains(m["local"], v) || retains(m["remote"], v)
		}
	}
	switch t := v.(type) {
	case map[string]any:
		m, ok := asObject(merged)
		if !ok {
			return false
		}
		for k, child := range t {
			mv, ok := m[k]
			if !ok || !retains(mv, child) {
				return false
			}
		}
		return true
	case []any:
		m, ok := merged.([]any)
		if !ok {
			return false
		}
		for _, child := range t {
			if !containsValue(m, child) {
				return false
			}
		}
		return true
	}
	return valuesEqual(merged, v)
}

// humanizeAge renders d as "N units", choosing the largest sensible unit.
func humanizeAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return strconv.FormatInt(n, 10) + " " + name + "s"
	}
	switch {
	case d < time.Minute:
		return unit(int64(d/time.Second), "second")
	case d < time.Hour:
		return unit(int64(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return unit(int64(d/time.Hour), "hour")
	}
	return unit(int64(d/(24*time.Hour)), "day")
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return cloneValue(m).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}
