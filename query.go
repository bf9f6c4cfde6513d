package loom

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// MatchQuery reports whether value satisfies a MongoDB-style predicate. A
// scalar query means equality; an object whose keys start with '$' is a set of
// operators; any other object matches nested fields by path.
func MatchQuery(value any, query any) bool {
	return matchValue(normalize(value), value != nil, normalize(query))
}

func matchValue(value any, present bool, query any) bool {
	q, ok := query.(map[string]any)
	if !ok {
		return looseEqualOrContains(value, query)
	}
	if len(q) == 0 {
		return true
	}
	if !isOperatorObject(q) {
		if obj, isObj := value.(map[string]any); isObj && len(q) > 0 {
			for path, sub := range q {
				fieldValue, fieldPresent := ResolvePath(obj, path)
				if !matchValue(fieldValue, fieldPresent, sub) {
					return false
				}
			}

			return true
		}

		return looseEqual(value, query)
	}

	for op, operand := range q {
		if !applyOperator(op, operand, q, value, present) {
			return false
		}
	}

	return true
}

func isOperatorObject(q map[string]any) bool {
	for k := range q {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}

	return false
}

func applyOperator(op string, operand any, all map[string]any, value any, present bool) bool {
	switch op {
	case "$eq":
		return looseEqualOrContains(value, operand)
	case "$ne":
		return !looseEqualOrContains(value, operand)
	case "$gt", "$gte", "$lt", "$lte":
		return anyElement(value, func(v any) bool { return compareOp(op, v, operand) })
	case "$in":
		items, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if looseEqualOrContains(value, item) {
				return true
			}
		}

		return false
	case "$nin":
		return !applyOperator("$in", operand, all, value, present)
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false
		}

		return present == want
	case "$regex":
		options, _ := all["$options"].(string)

		return anyElement(value, func(v any) bool { return matchRegex(v, operand, options) })
	case "$options":
		return true
	case "$not":
		return !matchValue(value, present, operand)
	case "$and", "$or", "$nor":
		clauses, ok := operand.([]any)
		if !ok {
			return false
		}

		return combine(op, clauses, value, present)
	case "$size":
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		n, ok := toNumber(operand)

		return ok && float64(len(arr)) == n
	case "$all":
		wanted, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, w := range wanted {
			if !looseEqualOrContains(value, w) {
				return false
			}
		}

		return true
	case "$elemMatch":
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if matchValue(item, true, operand) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func combine(op string, clauses []any, value any, present bool) bool {
	switch op {
	case "$and":
		for _, c := range clauses {
			if !matchValue(value, present, c) {
				return false
			}
		}

		return true
	case "$or":
		for _, c := range clauses {
			if matchValue(value, present, c) {
				return true
			}
		}

		return false
	default:
		for _, c := range clauses {
			if matchValue(value, present, c) {
				return false
			}
		}

		return true
	}
}

func anyElement(value any, pred func(any) bool) bool {
	if arr, ok := value.([]any); ok {
		for _, item := range arr {
			if pred(item) {
				return true
			}
		}

		return false
	}

	return pred(value)
}

func compareOp(op string, value, operand any) bool {
	cmp, ok := compareValues(value, operand)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return cmp > 0
	case "$gte":
		return cmp >= 0
	case "$lt":
		return cmp < 0
	default:
		return cmp <= 0
	}
}

// compareValues orders numbers against numbers and strings against strings.
// Mixed types are incomparable.
func compareValues(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}

		return strings.Compare(x, y), true
	}

	return 0, false
}

func matchRegex(value, pattern any, options string) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	var flags string
	for _, o := range options {
		if strings.ContainsRune("ims", o) {
			flags += string(o)
		}
	}
	if flags != "" {
		p = "(?" + flags + ")" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}

	return re.MatchString(s)
}

func looseEqualOrContains(value, want any) bool {
	if looseEqual(value, want) {
		return true
	}
	if arr, ok := value.([]any); ok {
		if _, wantArr := want.([]any); !wantArr {
			for _, item := range arr {
				if looseEqual(item, want) {
					return true
				}
			}
		}
	}

	return false
}

// looseEqual is deep equality where all numeric types compare by value.
func looseEqual(a, b any) bool {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)

		return ok && x == y
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !looseEqual(v, other) {
				return false
			}
		}

		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// normalize turns arbitrary Go values into the JSON shapes the matcher
// understands: map[string]any, []any, string, bool, float64 and nil.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}

		return out
	}
	if n, ok := toNumber(v); ok {
		return n
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}

	return out
}
