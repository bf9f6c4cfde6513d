package loom

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// PathSegment is one step of a parsed path: a key or an array index.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s PathSegment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}

	return s.Key
}

// ParsePath tokenizes paths such as `a.b[0]['c']["d.e"]`. An empty path or "."
// yields no segments, meaning the whole value.
func ParsePath(path string) ([]PathSegment, error) {
	if path == "" || path == "." {
		return nil, nil
	}

	var (
		segments []PathSegment
		key      strings.Builder
		i        int
	)

	flushKey := func() {
		if key.Len() > 0 {
			segments = append(segments, PathSegment{Key: key.String()})
			key.Reset()
		}
	}

	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			flushKey()
			i++
		case '[':
			flushKey()
			end, seg, err := parseBracket(path, i)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			i = end
		case ']':
			return nil, fmt.Errorf("path %q: unexpected ']' at %d", path, i)
		default:
			key.WriteByte(c)
			i++
		}
	}
	flushKey()

	return segments, nil
}

// parseBracket reads a bracket group starting at path[start] == '[' and
// returns the index just past the closing bracket.
func parseBracket(path string, start int) (int, PathSegment, error) {
	i := start + 1
	if i >= len(path) {
		return 0, PathSegment{}, fmt.Errorf("path %q: unterminated '[' at %d", path, start)
	}

	if quote := path[i]; quote == '\'' || quote == '"' {
		var key strings.Builder
		i++
		for i < len(path) && path[i] != quote {
			if path[i] == '\\' && i+1 < len(path) {
				i++
			}
			key.WriteByte(path[i])
			i++
		}
		if i+1 >= len(path) || path[i+1] != ']' {
			return 0, PathSegment{}, fmt.Errorf("path %q: unterminated quoted key at %d", path, start)
		}

		return i + 2, PathSegment{Key: key.String()}, nil
	}

	end := strings.IndexByte(path[i:], ']')
	if end < 0 {
		return 0, PathSegment{}, fmt.Errorf("path %q: unterminated '[' at %d", path, start)
	}
	raw := strings.TrimSpace(path[i : i+end])
	idx, err := strconv.Atoi(raw)
	if err != nil {
		// Unquoted non-numeric keys are accepted as plain keys.
		return i + end + 1, PathSegment{Key: raw}, nil
	}
	if idx < 0 {
		return 0, PathSegment{}, fmt.Errorf("path %q: negative index %d", path, idx)
	}

	return i + end + 1, PathSegment{Index: idx, IsIndex: true}, nil
}

// ResolvePath walks value along path. The second result is false when any
// segment is missing; malformed paths resolve to nothing.
func ResolvePath(value any, path string) (any, bool) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, false
	}

	return walkSegments(value, segments)
}

func walkSegments(value any, segments []PathSegment) (any, bool) {
	current := value
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}

	return current, true
}

func step(value any, seg PathSegment) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case map[string]any:
		if seg.IsIndex {
			next, ok := v[strconv.Itoa(seg.Index)]

			return next, ok
		}
		next, ok := v[seg.Key]

		return next, ok
	case []any:
		idx, ok := segmentIndex(seg)
		if !ok || idx >= len(v) {
			return nil, false
		}

		return v[idx], true
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		next := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !next.IsValid() {
			return nil, false
		}

		return next.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, ok := segmentIndex(seg)
		if !ok || idx >= rv.Len() {
			return nil, false
		}

		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		if seg.IsIndex {
			return nil, false
		}

		return structField(rv, seg.Key)
	default:
		return nil, false
	}
}

func segmentIndex(seg PathSegment) (int, bool) {
	if seg.IsIndex {
		return seg.Index, true
	}
	idx, err := strconv.Atoi(seg.Key)
	if err != nil || idx < 0 {
		return 0, false
	}

	return idx, true
}

// structField matches by json tag first, then by exported field name.
func structField(rv reflect.Value, key string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == key || (name == "" && strings.EqualFold(field.Name, key)) {
			return rv.Field(i).Interface(), true
		}
	}

	return nil, false
}
