package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Substitute replaces every ${path} reference in input with the stringified
// value found at path in vars. Strings nested in maps and slices are
// substituted recursively; other leaves pass through unchanged. Unresolved
// references are kept verbatim. The input and vars are never mutated.
func Substitute(input any, vars map[string]any) any {
	switch v := input.(type) {
	case string:
		return SubstituteString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, vars)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = SubstituteString(item, vars)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i], _ = Substitute(item, vars).(map[string]any)
		}
		return out
	default:
		return input
	}
}

// SubstituteMap is Substitute specialised for parameter maps.
func SubstituteMap(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out, _ := Substitute(params, vars).(map[string]any)
	return out
}

var referencePattern = regexp.MustCompile(`\$\{[^}]*\}`)

// SubstituteString resolves each ${path} token in s. Unresolved and
// unterminated tokens stay as written.
func SubstituteString(s string, vars map[string]any) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return referencePattern.ReplaceAllStringFunc(s, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-1])
		if val, ok := Resolve(vars, path); ok {
			return marshalInline(val)
		}
		return token
	})
}

// Reference returns the path of s when s is exactly one ${path} token.
func Reference(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	path := strings.TrimSpace(s[2 : len(s)-1])
	if path == "" || strings.ContainsAny(path, "${}") {
		return "", false
	}
	return path, true
}

// Resolve looks up a dot-delimited path in vars. A direct key match wins over
// traversal, so keys that contain dots stay addressable. Numeric segments
// index into slices.
func Resolve(vars map[string]any, path string) (any, bool) {
	if path == "" || vars == nil {
		return nil, false
	}
	if val, ok := vars[path]; ok {
		return val, true
	}
	return traversePath(vars, path)
}

func traversePath(root any, path string) (any, bool) {
	node := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := child(node, seg)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// child steps one path segment into a map or slice.
func child(node any, seg string) (any, bool) {
	if seg == "" {
		return nil, false
	}
	switch v := node.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case map[string]string:
		val, ok := v[seg]
		return val, ok
	case []any:
		return element(v, seg)
	case []string:
		return element(v, seg)
	case []map[string]any:
		return element(v, seg)
	}
	return nil, false
}

func element[T any](items []T, seg string) (any, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= len(items) {
		return nil, false
	}
	return items[i], true
}

// marshalInline converts a resolved value into the text embedded in a string.
// Scalars render naturally; maps and slices are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
