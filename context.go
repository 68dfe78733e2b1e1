package baton

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/btree"
)

// ResponseKey is the context key a step's response is stored under.
func ResponseKey(step string) string {
	return step + "_response"
}

// Context is the key/value map threaded through a saga run. The caller
// seeds it at start; the engine inserts each completed step's response
// under ResponseKey(step). Conditions and templates read from it. Access
// is not synchronized here; the supervisor serializes all mutation.
type Context struct {
	values btree.Map[string, any]
}

// NewContext builds a context seeded with the caller's initial values.
func NewContext(seed map[string]any) *Context {
	c := &Context{}
	for k, v := range seed {
		c.values.Set(k, v)
	}
	return c
}

func (c *Context) Get(key string) (any, bool) {
	return c.values.Get(key)
}

func (c *Context) Set(key string, value any) {
	c.values.Set(key, value)
}

func (c *Context) Len() int {
	return c.values.Len()
}

// Keys returns the context keys in ascending order.
func (c *Context) Keys() []string {
	return c.values.Keys()
}

// Snapshot copies the top-level entries into a plain map.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, c.values.Len())
	c.values.Scan(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// Resolve walks a dotted reference path: the first segment names a context
// key, later segments index into object fields or array elements of the
// decoded value.
func (c *Context) Resolve(path string) (any, bool) {
	segs := strings.Split(path, ".")
	v, ok := c.Get(segs[0])
	if !ok {
		return nil, false
	}
	for _, seg := range segs[1:] {
		switch t := v.(type) {
		case map[string]any:
			if v, ok = t[seg]; !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			v = t[idx]
		default:
			return nil, false
		}
	}
	return v, true
}

// ExpandString substitutes $variable references in s with context values.
// $$ renders a literal dollar sign; a reference that cannot be resolved is
// an error. Non-string values render as their JSON encoding.
func (c *Context) ExpandString(s string) (string, error) {
	if !strings.ContainsRune(s, '$') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '$' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('$')
			i += 2
			continue
		}
		ref, n := scanRef(s[i+1:])
		if n == 0 {
			b.WriteByte('$')
			i++
			continue
		}
		v, ok := c.Resolve(ref)
		if !ok {
			return "", fmt.Errorf("context has no value for $%s", ref)
		}
		b.WriteString(renderValue(v))
		i += 1 + n
	}
	return b.String(), nil
}

// ExpandPayload resolves $variable references inside a JSON payload
// template. A string that is exactly one reference is replaced by the
// referenced value itself, preserving its type; references embedded in a
// longer string substitute textually.
func (c *Context) ExpandPayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload template: %w", err)
	}
	expanded, err := c.expandValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(expanded)
}

func (c *Context) expandValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if ref, ok := wholeRef(t); ok {
			resolved, found := c.Resolve(ref)
			if !found {
				return nil, fmt.Errorf("context has no value for $%s", ref)
			}
			return resolved, nil
		}
		return c.ExpandString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ev, err := c.expandValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			ev, err := c.expandValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.values = btree.Map[string, any]{}
	for k, v := range m {
		c.values.Set(k, v)
	}
	return nil
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// wholeRef reports whether s is exactly one $variable reference.
func wholeRef(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' || s[1] == '$' {
		return "", false
	}
	ref, n := scanRef(s[1:])
	if n == len(s)-1 {
		return ref, true
	}
	return "", false
}

// scanRef reads a variable reference (sans the leading $) from the start
// of s: an identifier followed by dotted field or index segments. Returns
// the reference and the number of bytes consumed.
func scanRef(s string) (string, int) {
	i := 0
	if i >= len(s) || !isIdentStart(s[i]) {
		return "", 0
	}
	for i < len(s) && isIdentPart(s[i]) {
		i++
	}
	for i+1 < len(s) && s[i] == '.' && isIdentPart(s[i+1]) {
		i++
		for i < len(s) && isIdentPart(s[i]) {
			i++
		}
	}
	return s[:i], i
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}
