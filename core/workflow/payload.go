package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// PayloadResultKey is where finalization nodes publish the run result.
const PayloadResultKey = "result"

// Payload is the append-only, JSON-shaped result map of a run. Values are
// normalized through JSON on write so persisted and in-memory runs agree.
// Keys may be overwritten but are never deleted.
type Payload map[string]any

// Get resolves a dotted path such as "order.quantity".
func (p Payload) Get(path string) (any, bool) {
	if p == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(p)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at a dotted path, creating intermediate objects.
func (p Payload) Set(path string, value any) error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	if path == "" {
		return fmt.Errorf("payload path required")
	}
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("payload %s: %w", path, err)
	}
	parts := strings.Split(path, ".")
	cur := map[string]any(p)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			if _, exists := cur[part]; exists {
				return fmt.Errorf("payload %s: %q is not an object", path, part)
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = normalized
	return nil
}

// Decode unmarshals the value at path into out.
func (p Payload) Decode(path string, out any) error {
	v, ok := p.Get(path)
	if !ok {
		return fmt.Errorf("payload %s: missing", path)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Float returns the numeric value at path.
func (p Payload) Float(path string) (float64, bool) {
	v, ok := p.Get(path)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// String returns the string value at path or "".
func (p Payload) String(path string) string {
	v, ok := p.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	out := Payload{}
	for k, v := range p {
		out[k] = deepCopy(v)
	}
	return out
}

// mergeFrom copies every top-level key of src that differs from p.
func (p Payload) mergeFrom(src Payload) {
	for k, v := range src {
		if cur, ok := p[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		p[k] = v
	}
}

func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
