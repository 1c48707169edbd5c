package dialogue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Answers holds validated field values in the order they were collected.
type Answers struct {
	keys   []string
	values map[string]any
}

func (a *Answers) Set(field string, v any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, ok := a.values[field]; !ok {
		a.keys = append(a.keys, field)
	}
	a.values[field] = v
}

func (a Answers) Get(field string) (any, bool) {
	v, ok := a.values[field]
	return v, ok
}

func (a Answers) Len() int { return len(a.keys) }

func (a Answers) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

func (a Answers) Float(field string) float64 {
	switch v := a.values[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func (a Answers) Int(field string) int {
	switch v := a.values[field].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (a Answers) String(field string) string {
	switch v := a.values[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns an independent copy. Slice values are shared; validators
// only produce scalars and freshly built slices.
func (a Answers) Clone() Answers {
	out := Answers{keys: make([]string, len(a.keys)), values: make(map[string]any, len(a.values))}
	copy(out.keys, a.keys)
	for k, v := range a.values {
		out.values[k] = v
	}
	return out
}

func (a Answers) Map() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes an object whose keys keep collection order.
func (a Answers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("answer %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
