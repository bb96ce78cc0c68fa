package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Row is a JSON object that remembers the order in which keys were inserted.
// Column order matters to components that lay out rows as tables.
type Row struct {
	keys []string
	vals map[string]any
}

// NewRow returns an empty row with room for n keys.
func NewRow(n int) *Row {
	return &Row{keys: make([]string, 0, n), vals: make(map[string]any, n)}
}

// Set stores v under k, keeping k's original position if it already exists.
func (r *Row) Set(k string, v any) {
	if _, ok := r.vals[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.vals[k] = v
}

// Add stores v under k. A repeated key turns the existing value into an array,
// and further repeats append to it.
func (r *Row) Add(k string, v any) {
	old, ok := r.vals[k]
	if !ok {
		r.Set(k, v)
		return
	}
	if arr, isArr := old.(repeated); isArr {
		r.vals[k] = append(arr, v)
		return
	}
	r.vals[k] = repeated{old, v}
}

// repeated marks an array created by folding repeated columns, as opposed to a
// column whose own value is an array.
type repeated []any

// Get returns the value stored under k.
func (r *Row) Get(k string) (any, bool) {
	v, ok := r.vals[k]
	if arr, isArr := v.(repeated); isArr {
		return []any(arr), ok
	}
	return v, ok
}

// GetString returns the value under k rendered as text, and false when the key
// is missing or null.
func (r *Row) GetString(k string) (string, bool) {
	v, ok := r.Get(k)
	if !ok || v == nil {
		return "", false
	}
	return Stringify(v), true
}

// Delete removes k and returns its previous value.
func (r *Row) Delete(k string) (any, bool) {
	v, ok := r.Get(k)
	if !ok {
		return nil, false
	}
	delete(r.vals, k)
	for i, key := range r.keys {
		if key == k {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Clone returns a shallow copy that can be modified independently.
func (r *Row) Clone() *Row {
	c := &Row{keys: append([]string(nil), r.keys...), vals: make(map[string]any, len(r.vals))}
	for k, v := range r.vals {
		if arr, isArr := v.(repeated); isArr {
			v = slices.Clone(arr)
		}
		c.vals[k] = v
	}
	return c
}

// Keys returns the keys in insertion order. Callers must not modify it.
func (r *Row) Keys() []string { return r.keys }

// Len is the number of keys.
func (r *Row) Len() int { return len(r.keys) }

// Map returns the row as a plain map, for template evaluation.
func (r *Row) Map() map[string]any {
	out := make(map[string]any, len(r.vals))
	for _, k := range r.keys {
		out[k], _ = r.Get(k)
	}
	return out
}

// Field is one key/value pair of a row.
type Field struct {
	Name  string
	Value any
}

// Fields returns the key/value pairs in order.
func (r *Row) Fields() []Field {
	out := make([]Field, 0, len(r.keys))
	for _, k := range r.keys {
		v, _ := r.Get(k)
		out = append(out, Field{Name: k, Value: v})
	}
	return out
}

// MarshalJSON writes keys in insertion order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v, _ := r.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving the order of top-level keys.
func (r *Row) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	row, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = *row
	return nil
}

// String renders the row as JSON.
func (r *Row) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid row: %v>", err)
	}
	return string(b)
}

func decodeObject(dec *json.Decoder) (*Row, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}
	row := NewRow(4)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected an object key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		row.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return row, nil
}

// ParseJSON decodes s keeping numbers exact. Top-level objects decode to *Row;
// nested objects decode to map[string]any.
func ParseJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	trimmed := strings.TrimLeft(s, " \t\r\n")
	var (
		v   any
		err error
	)
	if strings.HasPrefix(trimmed, "{") {
		v, err = decodeObject(dec)
	} else {
		err = dec.Decode(&v)
	}
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the JSON value")
	}
	return v, nil
}

// AsRow converts a decoded JSON object to a row. ok is false for non-objects.
func AsRow(v any) (*Row, bool) {
	switch o := v.(type) {
	case *Row:
		return o, true
	case map[string]any:
		row := NewRow(len(o))
		for _, k := range sortedKeys(o) {
			row.Set(k, o[k])
		}
		return row, true
	}
	return nil, false
}

// Stringify renders a JSON value the way it is bound to SQL parameters:
// strings verbatim, null as empty, everything else as JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		if _, isRow := x.(*Row); !isRow {
			return x.String()
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// ParseRowsJSON is ParseJSON that also keeps the key order of objects found
// directly inside a top-level array, as when one value describes several rows.
func ParseRowsJSON(s string) (any, error) {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(trimmed, "[") {
		return ParseJSON(s)
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	out := []any{}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		v, err := ParseJSON(string(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the JSON value")
	}
	return out, nil
}
