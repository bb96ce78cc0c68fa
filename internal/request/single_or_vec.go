package request

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// SingleOrVec is a request variable: either one string or an ordered list of
// strings (from repeated `name[]=` keys).
type SingleOrVec struct {
	values []string
	multi  bool
}

// Single wraps one value.
func Single(v string) SingleOrVec { return SingleOrVec{values: []string{v}} }

// Vec wraps a list of values. A nil list is an empty list.
func Vec(vs []string) SingleOrVec {
	if vs == nil {
		vs = []string{}
	}
	return SingleOrVec{values: vs, multi: true}
}

// IsVec reports whether the value is a list.
func (s SingleOrVec) IsVec() bool { return s.multi }

// Values returns the underlying values. Callers must not modify the slice.
func (s SingleOrVec) Values() []string { return s.values }

// String returns the scalar value, or the list rendered as a JSON array.
func (s SingleOrVec) String() string { return s.AsJSONStr() }

// AsJSONStr is the form in which a variable is bound to a SQL parameter:
// scalars as-is, lists as a JSON array string.
func (s SingleOrVec) AsJSONStr() string {
	if !s.multi {
		if len(s.values) == 0 {
			return ""
		}
		return s.values[0]
	}
	b, _ := json.Marshal(s.values)
	return string(b)
}

// Merge combines two values for the same key. Two scalars: the newer one wins.
// Any other combination: the values are concatenated into a list.
func (s SingleOrVec) Merge(other SingleOrVec) SingleOrVec {
	if !s.multi && !other.multi {
		return other
	}
	out := make([]string, 0, len(s.values)+len(other.values))
	out = append(out, s.values...)
	out = append(out, other.values...)
	return Vec(out)
}

// MarshalJSON encodes scalars as strings and lists as arrays.
func (s SingleOrVec) MarshalJSON() ([]byte, error) {
	if s.multi {
		return json.Marshal(s.values)
	}
	return json.Marshal(s.AsJSONStr())
}

// UnmarshalJSON accepts a string or an array of strings.
func (s *SingleOrVec) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		*s = Single(v)
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected an array of strings, but item at index %d is %v", i, item)
			}
			out = append(out, str)
		}
		*s = Vec(out)
	default:
		return fmt.Errorf("expected a string or an array of strings, but found %v", raw)
	}
	return nil
}

// ParamMap maps variable names to their values.
type ParamMap map[string]SingleOrVec

// Add inserts one key/value pair. Keys ending in "[]" are stored without the
// suffix as list values.
func (m ParamMap) Add(key, value string) {
	entry := Single(value)
	if name, ok := strings.CutSuffix(key, "[]"); ok {
		key = name
		entry = Vec([]string{value})
	}
	if old, ok := m[key]; ok {
		m[key] = old.Merge(entry)
		return
	}
	m[key] = entry
}

// Clone returns a shallow copy. Values are immutable so sharing them is safe.
func (m ParamMap) Clone() ParamMap {
	out := make(ParamMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParamMapFromValues converts parsed query or form values, preserving the
// order of repeated keys.
func ParamMapFromValues(values url.Values) ParamMap {
	m := make(ParamMap, len(values))
	for k, vs := range values {
		for _, v := range vs {
			m.Add(k, v)
		}
	}
	return m
}

// ParseQuery parses a raw query string. Invalid pairs are skipped.
func ParseQuery(raw string) ParamMap {
	m := ParamMap{}
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, err1 := url.QueryUnescape(k)
		v, err2 := url.QueryUnescape(v)
		if err1 != nil || err2 != nil {
			continue
		}
		m.Add(k, v)
	}
	return m
}
