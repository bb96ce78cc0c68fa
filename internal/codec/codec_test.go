package codec

import (
	"encoding/json"
	"testing"
	"time"
)

func encode(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return string(b)
}

func TestDecodeValueByTypeName(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)
	cases := []struct {
		typ  string
		raw  any
		want string
	}{
		{"BOOL", true, `true`},
		{"BIT", []byte{1}, `true`},
		{"BOOLEAN", int64(0), `false`},
		{"INT4", int64(42), `42`},
		{"BIGINT", []byte("9007199254740993"), `9007199254740993`},
		{"UNSIGNED BIGINT", []byte("18446744073709551615"), `18446744073709551615`},
		{"FLOAT8", 1.5, `1.5`},
		{"REAL", []byte("2.25"), `2.25`},
		{"NUMERIC", []byte("123456789123456789123456789"), `123456789123456789123456789`},
		{"DECIMAL(10,2)", []byte("12.50"), `12.50`},
		{"MONEY", []byte("-$1,234.50"), `-1234.5`},
		{"MONEY", []byte("12.5000"), `12.5`},
		{"SMALLMONEY", 3.25, `3.25`},
		{"TIMESTAMPTZ", ts, `"2024-03-05T10:20:30Z"`},
		{"TIMESTAMP", ts, `"2024-03-05T10:20:30"`},
		{"DATE", ts, `"2024-03-05"`},
		{"DATETIME", "2024-03-05 10:20:30", `"2024-03-05 10:20:30"`},
		{"JSONB", []byte(`{"a":[1,2]}`), `{"a":[1,2]}`},
		{"JSON", `[1,"x"]`, `[1,"x"]`},
		{"BYTEA", []byte("Hello World"), `"data:application/octet-stream;base64,SGVsbG8gV29ybGQ="`},
		{"BLOB", []byte{0, 1, 2, 255, 254, 253}, `"data:application/octet-stream;base64,AAEC//79"`},
		{"VARCHAR(20)", []byte("text"), `"text"`},
		{"TEXT", "plain", `"plain"`},
		{"UUID", "A0EEBC99-9C0B-4EF8-BB6D-6BB9BD380A11", `"a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"`},
		{"_INT4", []byte("{1,NULL,3}"), `[1,null,3]`},
		{"_TEXT", []byte(`{a,"b c"}`), `["a","b c"]`},
		{"", int64(7), `7`},
		{"", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, `"data:image/png;base64,iVBORw0KGgo="`},
		{"", "s", `"s"`},
	}
	for _, c := range cases {
		got := encode(t, DecodeValue(Column{Name: "c", TypeName: c.typ}, c.raw, Options{}))
		if got != c.want {
			t.Errorf("DecodeValue(%q, %#v) = %s, want %s", c.typ, c.raw, got, c.want)
		}
	}
}

func TestDecodeNull(t *testing.T) {
	if v := DecodeValue(Column{TypeName: "INT4"}, nil, Options{}); v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestDecodeFailureDegrades(t *testing.T) {
	if got := encode(t, DecodeValue(Column{TypeName: "INTEGER"}, "abc", Options{})); got != "0" {
		t.Fatalf("int fallback = %s", got)
	}
	if got := encode(t, DecodeValue(Column{TypeName: "FLOAT8"}, []byte("x"), Options{})); got != "0" {
		t.Fatalf("float fallback = %s", got)
	}
	if got := encode(t, DecodeValue(Column{TypeName: "JSON"}, "{oops", Options{})); got != `"{oops"` {
		t.Fatalf("json fallback = %s", got)
	}
}

func TestMixedEndianUUID(t *testing.T) {
	// SQL Server wire bytes for 6F9619FF-8B86-D011-B42D-00C04FC964FF.
	raw := []byte{0xFF, 0x19, 0x96, 0x6F, 0x86, 0x8B, 0x11, 0xD0, 0xB4, 0x2D, 0x00, 0xC0, 0x4F, 0xC9, 0x64, 0xFF}
	got := DecodeValue(Column{TypeName: "UNIQUEIDENTIFIER"}, raw, Options{MixedEndianUUID: true})
	if got != "6f9619ff-8b86-d011-b42d-00c04fc964ff" {
		t.Fatalf("uuid = %v", got)
	}
}

func TestDecodeRowRepeatedColumns(t *testing.T) {
	cols := []Column{
		{Name: "one_value", TypeName: "FLOAT8"},
		{Name: "two_values", TypeName: "INT4"},
		{Name: "two_values", TypeName: "INT4"},
		{Name: "three_values", TypeName: "TEXT"},
		{Name: "three_values", TypeName: "TEXT"},
		{Name: "three_values", TypeName: "TEXT"},
	}
	vals := []any{123.456, int64(1), int64(2), "x", "y", "z"}
	got := encode(t, DecodeRow(cols, vals, Options{}))
	want := `{"one_value":123.456,"two_values":[1,2],"three_values":["x","y","z"]}`
	if got != want {
		t.Fatalf("row = %s, want %s", got, want)
	}
}

func TestRowCloneOwnsRepeatedValues(t *testing.T) {
	r := NewRow(1)
	for _, v := range []string{"x", "y", "z"} {
		r.Add("k", v)
	}
	c := r.Clone()
	r.Add("k", "from original")
	c.Add("k", "from clone")
	if got, want := encode(t, r), `{"k":["x","y","z","from original"]}`; got != want {
		t.Fatalf("original = %s, want %s", got, want)
	}
	if got, want := encode(t, c), `{"k":["x","y","z","from clone"]}`; got != want {
		t.Fatalf("clone = %s, want %s", got, want)
	}
}

func TestFoldUppercaseNames(t *testing.T) {
	cases := map[string]string{
		"NAME":      "name",
		"FIRST_ID":  "first_id",
		"MixedCase": "MixedCase",
		"lower":     "lower",
		"123":       "123",
	}
	for in, want := range cases {
		if got := foldUppercase(in); got != want {
			t.Errorf("foldUppercase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectMIME(t *testing.T) {
	zipWith := func(name string) []byte {
		b := make([]byte, 30, 64)
		copy(b, "PK\x03\x04")
		b = append(b, name...)
		for len(b) < 60 {
			b = append(b, 0)
		}
		return b
	}
	cases := []struct {
		in   []byte
		want string
	}{
		{nil, "application/octet-stream"},
		{[]byte("\x89PNG\r\n\x1a\n"), "image/png"},
		{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
		{[]byte("GIF89a..."), "image/gif"},
		{[]byte("BM...."), "image/bmp"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{[]byte("%PDF-1.7"), "application/pdf"},
		{[]byte("PK\x03\x04short"), "application/zip"},
		{zipWith("word/document.xml"), mimeDocx},
		{zipWith("xl/workbook.xml"), mimeXlsx},
		{zipWith("ppt/slides/slide1.xml"), mimePptx},
		{[]byte("<svg xmlns=..."), "image/svg+xml"},
		{[]byte("<?xml version='1.0'?>"), "application/xml"},
		{[]byte(`{"a":1}`), "application/json"},
		{[]byte(`[1]`), "application/json"},
		{[]byte("Hello World"), "application/octet-stream"},
	}
	for _, c := range cases {
		if got := DetectMIME(c.in); got != c.want {
			t.Errorf("DetectMIME(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseDataURL(t *testing.T) {
	mime, data, ok := ParseDataURL(DataURL([]byte("%PDF-1.4 body")))
	if !ok || mime != "application/pdf" || string(data) != "%PDF-1.4 body" {
		t.Fatalf("round trip = %q %q %v", mime, data, ok)
	}
	mime, data, ok = ParseDataURL("data:,hello")
	if !ok || mime != "text/plain" || string(data) != "hello" {
		t.Fatalf("plain = %q %q %v", mime, data, ok)
	}
	if _, _, ok := ParseDataURL("http://example.com"); ok {
		t.Fatalf("non data url accepted")
	}
}

func TestRowOrderAndParseJSON(t *testing.T) {
	v, err := ParseJSON(`{"z":1,"a":{"y":2,"b":3},"m":[1.50]}`)
	if err != nil {
		t.Fatal(err)
	}
	row, ok := AsRow(v)
	if !ok {
		t.Fatalf("expected object, got %T", v)
	}
	if got := encode(t, row); got != `{"z":1,"a":{"b":3,"y":2},"m":[1.50]}` {
		t.Fatalf("row = %s", got)
	}
	if _, err := ParseJSON(`{"a":1} trailing`); err == nil {
		t.Fatalf("expected error for trailing data")
	}
	if s, _ := row.GetString("z"); s != "1" {
		t.Fatalf("GetString = %q", s)
	}
	row.Delete("a")
	if got := encode(t, row); got != `{"z":1,"m":[1.50]}` {
		t.Fatalf("after delete = %s", got)
	}
}
